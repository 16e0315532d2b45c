package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	RoomsActive        prometheus.Gauge
	MessagesReceived   *prometheus.CounterVec
	MessagesSent       prometheus.Counter
	MessagesDropped    prometheus.Counter
	OpsApplied         prometheus.Counter
	OpsRejected        prometheus.Counter
	SnapshotsWritten   prometheus.Counter
	SnapshotFailures   prometheus.Counter
	SnapshotDuration   prometheus.Histogram
	RoomInboxDepth     prometheus.Gauge
	RateLimitedFrames  prometheus.Counter
	AuthRejections     prometheus.Counter
	BroadcastLatency   prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lively_connections_active",
			Help: "Number of open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_connections_total",
			Help: "Total number of accepted websocket connections",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lively_rooms_active",
			Help: "Number of live room actors",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lively_messages_received_total",
			Help: "Inbound frames by message type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_messages_sent_total",
			Help: "Total outbound frames",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_messages_dropped_total",
			Help: "Outbound frames dropped on slow consumers",
		}),
		OpsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_storage_ops_applied_total",
			Help: "Storage operations applied to authoritative documents",
		}),
		OpsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_storage_ops_rejected_total",
			Help: "Storage operations rejected by validation",
		}),
		SnapshotsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_snapshots_written_total",
			Help: "Room snapshots persisted",
		}),
		SnapshotFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_snapshot_failures_total",
			Help: "Room snapshot persistence failures",
		}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lively_snapshot_duration_seconds",
			Help:    "Time taken to persist a room snapshot",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		RoomInboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lively_room_inbox_depth",
			Help: "Queued messages across room inboxes",
		}),
		RateLimitedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_rate_limited_frames_total",
			Help: "Inbound frames delayed or dropped by the per-socket rate limiter",
		}),
		AuthRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "lively_auth_rejections_total",
			Help: "Upgrade requests rejected by the authenticate callback",
		}),
		BroadcastLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lively_broadcast_latency_seconds",
			Help:    "Time taken to fan one frame out to a room's members",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
}

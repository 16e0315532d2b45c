package monitoring

import (
	"testing"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics()
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}
	if metrics.Registry == nil {
		t.Fatal("Expected Registry to be initialized")
	}
	if metrics.ConnectionsActive == nil {
		t.Error("Expected ConnectionsActive to be initialized")
	}
	if metrics.ConnectionsTotal == nil {
		t.Error("Expected ConnectionsTotal to be initialized")
	}
	if metrics.RoomsActive == nil {
		t.Error("Expected RoomsActive to be initialized")
	}
	if metrics.MessagesReceived == nil {
		t.Error("Expected MessagesReceived to be initialized")
	}
	if metrics.MessagesSent == nil {
		t.Error("Expected MessagesSent to be initialized")
	}
	if metrics.MessagesDropped == nil {
		t.Error("Expected MessagesDropped to be initialized")
	}
	if metrics.OpsApplied == nil {
		t.Error("Expected OpsApplied to be initialized")
	}
	if metrics.OpsRejected == nil {
		t.Error("Expected OpsRejected to be initialized")
	}
	if metrics.SnapshotsWritten == nil {
		t.Error("Expected SnapshotsWritten to be initialized")
	}
	if metrics.SnapshotFailures == nil {
		t.Error("Expected SnapshotFailures to be initialized")
	}
	if metrics.SnapshotDuration == nil {
		t.Error("Expected SnapshotDuration to be initialized")
	}
	if metrics.RoomInboxDepth == nil {
		t.Error("Expected RoomInboxDepth to be initialized")
	}
	if metrics.RateLimitedFrames == nil {
		t.Error("Expected RateLimitedFrames to be initialized")
	}
	if metrics.AuthRejections == nil {
		t.Error("Expected AuthRejections to be initialized")
	}
	if metrics.BroadcastLatency == nil {
		t.Error("Expected BroadcastLatency to be initialized")
	}
}

func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	if a.Registry == b.Registry {
		t.Error("Expected each Metrics to own its registry")
	}
	a.ConnectionsTotal.Inc()
	families, err := a.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected gathered metric families")
	}
}

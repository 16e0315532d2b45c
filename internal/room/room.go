// Package room hosts the server side of a collaboration session: one actor
// goroutine per room id owning the authoritative storage document, the
// member roster, live state and the opaque secondary-CRDT blob.
package room

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/livelykit/lively/internal/auth"
	"github.com/livelykit/lively/internal/logging"
	"github.com/livelykit/lively/internal/monitoring"
	"github.com/livelykit/lively/internal/store"
	"github.com/livelykit/lively/internal/tracing"
	"github.com/livelykit/lively/pkg/crdt"
	"github.com/livelykit/lively/pkg/protocol"
)

// Sender delivers one frame to a member. Implementations must not block;
// they return false when the frame was dropped or the peer is gone. Close
// tears the transport down and must be safe to call more than once.
type Sender interface {
	Send(msg *protocol.Message) bool
	Close()
}

// Callbacks are the host-supplied hooks. All fields are optional.
type Callbacks struct {
	InitialStorage  func(roomID string) *crdt.SerializedNode
	InitialYjs      func(roomID string) []byte
	OnJoin          func(roomID string, user protocol.PresenceUser)
	OnLeave         func(roomID string, user protocol.PresenceUser)
	OnStorageChange func(roomID string, root *crdt.SerializedNode)
	OnYjsChange     func(roomID string, data []byte)

	// MergeYjs combines the stored blob with an inbound update. It must be
	// associative; the server never inspects the bytes. Nil means
	// last-update-wins.
	MergeYjs func(current, update []byte) []byte
}

// Config carries everything a room actor needs from its host.
type Config struct {
	Store            store.Store
	Logger           *zap.Logger
	Metrics          *monitoring.Metrics
	Callbacks        Callbacks
	Health           *Health
	SnapshotDebounce time.Duration
	IdleEvict        time.Duration
}

// Health aggregates persistence failures across rooms so the HTTP surface
// can degrade its health report without any room crashing.
type Health struct {
	consecutiveFailures int64
}

const degradedThreshold = 3

func (h *Health) NoteFailure() { atomic.AddInt64(&h.consecutiveFailures, 1) }
func (h *Health) NoteSuccess() { atomic.StoreInt64(&h.consecutiveFailures, 0) }

// Degraded reports whether snapshot persistence is persistently failing.
func (h *Health) Degraded() bool {
	return atomic.LoadInt64(&h.consecutiveFailures) >= degradedThreshold
}

type member struct {
	sender   Sender
	presence protocol.PresenceUser
}

// Room is a per-room actor. All state below inbox is owned by the run
// goroutine; public methods only enqueue.
type Room struct {
	ID string

	cfg    Config
	log    *zap.Logger
	inbox  chan func()
	closed chan struct{}
	onIdle func(roomID string)

	doc     *crdt.Document
	yjs     []byte
	members map[string]*member
	state   map[string]protocol.StateEntry

	dirty     bool
	snapTimer *time.Timer
	idleTimer *time.Timer
	saving    int32
}

const inboxSize = 256

// New creates the actor and starts its goroutine. onIdle is invoked (from
// the actor goroutine) when the room has been empty past the idle window.
func New(id string, cfg Config, onIdle func(roomID string)) *Room {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Health == nil {
		cfg.Health = &Health{}
	}
	if cfg.SnapshotDebounce <= 0 {
		cfg.SnapshotDebounce = 2 * time.Second
	}
	if cfg.IdleEvict <= 0 {
		cfg.IdleEvict = 60 * time.Second
	}
	r := &Room{
		ID:      id,
		cfg:     cfg,
		log:     logging.WithRoomID(cfg.Logger, protocol.SanitizeRoomID(id)),
		inbox:   make(chan func(), inboxSize),
		closed:  make(chan struct{}),
		onIdle:  onIdle,
		doc:     crdt.NewDocument("server:"+protocol.SanitizeRoomID(id), cfg.Logger),
		members: make(map[string]*member),
		state:   make(map[string]protocol.StateEntry),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	r.loadInitial()
	r.idleTimer = time.NewTimer(r.cfg.IdleEvict)
	for {
		var snapC, idleC <-chan time.Time
		if r.snapTimer != nil {
			snapC = r.snapTimer.C
		}
		if r.idleTimer != nil {
			idleC = r.idleTimer.C
		}
		select {
		case <-r.closed:
			return
		case fn, ok := <-r.inbox:
			if !ok {
				return
			}
			fn()
		case <-snapC:
			r.snapTimer = nil
			r.persistAsync()
		case <-idleC:
			r.idleTimer = nil
			if len(r.members) == 0 && r.onIdle != nil {
				r.onIdle(r.ID)
			}
		}
	}
}

// loadInitial seeds the authoritative state from the snapshot store, or
// from the host's initial callbacks when the room has never been saved.
func (r *Room) loadInitial() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "room.load",
		attribute.String("room_id", protocol.SanitizeRoomID(r.ID)))
	defer span.End()
	if r.cfg.Store != nil {
		snap, err := r.cfg.Store.Load(ctx, r.ID)
		if err != nil {
			r.log.Error("snapshot load failed, starting empty", zap.Error(err))
		} else if snap != nil {
			r.doc.Reset(snap.Root)
			r.yjs = snap.Yjs
			return
		}
	}
	if r.cfg.Callbacks.InitialStorage != nil {
		if root := r.cfg.Callbacks.InitialStorage(r.ID); root != nil {
			r.doc.Reset(root)
		}
	}
	if r.cfg.Callbacks.InitialYjs != nil {
		r.yjs = r.cfg.Callbacks.InitialYjs(r.ID)
	}
}

// enqueue hands work to the actor goroutine. Returns false once the room
// is closed.
func (r *Room) enqueue(fn func()) bool {
	select {
	case <-r.closed:
		return false
	default:
	}
	select {
	case r.inbox <- fn:
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.RoomInboxDepth.Set(float64(len(r.inbox)))
		}
		return true
	case <-r.closed:
		return false
	}
}

// Join adds a member and replays the room's current state to it: first
// storage:init, then the live state, the yjs blob and the roster.
func (r *Room) Join(identity *auth.Identity, sender Sender) bool {
	return r.enqueue(func() {
		_, span := tracing.StartSpan(context.Background(), "room.join",
			attribute.String("room_id", protocol.SanitizeRoomID(r.ID)))
		defer span.End()
		now := time.Now().UnixMilli()
		m := &member{
			sender: sender,
			presence: protocol.PresenceUser{
				UserID:       identity.UserID,
				DisplayName:  identity.DisplayName,
				AvatarURL:    identity.AvatarURL,
				Color:        colorFor(identity.UserID),
				ConnectedAt:  now,
				OnlineStatus: protocol.StatusOnline,
				LastActiveAt: now,
			},
		}
		r.members[identity.UserID] = m
		if r.idleTimer != nil {
			stopTimer(r.idleTimer)
			r.idleTimer = nil
		}

		sender.Send(&protocol.Message{Type: protocol.TypeStorageInit, Root: r.doc.Serialize()})
		if len(r.state) > 0 {
			entries := make([]protocol.StateEntry, 0, len(r.state))
			for _, e := range r.state {
				entries = append(entries, e)
			}
			sender.Send(&protocol.Message{Type: protocol.TypeStateInit, State: entries})
		}
		if len(r.yjs) > 0 {
			sender.Send(&protocol.Message{Type: protocol.TypeYjsSync, Payload: r.yjs})
		}
		r.broadcastRoster()
		r.log.Info("member joined", zap.String("user_id", identity.UserID))
		if r.cfg.Callbacks.OnJoin != nil {
			r.cfg.Callbacks.OnJoin(r.ID, m.presence)
		}
	})
}

// Leave removes a member, tells the rest, and flushes the snapshot when
// the room empties.
func (r *Room) Leave(userID string) {
	r.enqueue(func() {
		m, ok := r.members[userID]
		if !ok {
			return
		}
		delete(r.members, userID)
		r.broadcastRoster()
		r.log.Info("member left", zap.String("user_id", userID))
		if r.cfg.Callbacks.OnLeave != nil {
			r.cfg.Callbacks.OnLeave(r.ID, m.presence)
		}
		if len(r.members) == 0 {
			if r.dirty {
				r.persistAsync()
			}
			if r.idleTimer == nil {
				r.idleTimer = time.NewTimer(r.cfg.IdleEvict)
			}
		}
	})
}

// Handle dispatches one inbound frame from a member. Ordering within a
// sender is preserved by the per-socket read loop feeding this inbox.
func (r *Room) Handle(userID string, msg *protocol.Message) {
	r.enqueue(func() {
		m, ok := r.members[userID]
		if !ok {
			return
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()
		}
		switch msg.Type {
		case protocol.TypeHeartbeat:
			m.presence.LastActiveAt = time.Now().UnixMilli()
		case protocol.TypePresenceUpdate:
			r.handlePresenceUpdate(m, msg)
		case protocol.TypeCursorUpdate:
			r.handleCursor(m, msg)
		case protocol.TypeStorageOps:
			r.handleStorageOps(userID, msg)
		case protocol.TypeStateInit, protocol.TypeStateUpdate:
			r.handleState(userID, msg)
		case protocol.TypeEvent:
			r.broadcastExcept(userID, &protocol.Message{
				Type:   protocol.TypeEvent,
				UserID: userID,
				Event:  msg.Event,
			})
		case protocol.TypeYjsSync, protocol.TypeYjsUpdate:
			r.handleYjs(userID, msg)
		default:
			r.log.Warn("dropping frame the room does not handle",
				zap.String("type", string(msg.Type)),
				zap.String("user_id", userID))
		}
	})
}

func (r *Room) handlePresenceUpdate(m *member, msg *protocol.Message) {
	if msg.OnlineStatus != "" {
		m.presence.OnlineStatus = msg.OnlineStatus
	}
	if msg.IsIdle != nil {
		m.presence.IsIdle = *msg.IsIdle
	}
	if msg.Location != "" {
		m.presence.Location = msg.Location
	}
	if msg.Metadata != nil {
		m.presence.Metadata = msg.Metadata
	}
	m.presence.LastActiveAt = time.Now().UnixMilli()
	out := *msg
	out.UserID = m.presence.UserID
	r.broadcastExcept(m.presence.UserID, &out)
}

func (r *Room) handleCursor(m *member, msg *protocol.Message) {
	if msg.X == nil || msg.Y == nil {
		return
	}
	cursor := &protocol.CursorData{
		UserID:        m.presence.UserID,
		DisplayName:   m.presence.DisplayName,
		Color:         m.presence.Color,
		X:             *msg.X,
		Y:             *msg.Y,
		LastUpdate:    time.Now().UnixMilli(),
		ViewportPos:   msg.ViewportPos,
		ViewportScale: msg.ViewportScale,
	}
	m.presence.LastActiveAt = cursor.LastUpdate
	r.broadcastExcept(m.presence.UserID, &protocol.Message{
		Type:   protocol.TypeCursorUpdate,
		Cursor: cursor,
	})
}

func (r *Room) handleStorageOps(userID string, msg *protocol.Message) {
	if err := crdt.ValidateBatch(msg.Ops); err != nil {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.OpsRejected.Inc()
		}
		r.log.Warn("rejecting op batch",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	if err := r.doc.ApplyRemote(msg.Ops); err != nil {
		r.log.Warn("op batch not applied", zap.Error(err))
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.OpsApplied.Add(float64(len(msg.Ops)))
	}
	r.markDirty()
	r.broadcastExcept(userID, msg)
	if r.cfg.Callbacks.OnStorageChange != nil {
		r.cfg.Callbacks.OnStorageChange(r.ID, r.doc.Serialize())
	}
}

func (r *Room) handleState(userID string, msg *protocol.Message) {
	apply := func(e protocol.StateEntry) bool {
		if cur, ok := r.state[e.Key]; ok && !e.Wins(cur) {
			return false
		}
		r.state[e.Key] = e
		return true
	}
	if msg.Entry != nil {
		if apply(*msg.Entry) {
			r.broadcastExcept(userID, msg)
		}
		return
	}
	changed := false
	for _, e := range msg.State {
		if apply(e) {
			changed = true
		}
	}
	if changed {
		r.broadcastExcept(userID, msg)
	}
}

func (r *Room) handleYjs(userID string, msg *protocol.Message) {
	if len(msg.Payload) == 0 {
		// A bare sync request: reply with the current blob.
		if m, ok := r.members[userID]; ok && len(r.yjs) > 0 {
			m.sender.Send(&protocol.Message{Type: protocol.TypeYjsSync, Payload: r.yjs})
		}
		return
	}
	if r.cfg.Callbacks.MergeYjs != nil {
		r.yjs = r.cfg.Callbacks.MergeYjs(r.yjs, msg.Payload)
	} else {
		r.yjs = msg.Payload
	}
	r.markDirty()
	r.broadcastExcept(userID, &protocol.Message{Type: protocol.TypeYjsUpdate, Payload: msg.Payload})
	if r.cfg.Callbacks.OnYjsChange != nil {
		r.cfg.Callbacks.OnYjsChange(r.ID, r.yjs)
	}
}

func (r *Room) broadcastRoster() {
	users := make([]protocol.PresenceUser, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, m.presence)
	}
	r.broadcast(&protocol.Message{Type: protocol.TypePresence, Users: users})
}

func (r *Room) broadcast(msg *protocol.Message) {
	start := time.Now()
	for _, m := range r.members {
		r.send(m, msg)
	}
	r.observeBroadcast(start)
}

func (r *Room) broadcastExcept(userID string, msg *protocol.Message) {
	start := time.Now()
	for id, m := range r.members {
		if id == userID {
			continue
		}
		r.send(m, msg)
	}
	r.observeBroadcast(start)
}

func (r *Room) observeBroadcast(start time.Time) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	}
}

func (r *Room) send(m *member, msg *protocol.Message) {
	if m.sender.Send(msg) {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.MessagesSent.Inc()
		}
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.MessagesDropped.Inc()
	}
}

func (r *Room) markDirty() {
	r.dirty = true
	if r.snapTimer == nil {
		r.snapTimer = time.NewTimer(r.cfg.SnapshotDebounce)
		return
	}
	stopTimer(r.snapTimer)
	r.snapTimer.Reset(r.cfg.SnapshotDebounce)
}

// persistAsync captures the snapshot on the actor goroutine and writes it
// on a side goroutine with backoff, so slow storage never stalls message
// processing. One write in flight at a time; changes landing meanwhile
// re-arm the debounce timer.
func (r *Room) persistAsync() {
	if !r.dirty || r.cfg.Store == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&r.saving, 0, 1) {
		r.markDirty()
		return
	}
	r.dirty = false
	snap := r.captureSnapshot()
	go func() {
		defer atomic.StoreInt32(&r.saving, 0)
		r.writeSnapshot(snap)
	}()
}

func (r *Room) captureSnapshot() *protocol.Snapshot {
	yjs := make([]byte, len(r.yjs))
	copy(yjs, r.yjs)
	return &protocol.Snapshot{
		Root:      r.doc.Serialize(),
		Yjs:       yjs,
		UpdatedAt: time.Now().UnixMilli(),
	}
}

func (r *Room) writeSnapshot(snap *protocol.Snapshot) {
	sctx, span := tracing.StartSpan(context.Background(), "room.snapshot",
		attribute.String("room_id", protocol.SanitizeRoomID(r.ID)))
	defer span.End()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	start := time.Now()
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(sctx, 5*time.Second)
		defer cancel()
		return r.cfg.Store.Save(ctx, r.ID, snap)
	}, policy)
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.cfg.Health.NoteFailure()
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.SnapshotFailures.Inc()
		}
		r.log.Error("snapshot persistence failed", zap.Error(err))
		return
	}
	r.cfg.Health.NoteSuccess()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.SnapshotsWritten.Inc()
	}
}

// Close tells members the server is going away, closes their sockets,
// writes a final snapshot and stops the actor. It blocks until the flush
// completes or ctx expires.
func (r *Room) Close(ctx context.Context) error {
	done := make(chan *protocol.Snapshot, 1)
	if !r.enqueue(func() {
		r.broadcast(&protocol.Message{Type: protocol.TypeServerShutdown})
		for _, m := range r.members {
			m.sender.Close()
		}
		r.members = make(map[string]*member)
		var snap *protocol.Snapshot
		if r.dirty && r.cfg.Store != nil {
			snap = r.captureSnapshot()
		}
		done <- snap
		close(r.closed)
	}) {
		return nil
	}
	var snap *protocol.Snapshot
	select {
	case snap = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if snap != nil {
		if err := r.cfg.Store.Save(ctx, r.ID, snap); err != nil {
			return fmt.Errorf("final snapshot for room %s: %w", r.ID, err)
		}
	}
	return nil
}

// Members reports the roster size, for tests and eviction decisions.
func (r *Room) Members() int {
	out := make(chan int, 1)
	if !r.enqueue(func() { out <- len(r.members) }) {
		return 0
	}
	select {
	case n := <-out:
		return n
	case <-r.closed:
		return 0
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

var memberColors = []string{
	"#E57373", "#64B5F6", "#81C784", "#FFD54F",
	"#BA68C8", "#4DB6AC", "#FF8A65", "#A1887F",
}

func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return memberColors[h.Sum32()%uint32(len(memberColors))]
}

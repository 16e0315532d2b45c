package lively

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livelykit/lively/pkg/crdt"
	"github.com/livelykit/lively/pkg/protocol"
)

const defaultCursorInterval = 40 * time.Millisecond

// RoomOptions shapes a client session. Zero values take the documented
// defaults.
type RoomOptions struct {
	Logger         *zap.Logger
	Heartbeat      time.Duration
	CursorInterval time.Duration

	// Actor overrides the replica id stamped into local ops. Defaults to a
	// fresh random id per session.
	Actor string

	// YjsSink receives raw secondary-CRDT payloads: the full blob on sync,
	// incremental updates otherwise. Called from the read goroutine.
	YjsSink func(sync bool, data []byte)
}

// Room is a client session: a local replica of the shared storage tree
// with undo history, the live roster and cursor views, and ephemeral
// state and events. All views are guarded by one lock; callbacks
// registered on the room or on storage nodes run with that lock held and
// must not call back into mutating methods.
type Room struct {
	conn *Conn
	log  *zap.Logger

	mu       sync.Mutex
	doc      *crdt.Document
	presence map[string]protocol.PresenceUser
	cursors  map[string]protocol.CursorData
	state    map[string]protocol.StateEntry

	cursorInterval time.Duration
	cursorLastSent time.Time
	cursorPending  *protocol.Message
	cursorTimer    *time.Timer

	presenceSubs map[int]func([]protocol.PresenceUser)
	cursorSubs   map[int]func(protocol.CursorData)
	stateSubs    map[int]func(protocol.StateEntry)
	eventSubs    map[int]func(sender string, event map[string]interface{})
	statusSubs   map[int]func(ConnState)
	lostSubs     map[int]func()
	nextSub      int

	yjsSink func(sync bool, data []byte)
	left    bool
}

// Join opens a session against a room websocket URL (including any token
// and identity query parameters) and starts connecting. The returned room
// is usable immediately; storage mutations made before the connection
// opens are queued and sent in order.
func Join(url string, opts RoomOptions) *Room {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CursorInterval <= 0 {
		opts.CursorInterval = defaultCursorInterval
	}
	if opts.Actor == "" {
		opts.Actor = uuid.NewString()
	}
	r := &Room{
		log:            opts.Logger,
		doc:            crdt.NewDocument(opts.Actor, opts.Logger),
		presence:       make(map[string]protocol.PresenceUser),
		cursors:        make(map[string]protocol.CursorData),
		state:          make(map[string]protocol.StateEntry),
		cursorInterval: opts.CursorInterval,
		presenceSubs:   make(map[int]func([]protocol.PresenceUser)),
		cursorSubs:     make(map[int]func(protocol.CursorData)),
		stateSubs:      make(map[int]func(protocol.StateEntry)),
		eventSubs:      make(map[int]func(string, map[string]interface{})),
		statusSubs:     make(map[int]func(ConnState)),
		lostSubs:       make(map[int]func()),
		yjsSink:        opts.YjsSink,
	}
	r.doc.SetOnOps(func(ops []crdt.Op) {
		if err := r.conn.Send(&protocol.Message{
			Type:  protocol.TypeStorageOps,
			Actor: opts.Actor,
			Ops:   ops,
		}); err != nil {
			r.log.Warn("op batch not queued", zap.Error(err))
		}
	})
	r.conn = NewConn(ConnConfig{
		URL:       url,
		Heartbeat: opts.Heartbeat,
		Logger:    opts.Logger,
		OnMessage: r.dispatch,
		OnStatus:  r.notifyStatus,
		OnLost:    r.notifyLost,
	})
	r.conn.Start()
	return r
}

// ConnState returns the connection lifecycle state.
func (r *Room) ConnState() ConnState { return r.conn.State() }

// Leave ends the session. Terminal; queued-but-unsent frames are dropped.
func (r *Room) Leave() {
	r.mu.Lock()
	r.left = true
	if r.cursorTimer != nil {
		r.cursorTimer.Stop()
		r.cursorTimer = nil
		r.cursorPending = nil
	}
	r.mu.Unlock()
	r.conn.Stop()
}

// Mutate applies fn to the storage tree as one atomic batch: one frame on
// the wire, one undo step, one subscriber flush. If fn returns an error
// every mutation it made is rolled back and nothing is sent.
func (r *Room) Mutate(fn func(root *crdt.LiveObject) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Mutate(func() error { return fn(r.doc.Root()) })
}

// Root returns the current storage root. The handle is replaced (and the
// old one orphaned) when a storage init arrives, so long-lived references
// should be re-fetched after a reconnect.
func (r *Room) Root() *crdt.LiveObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Root()
}

// Read runs fn against the storage tree under the session lock.
func (r *Room) Read(fn func(root *crdt.LiveObject)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.doc.Root())
}

// Subscribe registers fn on a storage node; deep also fires for changes
// anywhere in the node's subtree. Returns the unsubscribe function.
func (r *Room) Subscribe(n crdt.Node, fn func(), deep bool) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel := n.Subscribe(fn, deep)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cancel()
	}
}

// Undo reverses the most recent local storage batch.
func (r *Room) Undo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Undo()
}

// Redo re-applies the most recently undone batch.
func (r *Room) Redo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Redo()
}

// CanUndo reports whether an undo step is available.
func (r *Room) CanUndo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.CanUndo()
}

// CanRedo reports whether a redo step is available.
func (r *Room) CanRedo() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.CanRedo()
}

// PresencePatch is a partial presence update; nil fields are untouched.
type PresencePatch struct {
	OnlineStatus protocol.OnlineStatus
	IsIdle       *bool
	Location     string
	Metadata     map[string]interface{}
}

// UpdatePresence sends a partial presence update for this member.
func (r *Room) UpdatePresence(p PresencePatch) error {
	return r.conn.Send(&protocol.Message{
		Type:         protocol.TypePresenceUpdate,
		OnlineStatus: p.OnlineStatus,
		IsIdle:       p.IsIdle,
		Location:     p.Location,
		Metadata:     p.Metadata,
	})
}

// UpdateCursor reports the local cursor position. Calls are coalesced so
// at most one frame per cursor interval reaches the wire; the latest
// position always wins.
func (r *Room) UpdateCursor(x, y float64, viewport *protocol.Position, scale *float64) {
	msg := &protocol.Message{
		Type:          protocol.TypeCursorUpdate,
		X:             &x,
		Y:             &y,
		ViewportPos:   viewport,
		ViewportScale: scale,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.left {
		return
	}
	now := time.Now()
	if r.cursorTimer == nil && now.Sub(r.cursorLastSent) >= r.cursorInterval {
		r.cursorLastSent = now
		r.conn.Send(msg)
		return
	}
	r.cursorPending = msg
	if r.cursorTimer == nil {
		delay := r.cursorInterval - now.Sub(r.cursorLastSent)
		if delay < 0 {
			delay = 0
		}
		r.cursorTimer = time.AfterFunc(delay, r.flushCursor)
	}
}

func (r *Room) flushCursor() {
	r.mu.Lock()
	msg := r.cursorPending
	r.cursorPending = nil
	r.cursorTimer = nil
	if msg != nil {
		r.cursorLastSent = time.Now()
	}
	r.mu.Unlock()
	if msg != nil {
		r.conn.Send(msg)
	}
}

// SendEvent broadcasts an ephemeral event to the other members. Events
// are fire-and-forget and never persisted.
func (r *Room) SendEvent(event map[string]interface{}) error {
	return r.conn.Send(&protocol.Message{Type: protocol.TypeEvent, Event: event})
}

// UpdateState publishes one key of the shared ephemeral state map.
func (r *Room) UpdateState(key string, value interface{}) error {
	r.mu.Lock()
	entry := protocol.StateEntry{
		Key:       key,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
		UserID:    r.doc.Actor(),
	}
	r.state[key] = entry
	r.mu.Unlock()
	return r.conn.Send(&protocol.Message{Type: protocol.TypeStateUpdate, Entry: &entry})
}

// SendYjsUpdate forwards an opaque secondary-CRDT update.
func (r *Room) SendYjsUpdate(data []byte) error {
	return r.conn.Send(&protocol.Message{Type: protocol.TypeYjsUpdate, Payload: data})
}

// RequestYjsSync asks the server for the full secondary-CRDT blob.
func (r *Room) RequestYjsSync() error {
	return r.conn.Send(&protocol.Message{Type: protocol.TypeYjsSync})
}

// Presence returns the roster sorted by user id.
func (r *Room) Presence() []protocol.PresenceUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.PresenceUser, 0, len(r.presence))
	for _, u := range r.presence {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Cursors returns the live cursors of the other members.
func (r *Room) Cursors() []protocol.CursorData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.CursorData, 0, len(r.cursors))
	for _, c := range r.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// State returns the current value of one ephemeral state key.
func (r *Room) State(key string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.state[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// OnPresence registers fn for roster changes. Returns unsubscribe.
func (r *Room) OnPresence(fn func([]protocol.PresenceUser)) func() {
	return r.addSub(func(id int) { r.presenceSubs[id] = fn }, func(id int) { delete(r.presenceSubs, id) })
}

// OnCursor registers fn for remote cursor movement.
func (r *Room) OnCursor(fn func(protocol.CursorData)) func() {
	return r.addSub(func(id int) { r.cursorSubs[id] = fn }, func(id int) { delete(r.cursorSubs, id) })
}

// OnState registers fn for ephemeral state changes.
func (r *Room) OnState(fn func(protocol.StateEntry)) func() {
	return r.addSub(func(id int) { r.stateSubs[id] = fn }, func(id int) { delete(r.stateSubs, id) })
}

// OnEvent registers fn for broadcast events from other members.
func (r *Room) OnEvent(fn func(sender string, event map[string]interface{})) func() {
	return r.addSub(func(id int) { r.eventSubs[id] = fn }, func(id int) { delete(r.eventSubs, id) })
}

// OnConnectionStatus registers fn for connection lifecycle changes.
func (r *Room) OnConnectionStatus(fn func(ConnState)) func() {
	return r.addSub(func(id int) { r.statusSubs[id] = fn }, func(id int) { delete(r.statusSubs, id) })
}

// OnLostConnection registers fn, fired once per outage after repeated
// reconnect attempts have failed. Reconnection continues regardless.
func (r *Room) OnLostConnection(fn func()) func() {
	return r.addSub(func(id int) { r.lostSubs[id] = fn }, func(id int) { delete(r.lostSubs, id) })
}

func (r *Room) addSub(add func(id int), remove func(id int)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	add(id)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		remove(id)
	}
}

// dispatch integrates one inbound frame. Runs on the read goroutine.
func (r *Room) dispatch(msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch msg.Type {
	case protocol.TypeStorageInit:
		r.doc.Reset(msg.Root)
	case protocol.TypeStorageOps:
		if err := r.doc.ApplyRemote(msg.Ops); err != nil {
			r.log.Warn("remote batch not applied", zap.Error(err))
		}
	case protocol.TypePresence:
		r.handleRoster(msg.Users)
	case protocol.TypePresenceUpdate:
		r.handlePresencePatch(msg)
	case protocol.TypeCursorUpdate:
		r.handleCursor(msg.Cursor)
	case protocol.TypeStateInit, protocol.TypeStateUpdate:
		r.handleState(msg)
	case protocol.TypeEvent:
		for _, fn := range r.eventSubs {
			fn(msg.UserID, msg.Event)
		}
	case protocol.TypeYjsSync:
		if r.yjsSink != nil {
			r.yjsSink(true, msg.Payload)
		}
	case protocol.TypeYjsUpdate:
		if r.yjsSink != nil {
			r.yjsSink(false, msg.Payload)
		}
	case protocol.TypeServerShutdown:
		r.log.Info("server shutting down, reconnect will follow")
	case protocol.TypeHeartbeat:
	default:
		r.log.Warn("dropping frame the client does not handle",
			zap.String("type", string(msg.Type)))
	}
}

// handleRoster replaces the roster and discards cursors of members no
// longer present.
func (r *Room) handleRoster(users []protocol.PresenceUser) {
	next := make(map[string]protocol.PresenceUser, len(users))
	for _, u := range users {
		next[u.UserID] = u
	}
	r.presence = next
	for id := range r.cursors {
		if _, ok := next[id]; !ok {
			delete(r.cursors, id)
		}
	}
	r.notifyPresence()
}

func (r *Room) handlePresencePatch(msg *protocol.Message) {
	u, ok := r.presence[msg.UserID]
	if !ok {
		return
	}
	if msg.OnlineStatus != "" {
		u.OnlineStatus = msg.OnlineStatus
	}
	if msg.IsIdle != nil {
		u.IsIdle = *msg.IsIdle
	}
	if msg.Location != "" {
		u.Location = msg.Location
	}
	if msg.Metadata != nil {
		u.Metadata = msg.Metadata
	}
	u.LastActiveAt = time.Now().UnixMilli()
	r.presence[msg.UserID] = u
	r.notifyPresence()
}

// handleCursor upserts a remote cursor, dropping frames older than the
// one already held. Reordered delivery across a reconnect must not move
// a cursor backwards.
func (r *Room) handleCursor(c *protocol.CursorData) {
	if c == nil {
		return
	}
	if cur, ok := r.cursors[c.UserID]; ok && cur.LastUpdate > c.LastUpdate {
		return
	}
	r.cursors[c.UserID] = *c
	for _, fn := range r.cursorSubs {
		fn(*c)
	}
}

func (r *Room) handleState(msg *protocol.Message) {
	apply := func(e protocol.StateEntry) {
		if cur, ok := r.state[e.Key]; ok && !e.Wins(cur) {
			return
		}
		r.state[e.Key] = e
		for _, fn := range r.stateSubs {
			fn(e)
		}
	}
	if msg.Entry != nil {
		apply(*msg.Entry)
	}
	for _, e := range msg.State {
		apply(e)
	}
}

func (r *Room) notifyPresence() {
	if len(r.presenceSubs) == 0 {
		return
	}
	roster := make([]protocol.PresenceUser, 0, len(r.presence))
	for _, u := range r.presence {
		roster = append(roster, u)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	for _, fn := range r.presenceSubs {
		fn(roster)
	}
}

func (r *Room) notifyStatus(s ConnState) {
	r.mu.Lock()
	subs := make([]func(ConnState), 0, len(r.statusSubs))
	for _, fn := range r.statusSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

func (r *Room) notifyLost() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.lostSubs))
	for _, fn := range r.lostSubs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

package lively

import (
	"errors"
	"testing"
	"time"

	"github.com/livelykit/lively/pkg/crdt"
	"github.com/livelykit/lively/pkg/protocol"
)

// newTestRoom builds a session whose connection never opens; frames pile
// up in the outbound queue where tests can inspect them, and inbound
// frames are injected through dispatch.
func newTestRoom(t *testing.T, opts RoomOptions) *Room {
	t.Helper()
	if opts.Actor == "" {
		opts.Actor = "test-actor"
	}
	r := Join("ws://127.0.0.1:1", opts)
	t.Cleanup(r.Leave)
	return r
}

func (r *Room) queuedByType(mt protocol.MessageType) []*protocol.Message {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	var out []*protocol.Message
	for _, f := range r.conn.queue {
		if f.msg.Type == mt {
			out = append(out, f.msg)
		}
	}
	return out
}

func serializedRoot(fields ...crdt.SerializedField) *crdt.SerializedNode {
	return &crdt.SerializedNode{Kind: crdt.KindObject, Data: fields}
}

func TestRoomStorageInitReplacesTree(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	r.dispatch(&protocol.Message{
		Type: protocol.TypeStorageInit,
		Root: serializedRoot(crdt.SerializedField{Key: "title", Value: crdt.NewPrim("hello")}),
	})
	r.Read(func(root *crdt.LiveObject) {
		v, ok := root.Get("title")
		if !ok || v != "hello" {
			t.Errorf("Expected init applied, got %v (%v)", v, ok)
		}
	})
	if r.CanUndo() {
		t.Error("Expected history cleared by init")
	}
}

func TestRoomRemoteOpsApply(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	r.dispatch(&protocol.Message{
		Type: protocol.TypeStorageOps,
		Ops: []crdt.Op{{
			ID:    crdt.Timestamp{Counter: 1, Actor: "peer"},
			Path:  []string{},
			Kind:  crdt.OpSetField,
			Key:   "n",
			Value: &crdt.SerializedValue{Prim: float64(7)},
		}},
	})
	r.Read(func(root *crdt.LiveObject) {
		if v, _ := root.Get("n"); v != float64(7) {
			t.Errorf("Expected remote op applied, got %v", v)
		}
	})
}

func TestRoomLocalMutationQueuesOneFrame(t *testing.T) {
	r := newTestRoom(t, RoomOptions{Actor: "alice"})
	err := r.Mutate(func(root *crdt.LiveObject) error {
		if err := root.Set("a", 1); err != nil {
			return err
		}
		return root.Set("b", 2)
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	frames := r.queuedByType(protocol.TypeStorageOps)
	if len(frames) != 1 {
		t.Fatalf("Expected one batched frame, got %d", len(frames))
	}
	if frames[0].Actor != "alice" || len(frames[0].Ops) != 2 {
		t.Errorf("Unexpected frame: actor=%s ops=%d", frames[0].Actor, len(frames[0].Ops))
	}
}

func TestRoomMutateErrorSendsNothing(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	sentinel := errors.New("nope")
	err := r.Mutate(func(root *crdt.LiveObject) error {
		root.Set("a", 1)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected sentinel, got %v", err)
	}
	if frames := r.queuedByType(protocol.TypeStorageOps); len(frames) != 0 {
		t.Errorf("Expected rollback to emit nothing, got %d frames", len(frames))
	}
	r.Read(func(root *crdt.LiveObject) {
		if _, ok := root.Get("a"); ok {
			t.Error("Expected write rolled back")
		}
	})
}

func TestRoomUndoRedoEmitFrames(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	r.Mutate(func(root *crdt.LiveObject) error { return root.Set("a", 1) })
	if !r.CanUndo() {
		t.Fatal("Expected undo available")
	}
	if !r.Undo() {
		t.Fatal("Undo failed")
	}
	r.Read(func(root *crdt.LiveObject) {
		if _, ok := root.Get("a"); ok {
			t.Error("Expected undo to remove the field")
		}
	})
	if !r.CanRedo() || !r.Redo() {
		t.Fatal("Redo failed")
	}
	r.Read(func(root *crdt.LiveObject) {
		if v, _ := root.Get("a"); v != 1 {
			t.Errorf("Expected redo to restore, got %v", v)
		}
	})
	// Mutate, undo and redo each produced one frame.
	if frames := r.queuedByType(protocol.TypeStorageOps); len(frames) != 3 {
		t.Errorf("Expected 3 frames, got %d", len(frames))
	}
}

func TestRoomRosterPrunesAbsentCursors(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	roster := func(ids ...string) []protocol.PresenceUser {
		users := make([]protocol.PresenceUser, len(ids))
		for i, id := range ids {
			users[i] = protocol.PresenceUser{UserID: id, DisplayName: id}
		}
		return users
	}
	r.dispatch(&protocol.Message{Type: protocol.TypePresence, Users: roster("u1", "u2")})
	r.dispatch(&protocol.Message{Type: protocol.TypeCursorUpdate, Cursor: &protocol.CursorData{
		UserID: "u2", X: 1, Y: 2, LastUpdate: 10,
	}})
	if len(r.Cursors()) != 1 {
		t.Fatalf("Expected u2 cursor, got %v", r.Cursors())
	}

	r.dispatch(&protocol.Message{Type: protocol.TypePresence, Users: roster("u1")})
	if len(r.Presence()) != 1 || r.Presence()[0].UserID != "u1" {
		t.Errorf("Expected roster [u1], got %v", r.Presence())
	}
	if len(r.Cursors()) != 0 {
		t.Errorf("Expected departed cursor pruned, got %v", r.Cursors())
	}
}

func TestRoomStaleCursorDropped(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	r.dispatch(&protocol.Message{Type: protocol.TypePresence, Users: []protocol.PresenceUser{{UserID: "u2"}}})
	r.dispatch(&protocol.Message{Type: protocol.TypeCursorUpdate, Cursor: &protocol.CursorData{
		UserID: "u2", X: 5, LastUpdate: 10,
	}})
	r.dispatch(&protocol.Message{Type: protocol.TypeCursorUpdate, Cursor: &protocol.CursorData{
		UserID: "u2", X: 1, LastUpdate: 4,
	}})
	cursors := r.Cursors()
	if len(cursors) != 1 || cursors[0].X != 5 {
		t.Errorf("Expected stale frame dropped, got %v", cursors)
	}
}

func TestRoomPresencePatch(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	var rosterSeen []protocol.PresenceUser
	r.OnPresence(func(users []protocol.PresenceUser) { rosterSeen = users })

	r.dispatch(&protocol.Message{Type: protocol.TypePresence, Users: []protocol.PresenceUser{
		{UserID: "u2", OnlineStatus: protocol.StatusOnline},
	}})
	idle := true
	r.dispatch(&protocol.Message{
		Type:         protocol.TypePresenceUpdate,
		UserID:       "u2",
		OnlineStatus: protocol.StatusAway,
		IsIdle:       &idle,
	})
	users := r.Presence()
	if len(users) != 1 || users[0].OnlineStatus != protocol.StatusAway || !users[0].IsIdle {
		t.Errorf("Expected patched presence, got %v", users)
	}
	if len(rosterSeen) != 1 {
		t.Errorf("Expected presence listener fired, got %v", rosterSeen)
	}
}

func TestRoomStateLastWriterWins(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	r.dispatch(&protocol.Message{Type: protocol.TypeStateUpdate, Entry: &protocol.StateEntry{
		Key: "tool", Value: "pen", Timestamp: 10, UserID: "u1",
	}})
	r.dispatch(&protocol.Message{Type: protocol.TypeStateUpdate, Entry: &protocol.StateEntry{
		Key: "tool", Value: "eraser", Timestamp: 5, UserID: "u2",
	}})
	if v, ok := r.State("tool"); !ok || v != "pen" {
		t.Errorf("Expected newest write kept, got %v", v)
	}
}

func TestRoomEventDelivery(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	var gotSender string
	var gotEvent map[string]interface{}
	cancel := r.OnEvent(func(sender string, event map[string]interface{}) {
		gotSender, gotEvent = sender, event
	})
	r.dispatch(&protocol.Message{
		Type:   protocol.TypeEvent,
		UserID: "u2",
		Event:  map[string]interface{}{"kind": "ping"},
	})
	if gotSender != "u2" || gotEvent["kind"] != "ping" {
		t.Errorf("Expected event delivered, got %s %v", gotSender, gotEvent)
	}

	cancel()
	gotSender = ""
	r.dispatch(&protocol.Message{Type: protocol.TypeEvent, UserID: "u3"})
	if gotSender != "" {
		t.Error("Expected unsubscribed listener silent")
	}
}

func TestRoomYjsSink(t *testing.T) {
	var syncs, updates [][]byte
	r := newTestRoom(t, RoomOptions{
		YjsSink: func(sync bool, data []byte) {
			if sync {
				syncs = append(syncs, data)
			} else {
				updates = append(updates, data)
			}
		},
	})
	r.dispatch(&protocol.Message{Type: protocol.TypeYjsSync, Payload: []byte("blob")})
	r.dispatch(&protocol.Message{Type: protocol.TypeYjsUpdate, Payload: []byte("delta")})
	if len(syncs) != 1 || string(syncs[0]) != "blob" {
		t.Errorf("Expected sync blob, got %v", syncs)
	}
	if len(updates) != 1 || string(updates[0]) != "delta" {
		t.Errorf("Expected update delta, got %v", updates)
	}
}

func TestRoomStorageSubscription(t *testing.T) {
	r := newTestRoom(t, RoomOptions{})
	fired := 0
	cancel := r.Subscribe(r.Root(), func() { fired++ }, false)
	defer cancel()
	r.dispatch(&protocol.Message{
		Type: protocol.TypeStorageOps,
		Ops: []crdt.Op{{
			ID:    crdt.Timestamp{Counter: 1, Actor: "peer"},
			Path:  []string{},
			Kind:  crdt.OpSetField,
			Key:   "x",
			Value: &crdt.SerializedValue{Prim: true},
		}},
	})
	if fired != 1 {
		t.Errorf("Expected one notification, got %d", fired)
	}
}

func TestCursorThrottleCoalesces(t *testing.T) {
	r := newTestRoom(t, RoomOptions{CursorInterval: 40 * time.Millisecond})
	for i := 0; i < 100; i++ {
		r.UpdateCursor(float64(i), 0, nil, nil)
	}
	time.Sleep(80 * time.Millisecond)

	frames := r.queuedByType(protocol.TypeCursorUpdate)
	// A tight burst collapses to the leading frame plus one trailing flush.
	if len(frames) < 1 || len(frames) > 2 {
		t.Fatalf("Expected 1-2 frames from a tight burst, got %d", len(frames))
	}
	last := frames[len(frames)-1]
	if last.X == nil || *last.X != 99 {
		t.Errorf("Expected latest position to win, got %+v", last.X)
	}
}

func TestCursorThrottleSteadyRateBound(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	r := newTestRoom(t, RoomOptions{CursorInterval: 40 * time.Millisecond})
	stopAt := time.Now().Add(500 * time.Millisecond)
	calls := 0
	for time.Now().Before(stopAt) {
		r.UpdateCursor(float64(calls), 0, nil, nil)
		calls++
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)

	frames := r.queuedByType(protocol.TypeCursorUpdate)
	// 500ms at one frame per 40ms plus the leading and trailing frames.
	if len(frames) > 15 {
		t.Errorf("Expected at most 15 frames over 500ms, got %d (from %d calls)", len(frames), calls)
	}
	if len(frames) < 2 {
		t.Errorf("Expected throttle to still emit frames, got %d", len(frames))
	}
}

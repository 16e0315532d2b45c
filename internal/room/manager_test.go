package room

import (
	"context"
	"testing"
	"time"

	"github.com/livelykit/lively/internal/store"
	"github.com/livelykit/lively/pkg/crdt"
	"github.com/livelykit/lively/pkg/protocol"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(testConfig(nil))
	defer m.DrainAll(context.Background())

	a := m.GetOrCreate("demo")
	b := m.GetOrCreate("demo")
	if a != b {
		t.Error("Expected the same actor for the same room id")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 room, got %d", m.Count())
	}
	if _, ok := m.Get("other"); ok {
		t.Error("Expected Get not to create rooms")
	}
}

func TestManagerDrainAll(t *testing.T) {
	st, _ := store.NewFileStore(t.TempDir(), nil)
	cfg := testConfig(st)
	cfg.SnapshotDebounce = time.Hour
	m := NewManager(cfg)

	r := m.GetOrCreate("demo")
	alice := &fakeSender{}
	r.Join(identity("u1", "Alice"), alice)
	r.Handle("u1", &protocol.Message{
		Type: protocol.TypeStorageOps,
		Ops:  []crdt.Op{setOp(1, "u1", "title", "hello")},
	})
	r.sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll failed: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Expected no rooms after drain, got %d", m.Count())
	}
	if frame := alice.last(protocol.TypeServerShutdown); frame == nil {
		t.Error("Expected server:shutdown broadcast on drain")
	}
	snap, err := st.Load(context.Background(), "demo")
	if err != nil || snap == nil {
		t.Fatalf("Expected flushed snapshot, got %v, %v", snap, err)
	}
}

func TestManagerCreateWaitsForEviction(t *testing.T) {
	m := NewManager(testConfig(nil))
	defer m.DrainAll(context.Background())

	ch := make(chan struct{})
	m.mu.Lock()
	m.closing["demo"] = ch
	m.mu.Unlock()

	got := make(chan *Room, 1)
	go func() { got <- m.GetOrCreate("demo") }()

	select {
	case <-got:
		t.Fatal("Expected creation to wait for the in-flight eviction")
	case <-time.After(50 * time.Millisecond):
	}

	m.mu.Lock()
	delete(m.closing, "demo")
	m.mu.Unlock()
	close(ch)

	select {
	case r := <-got:
		if r == nil {
			t.Fatal("Expected a room once the eviction finished")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Creation never resumed after the eviction finished")
	}
}

func TestManagerIdleEviction(t *testing.T) {
	cfg := testConfig(nil)
	cfg.IdleEvict = 30 * time.Millisecond
	m := NewManager(cfg)
	defer m.DrainAll(context.Background())

	r := m.GetOrCreate("demo")
	alice := &fakeSender{}
	r.Join(identity("u1", "Alice"), alice)
	r.Leave("u1")

	deadline := time.Now().Add(2 * time.Second)
	for m.Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("Room never evicted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/livelykit/lively/internal/logging"
)

// Manager is the process-wide room registry. Rooms are created on demand
// on the first join and evicted after sitting empty past the idle window.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	// closing tracks evictions still flushing their final snapshot; the
	// channel closes when the room id may be recreated.
	closing map[string]chan struct{}
	cfg     Config
	log     *zap.Logger
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Health == nil {
		cfg.Health = &Health{}
	}
	return &Manager{
		rooms:   make(map[string]*Room),
		closing: make(map[string]chan struct{}),
		cfg:     cfg,
		log:     cfg.Logger,
	}
}

// Health exposes the shared persistence health signal.
func (m *Manager) Health() *Health { return m.cfg.Health }

// GetOrCreate returns the actor for a room id, starting it if needed. When
// an eviction for the same id is still flushing its final snapshot, the
// new actor is not started until that flush lands, so it never loads a
// snapshot about to be overwritten.
func (m *Manager) GetOrCreate(id string) *Room {
	for {
		m.mu.RLock()
		r, ok := m.rooms[id]
		m.mu.RUnlock()
		if ok {
			return r
		}
		m.mu.Lock()
		if r, ok := m.rooms[id]; ok {
			m.mu.Unlock()
			return r
		}
		if ch, ok := m.closing[id]; ok {
			m.mu.Unlock()
			<-ch
			continue
		}
		r = New(id, m.cfg, m.evictIdle)
		m.rooms[id] = r
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.RoomsActive.Set(float64(len(m.rooms)))
		}
		m.mu.Unlock()
		m.log.Info("room created", zap.String("room_id", id))
		return r
	}
}

// Get returns the actor without creating it.
func (m *Manager) Get(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Count reports the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// evictIdle runs when a room reports itself idle. The actual close happens
// off the actor goroutine so the actor is free to process the shutdown.
// The id stays in closing until the final flush lands, holding off any
// recreation for the same room.
func (m *Manager) evictIdle(id string) {
	go func() {
		m.mu.Lock()
		r, ok := m.rooms[id]
		var ch chan struct{}
		if ok {
			delete(m.rooms, id)
			ch = make(chan struct{})
			m.closing[id] = ch
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.RoomsActive.Set(float64(len(m.rooms)))
			}
		}
		m.mu.Unlock()
		if !ok {
			return
		}
		log := logging.WithRoomID(m.log, id)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Close(ctx); err != nil {
			logging.WithError(log, err).Error("idle room close failed")
		}
		m.mu.Lock()
		delete(m.closing, id)
		m.mu.Unlock()
		close(ch)
		log.Info("room evicted")
	}()
}

// DrainAll closes every room, flushing snapshots, within ctx's deadline.
func (m *Manager) DrainAll(ctx context.Context) error {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RoomsActive.Set(0)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(rooms))
	for _, r := range rooms {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			if err := r.Close(ctx); err != nil {
				errs <- err
			}
		}(r)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

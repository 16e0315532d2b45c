// Package lively is the client runtime: a reconnecting websocket
// connection, a local replica of the room's storage tree with undo/redo,
// presence and cursor views, and ephemeral event fan-in.
package lively

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/livelykit/lively/pkg/protocol"
)

// ConnState is the user-visible connection lifecycle.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

const (
	defaultHeartbeat = 20 * time.Second
	backoffMin       = 500 * time.Millisecond
	backoffMax       = 15 * time.Second
	queueLimitBytes  = 1 << 20
	lostAfterTries   = 5
)

// ErrQueueFull is returned by Send when the offline queue cannot absorb
// another frame even after shedding cursor updates.
var ErrQueueFull = errors.New("outbound queue full")

// ErrStopped is returned by Send after Stop.
var ErrStopped = errors.New("connection stopped")

// ConnConfig configures a Conn. OnMessage is called from the read
// goroutine, one frame at a time.
type ConnConfig struct {
	URL       string
	Heartbeat time.Duration
	Logger    *zap.Logger

	// Reconnect backoff bounds. Zero values take backoffMin and backoffMax.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	OnMessage func(*protocol.Message)
	OnStatus  func(ConnState)
	// OnLost fires once per outage after lostAfterTries failed attempts.
	// Reconnection continues regardless.
	OnLost func()
}

type queuedFrame struct {
	msg  *protocol.Message
	size int
}

// Conn maintains one logical connection to a room across socket
// lifetimes: geometric backoff with jitter between attempts, heartbeats
// while connected, and an in-order bounded offline queue.
type Conn struct {
	cfg ConnConfig
	log *zap.Logger

	mu         sync.Mutex
	state      ConnState
	ws         *websocket.Conn
	queue      []queuedFrame
	queueBytes int
	stopped    bool
	cancel     context.CancelFunc
	wake       chan struct{}
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = backoffMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = backoffMax
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Conn{
		cfg:   cfg,
		log:   cfg.Logger,
		state: StateIdle,
		wake:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	if c.stopped && s != StateDisconnected {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// Start begins connecting; it returns immediately.
func (c *Conn) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil || c.stopped {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Stop tears the connection down for good. Terminal.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	c.setState(StateDisconnected)
}

// Send queues one frame. Connected frames go out in order on the writer;
// while disconnected they wait in the bounded queue. Overflow sheds the
// oldest cursor frames before giving up.
func (c *Conn) Send(msg *protocol.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	size := len(raw)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.queueBytes+size > queueLimitBytes {
		c.shedCursorsLocked(c.queueBytes + size - queueLimitBytes)
	}
	if c.queueBytes+size > queueLimitBytes {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, queuedFrame{msg: msg, size: size})
	c.queueBytes += size
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// shedCursorsLocked drops the oldest cursor frames until need bytes are
// reclaimed or no cursor frames remain.
func (c *Conn) shedCursorsLocked(need int) {
	kept := c.queue[:0]
	for _, f := range c.queue {
		if need > 0 && f.msg.Type == protocol.TypeCursorUpdate {
			need -= f.size
			c.queueBytes -= f.size
			continue
		}
		kept = append(kept, f)
	}
	c.queue = kept
}

func (c *Conn) run(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectMin
	policy.MaxInterval = c.cfg.ReconnectMax
	policy.MaxElapsedTime = 0 // retry forever
	failures := 0

	c.setState(StateConnecting)
	for {
		if ctx.Err() != nil {
			return
		}
		ws, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
		if err != nil {
			failures++
			if failures == lostAfterTries && c.cfg.OnLost != nil {
				c.cfg.OnLost()
			}
			c.log.Debug("dial failed",
				zap.Int("attempt", failures),
				zap.Error(err))
			select {
			case <-time.After(policy.NextBackOff()):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		policy.Reset()
		ws.SetReadLimit(1 << 22)

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			ws.Close(websocket.StatusNormalClosure, "")
			return
		}
		c.ws = ws
		c.mu.Unlock()
		c.setState(StateConnected)

		c.serve(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		stopped := c.stopped
		c.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}
		c.setState(StateReconnecting)
	}
}

// serve runs one socket lifetime: a writer draining the queue plus
// heartbeats, and the read loop on the calling goroutine. Either side
// failing ends both.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		heartbeat := time.NewTicker(c.cfg.Heartbeat)
		defer heartbeat.Stop()
		for {
			if !c.flush(sctx, ws) {
				cancel()
				return
			}
			select {
			case <-sctx.Done():
				return
			case <-c.wake:
			case <-heartbeat.C:
				if err := wsjson.Write(sctx, ws, &protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var msg protocol.Message
		if err := wsjson.Read(sctx, ws, &msg); err != nil {
			break
		}
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(&msg)
		}
	}
	cancel()
	ws.Close(websocket.StatusNormalClosure, "")
	<-writerDone
}

// flush writes every queued frame in order. Returns false on write error.
func (c *Conn) flush(ctx context.Context, ws *websocket.Conn) bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		f := c.queue[0]
		c.mu.Unlock()

		if err := wsjson.Write(ctx, ws, f.msg); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			return false
		}

		c.mu.Lock()
		// The head may have been shed while the write was in flight.
		if len(c.queue) > 0 && c.queue[0].msg == f.msg {
			c.queue = c.queue[1:]
			c.queueBytes -= f.size
		}
		c.mu.Unlock()
	}
}

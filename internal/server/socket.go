package server

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/livelykit/lively/internal/monitoring"
	"github.com/livelykit/lively/pkg/protocol"
)

const (
	socketSendBuffer = 64
	// A consumer that keeps overflowing its buffer is not coming back;
	// past this many consecutive drops the socket is closed.
	maxDropStreak = 32
	writeTimeout  = 10 * time.Second
)

// socket owns the write side of one websocket. Frames are queued on a
// buffered channel drained by a single writer goroutine; a full buffer
// means a slow consumer and the frame is dropped rather than blocking the
// room actor.
type socket struct {
	conn    *websocket.Conn
	out     chan *protocol.Message
	closed  chan struct{}
	once    sync.Once
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu         sync.Mutex
	dropStreak int
}

func newSocket(conn *websocket.Conn, log *zap.Logger, metrics *monitoring.Metrics) *socket {
	s := &socket{
		conn:    conn,
		out:     make(chan *protocol.Message, socketSendBuffer),
		closed:  make(chan struct{}),
		log:     log,
		metrics: metrics,
	}
	go s.writeLoop()
	return s
}

// Send implements room.Sender. It never blocks.
func (s *socket) Send(msg *protocol.Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- msg:
		s.mu.Lock()
		s.dropStreak = 0
		s.mu.Unlock()
		return true
	default:
	}
	s.mu.Lock()
	s.dropStreak++
	stalled := s.dropStreak > maxDropStreak
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.MessagesDropped.Inc()
	}
	if stalled {
		s.log.Warn("closing persistently stalled socket")
		s.close(websocket.StatusPolicyViolation, "slow consumer")
	}
	return false
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, s.conn, msg)
			cancel()
			if err != nil {
				s.log.Debug("write failed, closing socket", zap.Error(err))
				s.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close implements room.Sender, invoked when the room shuts down.
func (s *socket) Close() {
	s.close(websocket.StatusGoingAway, "server shutdown")
}

func (s *socket) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close(code, reason)
	})
}

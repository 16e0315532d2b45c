// Package server is the HTTP surface: health and metrics endpoints plus
// the websocket upgrade path that feeds room actors.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/livelykit/lively/internal/auth"
	"github.com/livelykit/lively/internal/logging"
	"github.com/livelykit/lively/internal/monitoring"
	"github.com/livelykit/lively/internal/room"
	"github.com/livelykit/lively/pkg/protocol"
)

// Config shapes the HTTP surface. Zero values take the documented
// defaults.
type Config struct {
	Port        int
	BasePath    string // default /rooms
	HealthPath  string // default /health
	MetricsPath string // default /metrics

	// Authenticate vets an upgrade request. Nil means auth.AllowAll.
	Authenticate auth.AuthenticateFunc

	// Inbound frames per socket per second; bursts of twice the rate.
	ReadRate float64

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

const (
	defaultBasePath    = "/rooms"
	defaultHealthPath  = "/health"
	defaultMetricsPath = "/metrics"
	defaultReadRate    = 120
	drainDeadline      = 10 * time.Second
)

type Server struct {
	cfg     Config
	manager *room.Manager
	engine  *gin.Engine
	http    *http.Server
	log     *zap.Logger
	metrics *monitoring.Metrics
}

func New(cfg Config, manager *room.Manager) *Server {
	if cfg.BasePath == "" {
		cfg.BasePath = defaultBasePath
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = defaultHealthPath
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = defaultMetricsPath
	}
	if cfg.Authenticate == nil {
		cfg.Authenticate = auth.AllowAll
	}
	if cfg.ReadRate <= 0 {
		cfg.ReadRate = defaultReadRate
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		manager: manager,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET(cfg.HealthPath, s.handleHealth)
	if cfg.Metrics != nil {
		engine.GET(cfg.MetricsPath, gin.WrapH(
			promhttp.HandlerFor(cfg.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	engine.GET(cfg.BasePath+"/:roomId", s.handleUpgrade)
	engine.NoRoute(func(c *gin.Context) {
		c.String(http.StatusUpgradeRequired, "upgrade required")
	})

	s.engine = engine
	return s
}

// Handler exposes the routing tree, used by tests via httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) handleHealth(c *gin.Context) {
	if s.manager.Health().Degraded() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpgrade(c *gin.Context) {
	identity, err := s.cfg.Authenticate(c.Request)
	if err != nil {
		if s.metrics != nil {
			s.metrics.AuthRejections.Inc()
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	roomID := c.Param("roomId")
	log := logging.WithUserID(
		logging.WithRoomID(s.log, protocol.SanitizeRoomID(roomID)), identity.UserID)

	if s.metrics != nil {
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		defer s.metrics.ConnectionsActive.Dec()
	}

	rm := s.manager.GetOrCreate(roomID)
	sock := newSocket(conn, log, s.metrics)
	if !rm.Join(identity, sock) {
		sock.close(websocket.StatusGoingAway, "room closed")
		return
	}
	defer rm.Leave(identity.UserID)
	defer sock.close(websocket.StatusNormalClosure, "")

	log.Info("connection open")
	s.readLoop(c.Request.Context(), conn, rm, identity.UserID, log)
	log.Info("connection closed")
}

// readLoop pumps inbound frames into the room, preserving per-sender
// order. Malformed frames are dropped without closing the socket so peers
// on newer protocol revisions keep working.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, rm *room.Room, userID string, log *zap.Logger) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ReadRate), int(s.cfg.ReadRate)*2)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimitedFrames.Inc()
			}
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			var perr *protocol.ProtocolError
			if errors.As(err, &perr) {
				log.Warn("dropping bad frame", zap.String("reason", perr.Reason))
				continue
			}
			return
		}
		rm.Handle(userID, msg)
	}
}

// Start begins serving. It returns once the listener stops.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.engine,
	}
	s.log.Info("server listening", zap.Int("port", s.cfg.Port))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener, then drains every room so final snapshots are
// flushed, all within a 10 second deadline.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, drainDeadline)
	defer cancel()
	var firstErr error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.manager.DrainAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/livelykit/lively/internal/auth"
	"github.com/livelykit/lively/internal/logging"
	"github.com/livelykit/lively/internal/monitoring"
	"github.com/livelykit/lively/internal/room"
	"github.com/livelykit/lively/internal/server"
	"github.com/livelykit/lively/internal/store"
	"github.com/livelykit/lively/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig(newViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	if cfg.TraceEndpoint != "" {
		tp, err := tracing.InitTracer("lively-server", cfg.TraceEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tp.Shutdown(ctx)
		}()
	}

	var st store.Store
	if cfg.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.RedisAddr, logger.Logger)
		defer rs.Close()
		st = rs
		logger.Info("using redis snapshot store", zap.String("addr", cfg.RedisAddr))
	} else {
		fs, err := store.NewFileStore(cfg.DataDir, logger.Logger)
		if err != nil {
			return fmt.Errorf("init file store: %w", err)
		}
		st = fs
		logger.Info("using file snapshot store", zap.String("dir", cfg.DataDir))
	}

	metrics := monitoring.NewMetrics()
	manager := room.NewManager(room.Config{
		Store:            st,
		Logger:           logger.Logger,
		Metrics:          metrics,
		SnapshotDebounce: cfg.SnapshotDebounce,
		IdleEvict:        cfg.IdleEvict,
	})

	var authenticate auth.AuthenticateFunc
	if cfg.JWTSecret != "" {
		authenticate = auth.NewAuthenticator(auth.NewTokenManager(cfg.JWTSecret))
	} else {
		logger.Warn("no jwt secret configured, accepting all connections")
	}

	srv := server.New(server.Config{
		Port:         cfg.Port,
		BasePath:     cfg.BasePath,
		HealthPath:   cfg.HealthPath,
		MetricsPath:  cfg.MetricsPath,
		Authenticate: authenticate,
		ReadRate:     cfg.ReadRate,
		Logger:       logger.Logger,
		Metrics:      metrics,
	}, manager)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

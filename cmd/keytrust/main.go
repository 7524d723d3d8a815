package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arko-chat/keytrust/internal/config"
	"github.com/arko-chat/keytrust/internal/handlers"
	"github.com/arko-chat/keytrust/internal/logger"
	"github.com/arko-chat/keytrust/internal/matrix"
	"github.com/arko-chat/keytrust/internal/router"
	"github.com/arko-chat/keytrust/internal/service"
	"github.com/arko-chat/keytrust/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slogger := logger.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.CryptoDBPath, 0700); err != nil {
		slogger.Error("failed to create crypto db directory", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := matrix.NewManager(matrix.SessionOptions{
		CryptoDBPath:      cfg.CryptoDBPath,
		PickleKey:         cfg.PickleKeyBytes(),
		KeyQueryBatchSize: cfg.KeyQueryBatchSize,
		Policy:            cfg.TrustPolicy(),
	}, slogger)

	wsHub := ws.NewHub(slogger)
	svc := service.NewTrustService(mgr, slogger)
	mgr.OnSessionStart(func(s *matrix.Session) {
		wsHub.Forward(s.UserID(), s.Changes())
		svc.Watch(s)
	})
	mgr.RestoreAllSessions(ctx)

	h := handlers.New(svc, mgr, wsHub, slogger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.New(h, mgr),
	}

	go func() {
		slogger.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("server shutdown", "err", err)
	}
	mgr.Shutdown()
}

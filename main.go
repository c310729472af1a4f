package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/trackvision/tv-epcis-repository/bus"
	"github.com/trackvision/tv-epcis-repository/capture"
	"github.com/trackvision/tv-epcis-repository/configs"
	"github.com/trackvision/tv-epcis-repository/logger"
	"github.com/trackvision/tv-epcis-repository/query"
	"github.com/trackvision/tv-epcis-repository/server"
	"github.com/trackvision/tv-epcis-repository/storage"
	"github.com/trackvision/tv-epcis-repository/subscription"
)

func main() {
	defer logger.Sync()

	cfg, err := configs.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	store, err := storage.Open(cfg)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer store.Close()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.String("url", cfg.NATSURL), zap.Error(err))
		}
		defer nc.Drain()
	}

	notices := bus.New()
	defer notices.Close()

	captures := capture.NewHandler(store, notices, cfg)
	queries := query.NewEngine(store, cfg)

	subs := subscription.NewEngine(store, queries, subscription.NewDispatcher(nc))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := subs.Start(ctx, notices.Subscribe()); err != nil {
		logger.Fatal("Failed to start subscription engine", zap.Error(err))
	}

	srv := server.New(cfg, store, captures, queries, subs)

	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", zap.Error(err))
		}
		subs.Stop()
		close(done)
	}()

	logger.Info("Starting EPCIS repository",
		zap.String("port", cfg.Port),
		zap.String("provider", cfg.StorageProvider),
		zap.Bool("nats", nc != nil))

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
	<-done
}

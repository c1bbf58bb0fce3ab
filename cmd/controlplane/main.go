package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/api"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/bootstrap"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/config"
	"github.com/razor303Jc/Pixel-AI-Creator-sub003/internal/observability"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	log, err := newLogger(cfg.AppEnv)
	if err != nil {
		zap.NewExample().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	shutdownTracing, err := observability.InitTracingFromEnv("pixel-controlplane")
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}

	sys, err := bootstrap.NewSystemFromConfig(cfg, log)
	if err != nil {
		log.Fatal("bootstrap", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys.Dispatcher.Start(ctx)
	go sys.Scheduler.Run(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(sys.Dispatcher, sys.Records, sys.Propagator, log.Named("api")).Handler(),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	log.Info("control plane listening", zap.String("addr", cfg.ListenAddr), zap.String("env", cfg.AppEnv))

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
		}
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(graceCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := sys.Dispatcher.Shutdown(graceCtx); err != nil {
		log.Warn("dispatcher shutdown", zap.Error(err))
	}
	if err := sys.Close(); err != nil {
		log.Warn("close backends", zap.Error(err))
	}
	if err := shutdownTracing(graceCtx); err != nil {
		log.Warn("flush traces", zap.Error(err))
	}
	log.Info("control plane stopped")
	os.Exit(0)
}

func newLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

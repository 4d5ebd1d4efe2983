// Command api-server exposes the executor facade's dispatch/state/signal/
// DLQ surface over HTTP, per spec.md 1: this is an external collaborator
// that calls the engine's public operations, not part of the durable
// execution core itself.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maumercado/senpuki/internal/api"
	"github.com/maumercado/senpuki/internal/backendopen"
	"github.com/maumercado/senpuki/internal/config"
	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/retrypolicy"
	"github.com/maumercado/senpuki/pkg/senpuki"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting senpuki API server...")

	backend, err := backendopen.Open(cfg.Backend.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage backend")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close storage backend")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := backend.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage schema")
	}

	var bus notify.Bus
	if cfg.Notify.BusURI != "" {
		bus, err = notify.NewRedisBus(cfg.Notify.BusURI)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to notification bus")
		}
		defer func() {
			if err := bus.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close notification bus")
			}
		}()
	}

	reg := registry.New()

	opts := []senpuki.Option{
		senpuki.WithDefaultRetryPolicy(retrypolicy.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		}),
	}
	if bus != nil {
		opts = append(opts, senpuki.WithNotifyBus(bus))
	}
	executor := senpuki.New(backend, reg, opts...)

	server := api.NewServer(cfg, executor, bus)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	server.Start(ctx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("Server stopped")
}

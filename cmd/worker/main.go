// Command worker runs a senpuki worker process: it claims tasks from the
// configured storage backend, executes registered durable functions, and
// serves until an interrupt signal asks it to drain.
//
// Applications embedding senpuki register their own durable functions
// against the registry before calling Serve; this binary registers a small
// set of example activities (no orchestrators) purely so the worker has
// something to run out of the box, the same way the teacher's cmd/worker
// shipped example task handlers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	log.Info().Msg("Starting senpuki worker...")

	backend, err := backendopen.Open(cfg.Backend.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage backend")
	}
	defer backend.Close()

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
		defer bus.Close()
	}

	reg := registry.New()
	registerExampleFunctions(reg)

	opts := []senpuki.Option{
		senpuki.WithDefaultRetryPolicy(retrypolicy.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			Multiplier:  cfg.Retry.Multiplier,
			Jitter:      cfg.Retry.Jitter,
		}),
		senpuki.WithPollConfig(notify.PollConfig{
			MinInterval:   cfg.Notify.PollMin,
			MaxInterval:   cfg.Notify.PollMax,
			BackoffFactor: cfg.Notify.PollBackoff,
		}),
	}
	if bus != nil {
		opts = append(opts, senpuki.WithNotifyBus(bus))
	}
	executor := senpuki.New(backend, reg, opts...)

	lc := executor.CreateWorkerLifecycle(cfg.Worker.ID)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- executor.Serve(ctx, lc,
			senpuki.WithServeWorkerID(cfg.Worker.ID),
			senpuki.WithServeQueues(cfg.Worker.Queues...),
			senpuki.WithServeTags(cfg.Worker.Tags...),
			senpuki.WithServeMaxConcurrency(cfg.Worker.MaxConcurrency),
			senpuki.WithServeLeaseDuration(cfg.Worker.LeaseDuration),
			senpuki.WithServePollInterval(cfg.Worker.PollInterval),
			senpuki.WithServeCleanup(cfg.Cleanup.Interval, cfg.Cleanup.RetentionPeriod),
		)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker, requesting drain...")
	lc.RequestDrain()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.StopTimeout+5*time.Second)
	defer stopCancel()
	if err := lc.WaitUntilStopped(stopCtx); err != nil {
		log.Error().Err(err).Msg("Timed out waiting for worker to drain")
	}
	cancel()
	<-serveErrCh

	log.Info().Msg("Worker stopped")
}

// registerExampleFunctions registers the example activities examples.add,
// examples.mul and examples.square, so a freshly built worker binary has
// something runnable. No orchestrators are registered here.
func registerExampleFunctions(reg *registry.Registry) {
	must := func(err error) {
		if err != nil {
			logger.Get().Fatal().Err(err).Msg("failed to register durable function")
		}
	}

	must(reg.Register(registry.FunctionSpec{
		Name:    "examples.add",
		Kind:    registry.KindActivity,
		Handler: addHandler,
	}))
	must(reg.Register(registry.FunctionSpec{
		Name:    "examples.mul",
		Kind:    registry.KindActivity,
		Handler: mulHandler,
	}))
	must(reg.Register(registry.FunctionSpec{
		Name:    "examples.square",
		Kind:    registry.KindActivity,
		Handler: squareHandler,
	}))
}

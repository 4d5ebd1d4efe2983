package senpuki

import (
	"time"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/internal/retrypolicy"
)

// Option configures an Executor at construction time, following the
// teacher's pkg/client functional-options shape.
type Option func(*Executor)

// WithNotifyBus attaches a notification bus; without one, WaitFor and
// Serve fall back entirely to adaptive polling.
func WithNotifyBus(bus notify.Bus) Option {
	return func(e *Executor) { e.bus = bus }
}

// WithCodecRegistry overrides the default codec registry
// (codec.NewRegistry(), which decodes both JSON and binary payloads).
func WithCodecRegistry(reg *codec.Registry) Option {
	return func(e *Executor) { e.codecReg = reg }
}

// WithDefaultRetryPolicy overrides the retry policy used for dispatches and
// durable calls that don't specify their own.
func WithDefaultRetryPolicy(p retrypolicy.Policy) Option {
	return func(e *Executor) { e.defaultRetry = p }
}

// WithPollConfig overrides the adaptive-poll fallback's tuning.
func WithPollConfig(p notify.PollConfig) Option {
	return func(e *Executor) { e.pollConfig = p }
}

// serveConfig accumulates ServeOption values for Serve.
type serveConfig struct {
	workerID        string
	queues          []string
	tags            []string
	maxConcurrency  int
	pollInterval    time.Duration
	leaseDuration   time.Duration
	cleanupInterval time.Duration
	retentionPeriod time.Duration
}

// ServeOption configures a single Serve call, per spec.md 4.I's
// serve(...) keyword arguments.
type ServeOption func(*serveConfig)

// WithServeWorkerID names this worker process; defaults to a random id.
func WithServeWorkerID(id string) ServeOption {
	return func(c *serveConfig) { c.workerID = id }
}

// WithServeQueues restricts which queues this worker claims from; defaults
// to ["default"].
func WithServeQueues(queues ...string) ServeOption {
	return func(c *serveConfig) { c.queues = queues }
}

// WithServeTags restricts this worker to tasks carrying all of tags.
func WithServeTags(tags ...string) ServeOption {
	return func(c *serveConfig) { c.tags = tags }
}

// WithServeMaxConcurrency bounds how many tasks this worker runs at once.
func WithServeMaxConcurrency(n int) ServeOption {
	return func(c *serveConfig) { c.maxConcurrency = n }
}

// WithServePollInterval sets how often an idle worker re-polls for claimable
// work and how soon a parked orchestrator becomes claimable again.
func WithServePollInterval(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.pollInterval = d }
}

// WithServeLeaseDuration sets how long a claimed task's lease lasts before
// it must be renewed.
func WithServeLeaseDuration(d time.Duration) ServeOption {
	return func(c *serveConfig) { c.leaseDuration = d }
}

// WithServeCleanup sets the background retention sweep's interval and
// cutoff age; an interval of zero disables the sweep entirely.
func WithServeCleanup(interval, retentionPeriod time.Duration) ServeOption {
	return func(c *serveConfig) {
		c.cleanupInterval = interval
		c.retentionPeriod = retentionPeriod
	}
}

// Package worker implements the claim/lease/renewal loop of spec.md 4.G:
// it claims one task at a time from a storage.Backend, dispatches it to an
// activity handler or the orchestrator driver, renews its lease by
// heartbeat, and routes the outcome to completion, retry, or dead-letter.
package worker

import (
	"context"
	"sync"
)

// Lifecycle is a worker's start/drain/stop handle, returned by the facade's
// CreateWorkerLifecycle (spec.md 4.I) and passed to Pool.Run. A zero
// Lifecycle is not usable; construct with NewLifecycle.
type Lifecycle struct {
	name string

	mu       sync.Mutex
	draining bool

	readyOnce sync.Once
	readyCh   chan struct{}

	drainOnce sync.Once
	drainCh   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewLifecycle returns a Lifecycle handle named name, used only for logging.
func NewLifecycle(name string) *Lifecycle {
	return &Lifecycle{
		name:    name,
		readyCh: make(chan struct{}),
		drainCh: make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Name returns the lifecycle's label.
func (l *Lifecycle) Name() string { return l.name }

// markReady fires once the owning Pool.Run has entered its claim loop at
// least once.
func (l *Lifecycle) markReady() {
	l.readyOnce.Do(func() { close(l.readyCh) })
}

// RequestDrain asks the owning pool to stop claiming new tasks and return
// once in-flight tasks finish (or StopTimeout elapses).
func (l *Lifecycle) RequestDrain() {
	l.mu.Lock()
	l.draining = true
	l.mu.Unlock()
	l.drainOnce.Do(func() { close(l.drainCh) })
}

// Draining reports whether a drain has been requested.
func (l *Lifecycle) Draining() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.draining
}

// drainRequested returns a channel closed exactly once a drain is requested.
func (l *Lifecycle) drainRequested() <-chan struct{} { return l.drainCh }

// markStopped fires once Pool.Run has returned.
func (l *Lifecycle) markStopped() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// WaitUntilReady blocks until the pool has entered its claim loop, ctx is
// done, or the pool has already stopped.
func (l *Lifecycle) WaitUntilReady(ctx context.Context) error {
	select {
	case <-l.readyCh:
		return nil
	case <-l.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntilStopped blocks until Pool.Run has returned or ctx is done.
func (l *Lifecycle) WaitUntilStopped(ctx context.Context) error {
	select {
	case <-l.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

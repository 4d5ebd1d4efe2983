package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maumercado/senpuki/internal/codec"
	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/logger"
	"github.com/maumercado/senpuki/internal/metrics"
	"github.com/maumercado/senpuki/internal/notify"
	"github.com/maumercado/senpuki/internal/orchestrator"
	"github.com/maumercado/senpuki/internal/registry"
	"github.com/maumercado/senpuki/internal/retrypolicy"
	"github.com/maumercado/senpuki/internal/storage"
)

// Config tunes one Pool, per the worker parameters of spec.md 4.G.
type Config struct {
	ID                string
	Queues            []string
	Tags              []string
	MaxConcurrency    int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	StopTimeout       time.Duration
	DefaultRetry      retrypolicy.Policy
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{"default"}
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseDuration / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	return c
}

// Pool claims and executes tasks from a storage.Backend until its Lifecycle
// drains or its Run context is cancelled. It is the concrete implementation
// of spec.md 4.G.
type Pool struct {
	cfg       Config
	backend   storage.Backend
	registry  *registry.Registry
	codecReg  *codec.Registry
	bus       notify.Bus
	lifecycle *Lifecycle

	sem chan struct{}
	wg  sync.WaitGroup
}

// waitTimeout blocks until wg is empty or timeout elapses, whichever comes
// first. The spawned goroutine leaks until wg eventually drains if the
// timeout fires first, which only happens for tasks stuck past
// StopTimeout — an operational condition already logged as a warning.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// NewPool constructs a Pool. lifecycle must not be nil; obtain one from the
// facade's CreateWorkerLifecycle.
func NewPool(backend storage.Backend, reg *registry.Registry, codecReg *codec.Registry, bus notify.Bus, cfg Config, lifecycle *Lifecycle) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:       cfg,
		backend:   backend,
		registry:  reg,
		codecReg:  codecReg,
		bus:       bus,
		lifecycle: lifecycle,
		sem:       make(chan struct{}, cfg.MaxConcurrency),
	}
}

// ID returns the worker's identity, used as storage.Backend's worker_id.
func (p *Pool) ID() string { return p.cfg.ID }

// Run claims and executes tasks until ctx is cancelled or the pool's
// Lifecycle is asked to drain. It always returns after in-flight tasks
// finish or StopTimeout elapses, and always marks the lifecycle stopped.
func (p *Pool) Run(ctx context.Context) error {
	defer p.lifecycle.markStopped()
	p.lifecycle.markReady()

	log := logger.WithWorker(p.cfg.ID)
	log.Info().Strs("queues", p.cfg.Queues).Int("max_concurrency", p.cfg.MaxConcurrency).Msg("worker: started")
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	for {
		select {
		case <-ctx.Done():
			if !waitTimeout(&p.wg, p.cfg.StopTimeout) {
				log.Warn().Msg("worker: stop_timeout elapsed with tasks still running")
			}
			return ctx.Err()
		case <-p.lifecycle.drainRequested():
			log.Info().Msg("worker: draining")
			if !waitTimeout(&p.wg, p.cfg.StopTimeout) {
				log.Warn().Msg("worker: stop_timeout elapsed with tasks still running")
			}
			log.Info().Msg("worker: drained")
			return nil
		case p.sem <- struct{}{}:
		}

		task, err := p.backend.ClaimNextTask(ctx, p.cfg.ID, storage.ClaimFilter{
			Queues:        p.cfg.Queues,
			RequiredTags:  p.cfg.Tags,
			LeaseDuration: p.cfg.LeaseDuration,
		})
		if err != nil {
			<-p.sem
			if !errors.Is(err, storage.ErrNoTaskClaimed) {
				log.Warn().Err(err).Msg("worker: claim_next_task failed, backing off")
			}
			p.idle(ctx)
			continue
		}
		metrics.RecordTaskClaim(task.StepName, string(task.Kind))

		p.wg.Add(1)
		go p.runTask(ctx, task)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-time.After(p.cfg.PollInterval):
	case <-ctx.Done():
	case <-p.lifecycle.drainRequested():
	}
}

// runTask executes one claimed task end to end: heartbeat, dispatch,
// completion/retry/dead-letter. It always releases its semaphore slot and
// its WaitGroup entry before returning.
func (p *Pool) runTask(parentCtx context.Context, t *storage.Task) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	var taskCtx context.Context
	var cancel context.CancelFunc
	if t.ExpiresAt != nil {
		taskCtx, cancel = context.WithDeadline(parentCtx, *t.ExpiresAt)
	} else {
		taskCtx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	lost := make(chan struct{}, 1)
	go heartbeat(taskCtx, p.backend, t.ID, p.cfg.ID, p.cfg.LeaseDuration, p.cfg.HeartbeatInterval, lost)

	type outcome struct {
		result []byte
		parked bool
		err    error
	}
	resCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		result, parked, err := p.execute(taskCtx, t)
		resCh <- outcome{result: result, parked: parked, err: err}
	}()

	select {
	case <-lost:
		metrics.RecordLeaseLost(t.StepName)
		cancel()
		<-resCh // let the execution goroutine observe cancellation and exit
		return  // never write a result: the rightful lease holder will
	case out := <-resCh:
		cancel()
		metrics.RecordTaskAttempt(t.StepName, time.Since(start).Seconds())
		if out.parked {
			metrics.RecordOrchestratorPark(t.StepName)
			// the orchestrator driver already persisted the park via
			// backend.UpdateTask; there is nothing further to write.
			return
		}
		p.finish(parentCtx, t, out.result, out.err)
	}
}

// execute resolves t's handler and runs it, per spec.md 4.G step 4.
func (p *Pool) execute(ctx context.Context, t *storage.Task) (result []byte, parked bool, err error) {
	spec, lookupErr := p.registry.Lookup(t.StepName)
	if lookupErr != nil {
		return nil, false, lookupErr
	}

	if t.IdempotencyKey != nil {
		if cached, ok, cerr := p.backend.GetCache(ctx, *t.IdempotencyKey); cerr == nil && ok {
			return cached, false, nil
		}
	}
	if spec.Cacheable && t.CacheKey != nil {
		if cached, ok, cerr := p.backend.GetCache(ctx, *t.CacheKey); cerr == nil && ok {
			return cached, false, nil
		}
	}

	ec := execctx.New(ctx, p.backend, p.codecReg, t.ExecutionID, t.ID, t.Attempt)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: handler %q panicked: %v\n%s", t.StepName, r, debug.Stack())
			result, parked = nil, false
		}
	}()

	switch t.Kind {
	case storage.KindActivity:
		result, err = spec.Handler(ctx, ec, t.Arguments)
		return result, false, err
	case storage.KindOrchestrator:
		return orchestrator.Run(ctx, p.backend, p.codecReg, p.registry, ec, t, spec.Handler, p.cfg.PollInterval)
	default:
		return nil, false, fmt.Errorf("worker: task %s has unknown kind %q", t.ID, t.Kind)
	}
}

// finish routes a settled (non-parked) task outcome to completion or
// failure handling.
func (p *Pool) finish(ctx context.Context, t *storage.Task, result []byte, err error) {
	if err == nil {
		p.onSuccess(ctx, t, result)
		return
	}
	p.onFailure(ctx, t, err)
}

func (p *Pool) onSuccess(ctx context.Context, t *storage.Task, result []byte) {
	log := logger.WithTask(t.ID.String())

	if t.Kind == storage.KindOrchestrator {
		summarized := orchestrator.SummarizeProgress(t.Progress)
		if len(summarized) != len(t.Progress) {
			t.Progress = summarized
			if err := p.backend.UpdateTask(ctx, t); err != nil {
				log.Warn().Err(err).Msg("worker: persisting summarized progress failed")
			}
		}
	}

	if spec, err := p.registry.Lookup(t.StepName); err == nil {
		if spec.Cacheable && t.CacheKey != nil {
			if err := p.backend.PutCache(ctx, *t.CacheKey, result, 0); err != nil {
				log.Warn().Err(err).Msg("worker: put_cache failed")
			}
		}
	}
	if t.IdempotencyKey != nil {
		if err := p.backend.PutCache(ctx, *t.IdempotencyKey, result, 0); err != nil {
			log.Warn().Err(err).Msg("worker: put_cache (idempotency) failed")
		}
	}

	if err := p.backend.CompleteTask(ctx, t.ID, p.cfg.ID, result); err != nil {
		log.Warn().Err(err).Msg("worker: complete_task failed, lease likely lost to another worker")
		return
	}
	if p.bus != nil {
		if err := p.bus.PublishTask(ctx, t.ID.String(), string(storage.TaskCompleted)); err != nil {
			log.Debug().Err(err).Msg("worker: publish task notification failed")
		}
	}

	if t.ParentTaskID == nil {
		if err := p.backend.SetExecutionResult(ctx, t.ExecutionID, storage.ExecutionCompleted, result, ""); err != nil {
			log.Warn().Err(err).Msg("worker: set_execution_result failed")
			return
		}
		metrics.RecordExecutionTerminal(t.StepName, string(storage.ExecutionCompleted), time.Since(t.CreatedAt).Seconds())
		if p.bus != nil {
			_ = p.bus.PublishExecution(ctx, t.ExecutionID.String(), string(storage.ExecutionCompleted))
		}
	}
}

func (p *Pool) onFailure(ctx context.Context, t *storage.Task, taskErr error) {
	log := logger.WithTask(t.ID.String())
	log.Error().Err(taskErr).Int("attempt", t.Attempt).Msg("worker: task failed")

	timedOut := t.ExpiresAt != nil && errors.Is(taskErr, context.DeadlineExceeded)
	notRegistered := errors.Is(taskErr, registry.ErrNotRegistered)

	var dead bool
	var retryAt *time.Time
	switch {
	case timedOut, notRegistered:
		dead = true
	default:
		policy := p.retryPolicyFor(t.StepName)
		if retry, at := policy.Classify(t.Attempt, taskErr); retry {
			retryAt = &at
		} else {
			dead = true
		}
	}

	if t.Kind == storage.KindOrchestrator && dead {
		t.Progress = orchestrator.SummarizeProgress(t.Progress)
	}

	if err := p.backend.FailTask(ctx, t.ID, p.cfg.ID, taskErr.Error(), retryAt, dead); err != nil {
		log.Warn().Err(err).Msg("worker: fail_task failed, lease likely lost to another worker")
		return
	}

	if !dead {
		metrics.RecordTaskRetry(t.StepName)
		log.Info().Time("retry_at", *retryAt).Msg("worker: task scheduled for retry")
		return
	}

	metrics.RecordDLQAdded(t.StepName)
	if p.bus != nil {
		_ = p.bus.PublishTask(ctx, t.ID.String(), string(storage.TaskDead))
	}

	if t.ParentTaskID == nil {
		execState := storage.ExecutionFailed
		if timedOut {
			execState = storage.ExecutionTimedOut
		}
		if err := p.backend.SetExecutionResult(ctx, t.ExecutionID, execState, nil, taskErr.Error()); err != nil {
			log.Warn().Err(err).Msg("worker: set_execution_result failed")
			return
		}
		metrics.RecordExecutionTerminal(t.StepName, string(execState), time.Since(t.CreatedAt).Seconds())
		if p.bus != nil {
			_ = p.bus.PublishExecution(ctx, t.ExecutionID.String(), string(execState))
		}
	}
}

func (p *Pool) retryPolicyFor(stepName string) retrypolicy.Policy {
	if spec, err := p.registry.Lookup(stepName); err == nil && spec.RetryPolicy != nil {
		return *spec.RetryPolicy
	}
	return p.cfg.DefaultRetry
}

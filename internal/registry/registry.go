// Package registry maps a stable function name to a callable plus its
// durability metadata, per spec.md 4.D. It mirrors the teacher's
// worker.Executor handler map (internal/worker/executor.go) but carries
// retry/queue/concurrency/cache metadata alongside the handler instead of
// leaving those to be threaded through call sites separately, and is owned
// by the executor instance rather than a package-level global — spec.md 9
// forbids ambient global registration state.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/maumercado/senpuki/internal/execctx"
	"github.com/maumercado/senpuki/internal/retrypolicy"
)

// Kind distinguishes orchestrator functions (which may issue durable calls)
// from activities (leaf work).
type Kind string

const (
	KindOrchestrator Kind = "orchestrator"
	KindActivity     Kind = "activity"
)

// Handler is the shape every registered durable function body takes. ctx
// carries the orchestrator driver's run state when Kind is KindOrchestrator
// (see internal/orchestrator.Call/Sleep/WaitForSignal, which read it back
// out of ctx); activity bodies may ignore it and use ec and ctx for
// cancellation only.
type Handler func(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error)

// IdempotencyKeyFunc derives a caller-independent idempotency key from a
// function's raw argument payload. Returning "" means "not idempotent for
// this call".
type IdempotencyKeyFunc func(args []byte) string

// FunctionSpec is a registered durable function: its callable plus every
// durability override spec.md 6 allows at registration time.
type FunctionSpec struct {
	Name             string
	Kind             Kind
	Handler          Handler
	Queue            string
	Priority         int
	Tags             []string
	RetryPolicy      *retrypolicy.Policy // nil defers to the executor default
	ConcurrencyGroup string              // defaults to Name when ConcurrencyLimit > 0
	ConcurrencyLimit int
	Cacheable        bool
	IdempotencyKeyFn IdempotencyKeyFunc
	Timeout          time.Duration
}

// ErrNotRegistered is returned by Lookup and by dispatch when no function
// was registered under the requested name — spec.md 7's NotRegistered kind.
var ErrNotRegistered = errors.New("registry: function not registered")

// Registry resolves durable function names to their specs. Zero value is
// usable; construct with New for clarity.
type Registry struct {
	specs map[string]FunctionSpec
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{specs: make(map[string]FunctionSpec)}
}

// Register adds a function spec, defaulting Queue to "default" and
// ConcurrencyGroup to Name when a limit is configured without one. Returns
// an error if Name is empty, Handler is nil, or the name is already taken.
func (r *Registry) Register(spec FunctionSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("registry: function name must not be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("registry: %q: handler must not be nil", spec.Name)
	}
	if r.specs == nil {
		r.specs = make(map[string]FunctionSpec)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("registry: %q already registered", spec.Name)
	}
	if spec.Queue == "" {
		spec.Queue = "default"
	}
	if spec.ConcurrencyLimit > 0 && spec.ConcurrencyGroup == "" {
		spec.ConcurrencyGroup = spec.Name
	}
	r.specs[spec.Name] = spec
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (FunctionSpec, error) {
	spec, ok := r.specs[name]
	if !ok {
		return FunctionSpec{}, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return spec, nil
}

// CacheKey derives the stable cache key for a cacheable function's call,
// per spec.md 3: step_name plus a stable hash of its arguments.
func CacheKey(name string, args []byte) string {
	sum := sha256.Sum256(args)
	return "cache:" + name + ":" + hex.EncodeToString(sum[:])
}

// Names returns every registered function name.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	return names
}

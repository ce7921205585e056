package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/jobflow/internal/model"
)

// ErrUnknownJobType is recorded when no strategy is registered for a job type
var ErrUnknownJobType = errors.New("unknown job type")

// Strategy executes one attempt of a job instance. Expected failures are
// reported through the returned Outcome rather than panics.
type Strategy interface {
	Run(ctx context.Context, exec *model.Execution) model.Outcome

	// ExpectedDuration sizes the lease and execution timeout when they are
	// not configured explicitly.
	ExpectedDuration() time.Duration
}

type funcStrategy struct {
	expected time.Duration
	run      func(ctx context.Context, exec *model.Execution) model.Outcome
}

func (s funcStrategy) Run(ctx context.Context, exec *model.Execution) model.Outcome {
	return s.run(ctx, exec)
}

func (s funcStrategy) ExpectedDuration() time.Duration {
	return s.expected
}

// StrategyFunc adapts a function into a Strategy
func StrategyFunc(expected time.Duration, run func(ctx context.Context, exec *model.Execution) model.Outcome) Strategy {
	return funcStrategy{expected: expected, run: run}
}

// Registry maps job types to strategies
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register registers a strategy, replacing any previous one for jobType
func (r *Registry) Register(jobType string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[jobType] = s
}

// Lookup returns the strategy registered for jobType
func (r *Registry) Lookup(jobType string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[jobType]
	return s, ok
}

// Types lists the registered job types in sorted order
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.strategies))
	for t := range r.strategies {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

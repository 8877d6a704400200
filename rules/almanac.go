package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Almanac is the fact store for a single evaluation run. It holds fact
// definitions, runtime values and the cache of computed fact values.
// An Almanac is safe for concurrent use.
type Almanac struct {
	id                  string
	facts               map[string]*Fact
	runtime             map[string]any
	cache               map[string]*pendingValue
	deps                map[string]map[string]int
	allowUndefinedFacts bool
	pathResolver        PathResolver
	recorder            Recorder
	logger              *slog.Logger
	mu                  sync.Mutex
}

// pendingValue is a cache slot. done is closed once value, err and
// discarded are final.
type pendingValue struct {
	done      chan struct{}
	value     any
	err       error
	discarded bool
}

// AlmanacOption configures an Almanac
type AlmanacOption func(*Almanac)

// WithRuntimeFacts seeds the almanac with constant fact values
func WithRuntimeFacts(facts map[string]any) AlmanacOption {
	return func(a *Almanac) {
		for id, value := range facts {
			a.runtime[id] = value
		}
	}
}

// WithAllowUndefinedFacts makes unknown facts resolve to nil instead of failing
func WithAllowUndefinedFacts() AlmanacOption {
	return func(a *Almanac) {
		a.allowUndefinedFacts = true
	}
}

// WithPathResolver replaces the JSONPath resolver used for condition paths
func WithPathResolver(resolver PathResolver) AlmanacOption {
	return func(a *Almanac) {
		if resolver != nil {
			a.pathResolver = resolver
		}
	}
}

// WithRecorder reports fact resolutions to recorder
func WithRecorder(recorder Recorder) AlmanacOption {
	return func(a *Almanac) {
		if recorder != nil {
			a.recorder = recorder
		}
	}
}

// WithLogger sets the logger used for debug output
func WithLogger(logger *slog.Logger) AlmanacOption {
	return func(a *Almanac) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAlmanac creates an empty almanac with a fresh run id
func NewAlmanac(opts ...AlmanacOption) *Almanac {
	a := &Almanac{
		id:           uuid.NewString(),
		facts:        make(map[string]*Fact),
		runtime:      make(map[string]any),
		cache:        make(map[string]*pendingValue),
		deps:         make(map[string]map[string]int),
		pathResolver: DefaultPathResolver,
		recorder:     nopRecorder{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the run id of this almanac
func (a *Almanac) ID() string {
	return a.id
}

// AddFact registers a fact definition, replacing any definition with the same id
func (a *Almanac) AddFact(f *Fact) error {
	if f == nil || f.id == "" {
		return fmt.Errorf("%w: fact id is required", ErrInvalidFact)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.facts[f.id] = f
	return nil
}

// DefineFact registers a fact from either a compute function or a constant value.
// Both ComputeFunc and a plain func with the same signature are treated as compute functions.
func (a *Almanac) DefineFact(id string, valueOrCompute any, opts ...FactOption) error {
	var (
		f   *Fact
		err error
	)
	switch v := valueOrCompute.(type) {
	case ComputeFunc:
		f, err = NewFact(id, v, opts...)
	case func(context.Context, map[string]any, *Almanac) (any, error):
		f, err = NewFact(id, v, opts...)
	default:
		f, err = NewConstantFact(id, v, opts...)
	}
	if err != nil {
		return err
	}
	return a.AddFact(f)
}

// AddRuntimeFact records a constant value that takes precedence over any
// registered fact with the same id.
func (a *Almanac) AddRuntimeFact(id string, value any) error {
	if id == "" {
		return fmt.Errorf("%w: fact id is required", ErrInvalidFact)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.runtime[id] = value
	return nil
}

// Fact returns the registered definition for id
func (a *Almanac) Fact(id string) (*Fact, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.facts[id]
	return f, ok
}

// FactValue resolves a fact for the given parameters and applies path to the result.
// Cacheable facts are computed at most once per parameter signature, including
// under concurrent first access.
func (a *Almanac) FactValue(ctx context.Context, id string, params map[string]any, path string) (any, error) {
	value, err := a.resolve(ctx, id, params)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return value, nil
	}
	if !isObjectLike(value) {
		a.logger.Debug("fact value is not an object, path ignored", "fact", id, "path", path)
		return value, nil
	}
	extracted, err := a.pathResolver(value, path)
	if err != nil {
		return nil, fmt.Errorf("fact %s path %q: %w", id, path, err)
	}
	return extracted, nil
}

func (a *Almanac) resolve(ctx context.Context, id string, params map[string]any) (any, error) {
	for {
		a.mu.Lock()
		if value, ok := a.runtime[id]; ok {
			a.mu.Unlock()
			a.recorder.FactResolved(id, false)
			return value, nil
		}

		f, ok := a.facts[id]
		if !ok {
			a.mu.Unlock()
			if a.allowUndefinedFacts {
				return nil, nil
			}
			return nil, &UndefinedFactError{FactID: id}
		}

		key, cacheable := f.cacheKey(params)
		if !cacheable {
			a.mu.Unlock()
			a.recorder.FactResolved(id, false)
			return f.Calculate(ctx, params, a)
		}

		// waiter is the fact this goroutine is computing, if any
		chain, _ := ctx.Value(computingKey{}).([]string)
		var waiter string
		if len(chain) > 0 {
			waiter = chain[len(chain)-1]
		}

		slot, ok := a.cache[key]
		if !ok {
			slot = &pendingValue{done: make(chan struct{})}
			a.cache[key] = slot
			if waiter != "" {
				a.addDependency(waiter, key)
			}
			a.mu.Unlock()

			a.recorder.FactResolved(id, false)
			a.logger.Debug("computing fact", "fact", id, "run_id", a.id)
			a.compute(ctx, f, params, key, waiter, slot)
			return slot.value, slot.err
		}

		if slices.Contains(chain, key) || (waiter != "" && a.dependsOn(key, waiter)) {
			a.mu.Unlock()
			return nil, fmt.Errorf("%w: fact %s is part of a dependency cycle", ErrCircularFact, id)
		}
		if waiter != "" {
			a.addDependency(waiter, key)
		}
		a.mu.Unlock()

		a.recorder.FactResolved(id, true)
		value, retry, err := a.await(ctx, slot)
		if waiter != "" {
			a.mu.Lock()
			a.removeDependency(waiter, key)
			a.mu.Unlock()
		}
		if !retry {
			return value, err
		}
	}
}

// await waits for slot. retry is set when the slot was discarded because its
// computation was cancelled while ctx is still live.
func (a *Almanac) await(ctx context.Context, slot *pendingValue) (value any, retry bool, err error) {
	select {
	case <-slot.done:
		if slot.discarded && ctx.Err() == nil {
			return nil, true, nil
		}
		return slot.value, false, slot.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// computingKey carries the cache keys being computed by the calling goroutine
type computingKey struct{}

// compute fills slot and releases any waiters, even if the fact panics.
// A computation cut short by its own context is discarded from the cache,
// so waiters with a live context and later callers compute the fact again.
func (a *Almanac) compute(ctx context.Context, f *Fact, params map[string]any, key, parent string, slot *pendingValue) {
	defer close(slot.done)
	defer func() {
		if r := recover(); r != nil {
			slot.value = nil
			slot.err = fmt.Errorf("fact %s panicked: %v", f.id, r)
		}

		a.mu.Lock()
		defer a.mu.Unlock()
		if parent != "" {
			a.removeDependency(parent, key)
		}
		if ctx.Err() != nil && (errors.Is(slot.err, context.Canceled) || errors.Is(slot.err, context.DeadlineExceeded)) {
			slot.discarded = true
			if a.cache[key] == slot {
				delete(a.cache, key)
			}
		}
	}()
	chain, _ := ctx.Value(computingKey{}).([]string)
	ctx = context.WithValue(ctx, computingKey{}, append(slices.Clip(chain), key))
	slot.value, slot.err = f.Calculate(ctx, params, a)
}

// addDependency records that the computation of from waits on to.
// Callers hold a.mu.
func (a *Almanac) addDependency(from, to string) {
	edges, ok := a.deps[from]
	if !ok {
		edges = make(map[string]int)
		a.deps[from] = edges
	}
	edges[to]++
}

// removeDependency drops one edge added by addDependency. Callers hold a.mu.
func (a *Almanac) removeDependency(from, to string) {
	edges := a.deps[from]
	if edges[to] <= 1 {
		delete(edges, to)
	} else {
		edges[to]--
	}
	if len(edges) == 0 {
		delete(a.deps, from)
	}
}

// dependsOn reports whether the computation of from waits, directly or
// through other pending computations, on to. Callers hold a.mu.
func (a *Almanac) dependsOn(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if key == to {
			return true
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		for next := range a.deps[key] {
			stack = append(stack, next)
		}
	}
	return false
}

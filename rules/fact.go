package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultFactPriority is used when a fact does not declare a priority
const DefaultFactPriority = 1

// ComputeFunc computes a fact value. It may block, e.g. on I/O, and may read
// other facts through the almanac.
type ComputeFunc func(ctx context.Context, params map[string]any, almanac *Almanac) (any, error)

// Fact is a named value source. Constant facts hold a fixed value; computed
// facts run a ComputeFunc whose results are cached per parameter set.
type Fact struct {
	id        string
	priority  int
	cacheable bool
	value     any
	compute   ComputeFunc
}

// FactOption configures a Fact
type FactOption func(*Fact)

// WithFactPriority sets the priority conditions on this fact inherit when
// they declare none. Lower priorities are evaluated first.
func WithFactPriority(priority int) FactOption {
	return func(f *Fact) {
		f.priority = priority
	}
}

// WithCache enables or disables result caching for a computed fact
func WithCache(enabled bool) FactOption {
	return func(f *Fact) {
		f.cacheable = enabled
	}
}

// NewFact creates a computed fact. Computed facts are cacheable unless WithCache(false) is given.
func NewFact(id string, compute ComputeFunc, opts ...FactOption) (*Fact, error) {
	if compute == nil {
		return nil, fmt.Errorf("%w: fact %q requires a compute function", ErrInvalidFact, id)
	}
	f := &Fact{id: id, priority: DefaultFactPriority, cacheable: true, compute: compute}
	return f, f.apply(opts)
}

// NewConstantFact creates a fact holding a fixed value. Constant facts are never cached.
func NewConstantFact(id string, value any, opts ...FactOption) (*Fact, error) {
	f := &Fact{id: id, priority: DefaultFactPriority, value: value}
	if err := f.apply(opts); err != nil {
		return nil, err
	}
	f.cacheable = false
	return f, nil
}

func (f *Fact) apply(opts []FactOption) error {
	if f.id == "" {
		return fmt.Errorf("%w: fact id is required", ErrInvalidFact)
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.priority < 1 {
		return fmt.Errorf("%w: fact %q priority must be greater than zero, got %d", ErrInvalidFact, f.id, f.priority)
	}
	return nil
}

// ID returns the fact id
func (f *Fact) ID() string {
	return f.id
}

// Priority returns the fact priority
func (f *Fact) Priority() int {
	return f.priority
}

// Cacheable reports whether computed values are cached
func (f *Fact) Cacheable() bool {
	return f.cacheable
}

// IsConstant reports whether the fact holds a fixed value
func (f *Fact) IsConstant() bool {
	return f.compute == nil
}

// Calculate returns the fact value for the given parameters
func (f *Fact) Calculate(ctx context.Context, params map[string]any, almanac *Almanac) (any, error) {
	if f.compute == nil {
		return f.value, nil
	}
	return f.compute(ctx, params, almanac)
}

// cacheKey returns the signature of (fact id, params). ok is false for
// facts that are not cached.
func (f *Fact) cacheKey(params map[string]any) (key string, ok bool) {
	if !f.cacheable || f.compute == nil {
		return "", false
	}
	return f.id + ":" + strconv.FormatUint(xxhash.Sum64String(canonicalParams(params)), 16), true
}

// canonicalParams renders params so that structurally equal maps produce
// the same string. encoding/json sorts map keys; fmt is the fallback for
// values JSON cannot encode and also prints maps in key order.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprintf("%#v", params)
	}
	return string(data)
}

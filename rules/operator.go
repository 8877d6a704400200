package rules

import (
	"fmt"
	"strings"
	"sync"
)

// Predicate compares a resolved fact value against a rule's compare value.
type Predicate func(factValue, compareValue any) bool

// Validator guards a Predicate by rejecting fact values it cannot handle.
type Validator func(factValue any) bool

// Operator is a named comparison between a fact value and a compare value
type Operator struct {
	name      string
	predicate Predicate
	validate  Validator
}

// NewOperator creates an operator. A nil validator accepts every fact value.
func NewOperator(name string, predicate Predicate, validator Validator) (*Operator, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: operator name is required", ErrInvalidOperator)
	}
	if predicate == nil {
		return nil, fmt.Errorf("%w: operator %q requires a predicate", ErrInvalidOperator, name)
	}
	if validator == nil {
		validator = acceptAll
	}
	return &Operator{name: name, predicate: predicate, validate: validator}, nil
}

// Name returns the operator name
func (o *Operator) Name() string {
	return o.name
}

// Evaluate runs the validator against the fact value and, if it passes, the predicate.
// A fact value rejected by the validator evaluates to false.
func (o *Operator) Evaluate(factValue, compareValue any) bool {
	if !o.validate(factValue) {
		return false
	}
	return o.predicate(factValue, compareValue)
}

func acceptAll(any) bool { return true }

// OperatorRegistry holds the operators and decorators available to one engine.
// Compound names such as "not:someFact:equal" are resolved once and cached.
type OperatorRegistry struct {
	operators  map[string]*Operator
	decorators *DecoratorRegistry
	resolved   map[string]*Operator
	mu         sync.RWMutex
}

// NewOperatorRegistry creates an empty registry with an empty decorator registry
func NewOperatorRegistry() *OperatorRegistry {
	return &OperatorRegistry{
		operators:  make(map[string]*Operator),
		decorators: NewDecoratorRegistry(),
		resolved:   make(map[string]*Operator),
	}
}

// DefaultOperatorRegistry creates a registry holding the built-in operators and decorators
func DefaultOperatorRegistry() *OperatorRegistry {
	r := NewOperatorRegistry()
	for _, op := range defaultOperators() {
		r.Add(op)
	}
	for _, d := range defaultDecorators() {
		r.AddDecorator(d)
	}
	return r
}

// Register creates and adds an operator, replacing any operator with the same name
func (r *OperatorRegistry) Register(name string, predicate Predicate, validator Validator) error {
	op, err := NewOperator(name, predicate, validator)
	if err != nil {
		return err
	}
	r.Add(op)
	return nil
}

// Add adds an operator, replacing any operator with the same name
func (r *OperatorRegistry) Add(op *Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.operators[op.name] = op
	r.resolved = make(map[string]*Operator)
}

// Remove removes an operator. It reports whether the operator existed.
func (r *OperatorRegistry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operators[name]; !exists {
		return false
	}
	delete(r.operators, name)
	r.resolved = make(map[string]*Operator)
	return true
}

// RegisterDecorator creates and adds a decorator, replacing any decorator with the same name
func (r *OperatorRegistry) RegisterDecorator(name string, callback DecoratorFunc, validator Validator) error {
	d, err := NewDecorator(name, callback, validator)
	if err != nil {
		return err
	}
	r.AddDecorator(d)
	return nil
}

// AddDecorator adds a decorator, replacing any decorator with the same name
func (r *OperatorRegistry) AddDecorator(d *Decorator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.decorators.Add(d)
	r.resolved = make(map[string]*Operator)
}

// RemoveDecorator removes a decorator. It reports whether the decorator existed.
func (r *OperatorRegistry) RemoveDecorator(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.decorators.Remove(name)
	if removed {
		r.resolved = make(map[string]*Operator)
	}
	return removed
}

// Get returns the operator registered under name. Names of the form
// "dec1:dec2:base" resolve to base wrapped by dec2 and then by dec1.
func (r *OperatorRegistry) Get(name string) (*Operator, error) {
	r.mu.RLock()
	op, ok := r.operators[name]
	if !ok {
		op, ok = r.resolved[name]
	}
	r.mu.RUnlock()
	if ok {
		return op, nil
	}

	segments := strings.Split(name, ":")
	if len(segments) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// another caller may have resolved it while the lock was released
	if op, ok := r.resolved[name]; ok {
		return op, nil
	}

	base := segments[len(segments)-1]
	op, ok = r.operators[base]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, base)
	}
	for i := len(segments) - 2; i >= 0; i-- {
		decorated, err := r.decorators.Apply(segments[i], op)
		if err != nil {
			return nil, err
		}
		op = decorated
	}

	r.resolved[name] = op
	return op, nil
}

// Evaluate looks up the named operator and applies it
func (r *OperatorRegistry) Evaluate(name string, factValue, compareValue any) (bool, error) {
	op, err := r.Get(name)
	if err != nil {
		return false, err
	}
	return op.Evaluate(factValue, compareValue), nil
}

package rules

import (
	"fmt"
	"sync"
)

// DecoratorFunc intercepts an operator evaluation. next is the wrapped
// operator's Evaluate, validator included.
type DecoratorFunc func(factValue, compareValue any, next Predicate) bool

// Decorator turns an operator into a new operator named "<decorator>:<operator>"
type Decorator struct {
	name     string
	callback DecoratorFunc
	validate Validator
}

// NewDecorator creates a decorator. A nil validator accepts every fact value.
func NewDecorator(name string, callback DecoratorFunc, validator Validator) (*Decorator, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: decorator name is required", ErrInvalidOperator)
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: decorator %q requires a callback", ErrInvalidOperator, name)
	}
	if validator == nil {
		validator = acceptAll
	}
	return &Decorator{name: name, callback: callback, validate: validator}, nil
}

// Name returns the decorator name
func (d *Decorator) Name() string {
	return d.name
}

// Decorate wraps base in a new operator
func (d *Decorator) Decorate(base *Operator) *Operator {
	next := base.Evaluate
	callback := d.callback
	return &Operator{
		name: d.name + ":" + base.name,
		predicate: func(factValue, compareValue any) bool {
			return callback(factValue, compareValue, next)
		},
		validate: d.validate,
	}
}

// DecoratorRegistry maps decorator names to decorators
type DecoratorRegistry struct {
	decorators map[string]*Decorator
	mu         sync.RWMutex
}

// NewDecoratorRegistry creates an empty decorator registry
func NewDecoratorRegistry() *DecoratorRegistry {
	return &DecoratorRegistry{decorators: make(map[string]*Decorator)}
}

// Register creates and adds a decorator
func (r *DecoratorRegistry) Register(name string, callback DecoratorFunc, validator Validator) error {
	d, err := NewDecorator(name, callback, validator)
	if err != nil {
		return err
	}
	r.Add(d)
	return nil
}

// Add adds a decorator, replacing any decorator with the same name
func (r *DecoratorRegistry) Add(d *Decorator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decorators[d.name] = d
}

// Remove removes a decorator. It reports whether the decorator existed.
func (r *DecoratorRegistry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.decorators[name]; !exists {
		return false
	}
	delete(r.decorators, name)
	return true
}

// Get returns the named decorator
func (r *DecoratorRegistry) Get(name string) (*Decorator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.decorators[name]
	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecorator, name)
	}
	return d, nil
}

// Apply decorates base with the named decorator
func (r *DecoratorRegistry) Apply(name string, base *Operator) (*Operator, error) {
	d, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return d.Decorate(base), nil
}

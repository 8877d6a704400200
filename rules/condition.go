package rules

import (
	"context"
	"encoding/json"
)

// Keys of the condition definition grammar
const (
	keyAll       = "all"
	keyAny       = "any"
	keyNot       = "not"
	keyCondition = "condition"
	keyFact      = "fact"
	keyOperator  = "operator"
	keyValue     = "value"
	keyParams    = "params"
	keyPath      = "path"
	keyName      = "name"
	keyPriority  = "priority"

	// neverOperator marks the constant-false condition {"operator": "never"}
	neverOperator = "never"
)

// Condition is a node of a rule's boolean condition tree. The set of
// implementations is closed: AllCondition, AnyCondition, NotCondition,
// NeverCondition, ReferenceCondition and ComparisonCondition.
type Condition interface {
	// Name returns the optional node name
	Name() string

	// Priority returns the explicit node priority, or 0 when none was given
	Priority() int

	// Definition returns the node in the definition grammar accepted by Builder
	Definition() map[string]any

	json.Marshaler

	evaluate(ctx context.Context, ev *Evaluator) (*Result, error)
}

// meta holds the properties every node may carry
type meta struct {
	name     string
	priority int
}

func (m meta) Name() string { return m.name }

func (m meta) Priority() int { return m.priority }

func (m meta) decorate(def map[string]any) map[string]any {
	if m.name != "" {
		def[keyName] = m.name
	}
	if m.priority != 0 {
		def[keyPriority] = m.priority
	}
	return def
}

// AllCondition holds when every child holds. An empty list holds.
type AllCondition struct {
	meta
	children []Condition
}

// Conditions returns the child conditions
func (c *AllCondition) Conditions() []Condition { return c.children }

// Definition implements Condition
func (c *AllCondition) Definition() map[string]any {
	return c.decorate(map[string]any{keyAll: definitions(c.children)})
}

// MarshalJSON implements json.Marshaler
func (c *AllCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

// AnyCondition holds when at least one child holds. An empty list also
// holds, mirroring AllCondition; existing rule sets depend on this.
type AnyCondition struct {
	meta
	children []Condition
}

// Conditions returns the child conditions
func (c *AnyCondition) Conditions() []Condition { return c.children }

// Definition implements Condition
func (c *AnyCondition) Definition() map[string]any {
	return c.decorate(map[string]any{keyAny: definitions(c.children)})
}

// MarshalJSON implements json.Marshaler
func (c *AnyCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

// NotCondition negates its child
type NotCondition struct {
	meta
	child Condition
}

// Condition returns the negated condition
func (c *NotCondition) Condition() Condition { return c.child }

// Definition implements Condition
func (c *NotCondition) Definition() map[string]any {
	return c.decorate(map[string]any{keyNot: c.child.Definition()})
}

// MarshalJSON implements json.Marshaler
func (c *NotCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

// NeverCondition never holds. Its priority is always 1.
type NeverCondition struct {
	name string
}

// Name implements Condition
func (c *NeverCondition) Name() string { return c.name }

// Priority implements Condition
func (c *NeverCondition) Priority() int { return 1 }

// Definition implements Condition
func (c *NeverCondition) Definition() map[string]any {
	def := map[string]any{keyOperator: neverOperator}
	if c.name != "" {
		def[keyName] = c.name
	}
	return def
}

// MarshalJSON implements json.Marshaler
func (c *NeverCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

// ReferenceCondition delegates to a named condition supplied at evaluation time
type ReferenceCondition struct {
	meta
	reference string
}

// Reference returns the name of the referenced condition
func (c *ReferenceCondition) Reference() string { return c.reference }

// Definition implements Condition
func (c *ReferenceCondition) Definition() map[string]any {
	return c.decorate(map[string]any{keyCondition: c.reference})
}

// MarshalJSON implements json.Marshaler
func (c *ReferenceCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

// FactReference is a compare value read from another fact at evaluation time
type FactReference struct {
	Fact   string
	Params map[string]any
	Path   string
}

func (r *FactReference) definition() map[string]any {
	def := map[string]any{keyFact: r.Fact}
	if r.Params != nil {
		def[keyParams] = r.Params
	}
	if r.Path != "" {
		def[keyPath] = r.Path
	}
	return def
}

// ComparisonCondition compares a fact value with a compare value using an operator
type ComparisonCondition struct {
	meta
	fact     string
	params   map[string]any
	path     string
	operator string
	value    any
	valueRef *FactReference
}

// Fact returns the fact id
func (c *ComparisonCondition) Fact() string { return c.fact }

// Params returns the fact parameters
func (c *ComparisonCondition) Params() map[string]any { return c.params }

// Path returns the extraction path applied to the fact value
func (c *ComparisonCondition) Path() string { return c.path }

// Operator returns the operator name, possibly decorated ("not:in")
func (c *ComparisonCondition) Operator() string { return c.operator }

// Value returns the literal compare value, or nil when it references a fact
func (c *ComparisonCondition) Value() any { return c.value }

// ValueFact returns the fact the compare value is read from, if any
func (c *ComparisonCondition) ValueFact() *FactReference { return c.valueRef }

// Definition implements Condition
func (c *ComparisonCondition) Definition() map[string]any {
	def := map[string]any{
		keyFact:     c.fact,
		keyOperator: c.operator,
		keyValue:    c.value,
	}
	if c.valueRef != nil {
		def[keyValue] = c.valueRef.definition()
	}
	if c.params != nil {
		def[keyParams] = c.params
	}
	if c.path != "" {
		def[keyPath] = c.path
	}
	return c.decorate(def)
}

// MarshalJSON implements json.Marshaler
func (c *ComparisonCondition) MarshalJSON() ([]byte, error) { return json.Marshal(c.Definition()) }

func definitions(conditions []Condition) []any {
	defs := make([]any, len(conditions))
	for i, c := range conditions {
		defs[i] = c.Definition()
	}
	return defs
}

package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"
)

// Builder constructs condition trees from their definition grammar:
//
//	{"all": [...]}, {"any": [...]}, {"not": {...}}, {"operator": "never"},
//	{"condition": "<name>"}, {"fact": ..., "operator": ..., "value": ..., "params"?: {...}, "path"?: "..."}
//
// Every node may also carry "name" and "priority". All validation happens at
// build time, including operator and decorator lookups.
type Builder struct {
	operators *OperatorRegistry
}

// NewBuilder creates a builder that validates operator names against operators.
// A nil registry skips operator validation.
func NewBuilder(operators *OperatorRegistry) *Builder {
	return &Builder{operators: operators}
}

// Parse builds a condition from its JSON definition
func (b *Builder) Parse(data []byte) (Condition, error) {
	var def map[string]any
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, &ConditionError{Reason: "malformed JSON", Cause: err}
	}
	return b.Build(def)
}

// Build builds a condition from a decoded definition
func (b *Builder) Build(def map[string]any) (Condition, error) {
	return b.build(def, "")
}

func (b *Builder) build(def map[string]any, path string) (Condition, error) {
	if def == nil {
		return nil, &ConditionError{Path: path, Reason: "condition definition required"}
	}

	m, err := buildMeta(def, path)
	if err != nil {
		return nil, err
	}

	kind, err := conditionKind(def, path)
	if err != nil {
		return nil, err
	}

	switch kind {
	case keyAll:
		children, err := b.buildChildren(def[keyAll], join(path, keyAll))
		if err != nil {
			return nil, err
		}
		return &AllCondition{meta: m, children: children}, nil

	case keyAny:
		children, err := b.buildChildren(def[keyAny], join(path, keyAny))
		if err != nil {
			return nil, err
		}
		return &AnyCondition{meta: m, children: children}, nil

	case keyNot:
		childDef, ok := asObject(def[keyNot])
		if !ok {
			return nil, &ConditionError{Path: path, Reason: `"not" must be a single condition object`}
		}
		child, err := b.build(childDef, join(path, keyNot))
		if err != nil {
			return nil, err
		}
		return &NotCondition{meta: m, child: child}, nil

	case keyCondition:
		name, ok := def[keyCondition].(string)
		if !ok || name == "" {
			return nil, &ConditionError{Path: path, Reason: `"condition" must be a non-empty condition name`}
		}
		return &ReferenceCondition{meta: m, reference: name}, nil

	case neverOperator:
		return &NeverCondition{name: m.name}, nil

	default:
		return b.buildComparison(def, m, path)
	}
}

// conditionKind returns which variant def describes
func conditionKind(def map[string]any, path string) (string, error) {
	var kinds []string
	for _, key := range []string{keyAll, keyAny, keyNot, keyCondition} {
		if _, ok := def[key]; ok {
			kinds = append(kinds, key)
		}
	}
	_, hasFact := def[keyFact]
	if hasFact {
		kinds = append(kinds, keyFact)
	}
	if op, ok := def[keyOperator].(string); ok && op == neverOperator && !hasFact {
		kinds = append(kinds, neverOperator)
	}

	switch len(kinds) {
	case 0:
		if _, ok := def[keyOperator]; ok {
			return "", &ConditionError{Path: path, Reason: `"fact" property required`}
		}
		return "", &ConditionError{Path: path, Reason: "condition must contain one of all, any, not, condition or fact"}
	case 1:
		return kinds[0], nil
	default:
		return "", &ConditionError{Path: path, Reason: fmt.Sprintf("condition must contain exactly one of all, any, not, condition or fact, found %s", strings.Join(kinds, ", "))}
	}
}

func (b *Builder) buildChildren(raw any, path string) ([]Condition, error) {
	items, ok := raw.([]any)
	if !ok {
		if typed, isTyped := raw.([]map[string]any); isTyped {
			items = make([]any, len(typed))
			for i, item := range typed {
				items[i] = item
			}
		} else {
			key := path[strings.LastIndexByte(path, '.')+1:]
			return nil, &ConditionError{Path: path, Reason: fmt.Sprintf("%q must be an array", key)}
		}
	}

	children := make([]Condition, 0, len(items))
	for i, item := range items {
		childPath := fmt.Sprintf("%s[%d]", path, i)
		childDef, ok := asObject(item)
		if !ok {
			return nil, &ConditionError{Path: childPath, Reason: "condition must be an object"}
		}
		child, err := b.build(childDef, childPath)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

func (b *Builder) buildComparison(def map[string]any, m meta, path string) (Condition, error) {
	fact, ok := def[keyFact].(string)
	if !ok || fact == "" {
		return nil, &ConditionError{Path: path, Reason: `"fact" must be a non-empty string`}
	}
	operator, ok := def[keyOperator].(string)
	if !ok || operator == "" {
		return nil, &ConditionError{Path: path, Reason: `"operator" property required`}
	}
	value, ok := def[keyValue]
	if !ok {
		return nil, &ConditionError{Path: path, Reason: `"value" property required`}
	}

	c := &ComparisonCondition{meta: m, fact: fact, operator: operator, value: value}

	if raw, ok := def[keyParams]; ok && raw != nil {
		params, ok := asObject(raw)
		if !ok {
			return nil, &ConditionError{Path: path, Reason: `"params" must be an object`}
		}
		c.params = params
	}
	if raw, ok := def[keyPath]; ok && raw != nil {
		p, ok := raw.(string)
		if !ok {
			return nil, &ConditionError{Path: path, Reason: `"path" must be a string`}
		}
		c.path = p
	}

	if ref, ok, err := factReference(value, path); err != nil {
		return nil, err
	} else if ok {
		c.value = nil
		c.valueRef = ref
	}

	if b.operators != nil {
		if _, err := b.operators.Get(operator); err != nil {
			return nil, &ConditionError{Path: path, Reason: fmt.Sprintf("cannot resolve operator %q", operator), Cause: err}
		}
	}
	return c, nil
}

// factReference recognises compare values of the form {"fact": "id", ...}
func factReference(value any, path string) (*FactReference, bool, error) {
	obj, ok := asObject(value)
	if !ok {
		return nil, false, nil
	}
	raw, ok := obj[keyFact]
	if !ok {
		return nil, false, nil
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return nil, false, &ConditionError{Path: join(path, keyValue), Reason: `"fact" must be a non-empty string`}
	}
	ref := &FactReference{Fact: id}
	if params, ok := asObject(obj[keyParams]); ok {
		ref.Params = params
	}
	if p, ok := obj[keyPath].(string); ok {
		ref.Path = p
	}
	return ref, true, nil
}

func buildMeta(def map[string]any, path string) (meta, error) {
	var m meta
	if raw, ok := def[keyName]; ok && raw != nil {
		name, ok := raw.(string)
		if !ok {
			return m, &ConditionError{Path: path, Reason: `"name" must be a string`}
		}
		m.name = name
	}
	if raw, ok := def[keyPriority]; ok && raw != nil {
		priority, err := parsePriority(raw)
		if err != nil {
			return m, &ConditionError{Path: path, Reason: "invalid priority", Cause: err}
		}
		m.priority = priority
	}
	return m, nil
}

// parsePriority accepts integral numbers and numeric strings greater than zero
func parsePriority(raw any) (int, error) {
	if _, isBool := raw.(bool); isBool {
		return 0, fmt.Errorf("priority must be a number, got %v", raw)
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("priority must be a number: %w", err)
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("priority must be an integer, got %v", raw)
	}
	if f < 1 {
		return 0, fmt.Errorf("priority must be greater than zero, got %v", raw)
	}
	return int(f), nil
}

func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok && m != nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

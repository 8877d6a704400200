package rules

import (
	"math"
	"math/big"
	"reflect"

	"github.com/spf13/cast"
)

// Names of the built-in operators
const (
	OperatorEqual                = "equal"
	OperatorNotEqual             = "notEqual"
	OperatorIn                   = "in"
	OperatorNotIn                = "notIn"
	OperatorContains             = "contains"
	OperatorDoesNotContain       = "doesNotContain"
	OperatorLessThan             = "lessThan"
	OperatorLessThanInclusive    = "lessThanInclusive"
	OperatorGreaterThan          = "greaterThan"
	OperatorGreaterThanInclusive = "greaterThanInclusive"
)

func defaultOperators() []*Operator {
	return []*Operator{
		mustOperator(OperatorEqual, valuesEqual, nil),
		mustOperator(OperatorNotEqual, func(a, b any) bool { return !valuesEqual(a, b) }, nil),
		mustOperator(OperatorIn, func(a, b any) bool { return sliceContains(b, a) }, nil),
		mustOperator(OperatorNotIn, func(a, b any) bool { return !sliceContains(b, a) }, nil),
		mustOperator(OperatorContains, func(a, b any) bool { return sliceContains(a, b) }, isArray),
		mustOperator(OperatorDoesNotContain, func(a, b any) bool { return !sliceContains(a, b) }, isArray),
		mustOperator(OperatorLessThan, numeric(func(a, b float64) bool { return a < b }), isNumber),
		mustOperator(OperatorLessThanInclusive, numeric(func(a, b float64) bool { return a <= b }), isNumber),
		mustOperator(OperatorGreaterThan, numeric(func(a, b float64) bool { return a > b }), isNumber),
		mustOperator(OperatorGreaterThanInclusive, numeric(func(a, b float64) bool { return a >= b }), isNumber),
	}
}

func mustOperator(name string, predicate Predicate, validator Validator) *Operator {
	op, err := NewOperator(name, predicate, validator)
	if err != nil {
		panic(err)
	}
	return op
}

// numeric adapts a comparison into a Predicate. Two Go integers are compared
// exactly; anything else goes through float64. Compare values that are not
// numbers never match.
func numeric(cmp func(a, b float64) bool) Predicate {
	return func(factValue, compareValue any) bool {
		if x, ok := exactInteger(factValue); ok {
			if y, ok := exactInteger(compareValue); ok {
				// cmp is monotonic, so comparing the sign of x-y against 0 is exact
				return cmp(float64(x.Cmp(y)), 0)
			}
		}
		a, ok := toNumber(factValue)
		if !ok {
			return false
		}
		b, ok := toNumber(compareValue)
		if !ok {
			return false
		}
		return cmp(a, b)
	}
}

// toNumber converts numbers and numeric strings to a finite float64
func toNumber(v any) (float64, bool) {
	switch v.(type) {
	case nil, bool:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isNumber(v any) bool {
	_, ok := toNumber(v)
	return ok
}

func isArray(v any) bool {
	if v == nil {
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

// isNumericKind reports whether v is a Go number (numeric strings excluded)
func isNumericKind(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// valuesEqual compares numbers by value regardless of their Go type and
// everything else with reflect.DeepEqual.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := exactInteger(a); ok {
		if y, ok := exactInteger(b); ok {
			return x.Cmp(y) == 0
		}
	}
	if isNumericKind(a) && isNumericKind(b) {
		fa, _ := toNumber(a)
		fb, _ := toNumber(b)
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// exactInteger returns v as a big.Int when v is a Go integer
func exactInteger(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	}
	return nil, false
}

// sliceContains reports whether list is an array holding elem
func sliceContains(list, elem any) bool {
	if !isArray(list) {
		return false
	}
	items := reflect.ValueOf(list)
	for i := 0; i < items.Len(); i++ {
		if valuesEqual(items.Index(i).Interface(), elem) {
			return true
		}
	}
	return false
}

// toSlice returns the elements of an array value
func toSlice(v any) ([]any, bool) {
	if !isArray(v) {
		return nil, false
	}
	items := reflect.ValueOf(v)
	out := make([]any, items.Len())
	for i := range out {
		out[i] = items.Index(i).Interface()
	}
	return out, true
}

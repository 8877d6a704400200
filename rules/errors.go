package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors returned (possibly wrapped) by the rules package
var (
	// ErrInvalidOperator indicates an operator or decorator was registered with
	// an empty name or a nil callback.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrUnknownOperator indicates a condition referenced an operator that is not registered.
	ErrUnknownOperator = errors.New("unknown operator")

	// ErrUnknownDecorator indicates a compound operator name used an unregistered decorator.
	ErrUnknownDecorator = errors.New("unknown operator decorator")

	// ErrInvalidFact indicates a fact definition is malformed.
	ErrInvalidFact = errors.New("invalid fact")

	// ErrUndefinedFact indicates a fact id has neither a runtime value nor a definition.
	ErrUndefinedFact = errors.New("undefined fact")

	// ErrCircularFact indicates a computed fact depends on its own value.
	ErrCircularFact = errors.New("circular fact dependency")

	// ErrInvalidCondition indicates a condition definition could not be built.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrMissingConditionMap indicates a condition reference was evaluated
	// without any named conditions to resolve it against.
	ErrMissingConditionMap = errors.New("missing condition map")

	// ErrUndefinedCondition indicates a condition reference names an unknown condition.
	ErrUndefinedCondition = errors.New("undefined condition")

	// ErrCircularReference indicates a condition reference resolves back to itself.
	ErrCircularReference = errors.New("circular condition reference")

	// ErrInvalidRule indicates a rule definition is malformed.
	ErrInvalidRule = errors.New("invalid rule")
)

// UndefinedFactError reports the id of a fact that could not be resolved.
type UndefinedFactError struct {
	FactID string
}

// Error returns the error message.
func (e *UndefinedFactError) Error() string {
	return fmt.Sprintf("undefined fact: %s", e.FactID)
}

// Unwrap returns ErrUndefinedFact.
func (e *UndefinedFactError) Unwrap() error {
	return ErrUndefinedFact
}

// UndefinedConditionError reports a condition reference that could not be resolved.
type UndefinedConditionError struct {
	Name string
}

// Error returns the error message.
func (e *UndefinedConditionError) Error() string {
	return fmt.Sprintf("no condition %s exists", e.Name)
}

// Unwrap returns ErrUndefinedCondition.
func (e *UndefinedConditionError) Unwrap() error {
	return ErrUndefinedCondition
}

// ConditionError describes why a condition definition could not be built.
// Path locates the offending node, e.g. "all[1].not".
type ConditionError struct {
	Path   string
	Reason string
	Cause  error
}

// Error returns the error message.
func (e *ConditionError) Error() string {
	path := e.Path
	if path == "" {
		path = "<root>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("condition %s: %s: %v", path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("condition %s: %s", path, e.Reason)
}

// Unwrap returns ErrInvalidCondition and the underlying cause, if any.
func (e *ConditionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidCondition, e.Cause}
	}
	return []error{ErrInvalidCondition}
}

package rules

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// expressionCostLimit bounds the work a single expression evaluation may do
const expressionCostLimit = 1000000

// paramsVariable exposes fact parameters to expressions
const paramsVariable = "params"

// ExpressionEnv compiles CEL expressions whose variables are facts. It
// backs derived facts such as "isAdult = age >= 18".
type ExpressionEnv struct {
	env       *cel.Env
	variables []string
}

// NewExpressionEnv creates an environment declaring one dynamically typed
// variable per fact id plus "params", the parameters the derived fact was
// requested with.
func NewExpressionEnv(factIDs []string) (*ExpressionEnv, error) {
	opts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
		cel.Variable(paramsVariable, cel.MapType(cel.StringType, cel.DynType)),
	}
	variables := make([]string, 0, len(factIDs))
	for _, id := range factIDs {
		if id == paramsVariable || slices.Contains(variables, id) {
			continue
		}
		opts = append(opts, cel.Variable(id, cel.DynType))
		variables = append(variables, id)
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionEnv{env: env, variables: variables}, nil
}

// Compile checks an expression and returns its program
func (e *ExpressionEnv) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	prog, err := e.env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

type expressionChainKey struct{}

// Fact creates a computed fact whose value is the result of expression.
// Other facts are read from the almanac only when the expression uses them.
func (e *ExpressionEnv) Fact(id, expression string, opts ...FactOption) (*Fact, error) {
	prog, err := e.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("fact %s: %w", id, err)
	}

	compute := func(ctx context.Context, params map[string]any, almanac *Almanac) (any, error) {
		chain, _ := ctx.Value(expressionChainKey{}).([]string)
		if slices.Contains(chain, id) {
			return nil, fmt.Errorf("%w: %v", ErrCircularFact, append(chain, id))
		}
		ctx = context.WithValue(ctx, expressionChainKey{}, append(slices.Clip(chain), id))

		if params == nil {
			params = map[string]any{}
		}
		var resolveErr error
		bindings := map[string]any{paramsVariable: params}
		for _, name := range e.variables {
			if name == id {
				continue
			}
			bindings[name] = func() any {
				v, err := almanac.FactValue(ctx, name, nil, "")
				if err != nil && resolveErr == nil {
					resolveErr = err
				}
				return v
			}
		}

		out, _, err := prog.ContextEval(ctx, bindings)
		if resolveErr != nil {
			return nil, fmt.Errorf("fact %s: %w", id, resolveErr)
		}
		if err != nil {
			return nil, fmt.Errorf("fact %s: evaluation error: %w", id, err)
		}
		if out.Type() == types.NullType {
			return nil, nil
		}
		return out.Value(), nil
	}

	return NewFact(id, compute, opts...)
}

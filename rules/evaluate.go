package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"
)

// ConditionMap resolves condition references by name
type ConditionMap map[string]Condition

// Evaluator evaluates condition trees against one almanac
type Evaluator struct {
	Almanac   *Almanac
	Operators *OperatorRegistry

	// Conditions resolves ReferenceCondition nodes
	Conditions ConditionMap

	// AllowUndefinedConditions makes references to unknown names evaluate
	// to false instead of failing.
	AllowUndefinedConditions bool

	Logger *slog.Logger
}

// Evaluate evaluates c against almanac using operators, resolving
// references through conditions (which may be nil when c has none).
func Evaluate(ctx context.Context, c Condition, almanac *Almanac, operators *OperatorRegistry, conditions ConditionMap) (*Result, error) {
	ev := &Evaluator{Almanac: almanac, Operators: operators, Conditions: conditions}
	return ev.Evaluate(ctx, c)
}

// Evaluate evaluates c. Any fact resolution or lookup failure aborts the
// evaluation and is returned unchanged or wrapped.
func (ev *Evaluator) Evaluate(ctx context.Context, c Condition) (*Result, error) {
	if c == nil {
		return nil, errors.New("condition is required")
	}
	if ev.Almanac == nil {
		return nil, errors.New("almanac is required")
	}
	if ev.Operators == nil {
		return nil, errors.New("operator registry is required")
	}
	if ev.Logger == nil {
		copied := *ev
		copied.Logger = slog.Default()
		ev = &copied
	}
	return c.evaluate(ctx, ev)
}

func (c *AllCondition) evaluate(ctx context.Context, ev *Evaluator) (*Result, error) {
	res := &Result{Kind: ResultAll, Name: c.name, Priority: c.priority, Result: true}
	if len(c.children) == 0 {
		return res, nil
	}
	children, decided, err := ev.runBatches(ctx, c.children, false)
	if err != nil {
		return nil, err
	}
	res.Children = children
	res.Result = !decided
	return res, nil
}

func (c *AnyCondition) evaluate(ctx context.Context, ev *Evaluator) (*Result, error) {
	res := &Result{Kind: ResultAny, Name: c.name, Priority: c.priority, Result: true}
	if len(c.children) == 0 {
		return res, nil
	}
	children, decided, err := ev.runBatches(ctx, c.children, true)
	if err != nil {
		return nil, err
	}
	res.Children = children
	res.Result = decided
	return res, nil
}

// runBatches evaluates conditions batch by batch in ascending priority.
// Children of a batch run concurrently. It stops after the first batch in
// which some child evaluates to stopOn and reports decided=true; later
// batches are never started.
func (ev *Evaluator) runBatches(ctx context.Context, conditions []Condition, stopOn bool) (results []*Result, decided bool, err error) {
	for _, batch := range GroupByPriority(conditions, ev.Almanac) {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		batchResults := make([]*Result, len(batch))
		if len(batch) == 1 {
			batchResults[0], err = batch[0].evaluate(ctx, ev)
			if err != nil {
				return nil, false, err
			}
		} else {
			g, gctx := errgroup.WithContext(ctx)
			for i, c := range batch {
				g.Go(func() error {
					r, err := c.evaluate(gctx, ev)
					if err != nil {
						return err
					}
					batchResults[i] = r
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return nil, false, err
			}
		}

		results = append(results, batchResults...)
		if slices.ContainsFunc(batchResults, func(r *Result) bool { return r.Result == stopOn }) {
			return results, true, nil
		}
	}
	return results, false, nil
}

func (c *NotCondition) evaluate(ctx context.Context, ev *Evaluator) (*Result, error) {
	child, err := c.child.evaluate(ctx, ev)
	if err != nil {
		return nil, err
	}
	return &Result{
		Kind:     ResultNot,
		Name:     c.name,
		Priority: c.priority,
		Result:   !child.Result,
		Children: []*Result{child},
	}, nil
}

func (c *NeverCondition) evaluate(context.Context, *Evaluator) (*Result, error) {
	return &Result{Kind: ResultNever, Name: c.name, Result: false}, nil
}

type referenceChainKey struct{}

func (c *ReferenceCondition) evaluate(ctx context.Context, ev *Evaluator) (*Result, error) {
	if len(ev.Conditions) == 0 {
		return nil, fmt.Errorf("%w: cannot resolve condition %q", ErrMissingConditionMap, c.reference)
	}

	res := &Result{Kind: ResultReference, Name: c.name, Priority: c.priority, Reference: c.reference}

	target, ok := ev.Conditions[c.reference]
	if !ok {
		if ev.AllowUndefinedConditions {
			ev.Logger.Debug("undefined condition evaluated as false", "condition", c.reference)
			return res, nil
		}
		return nil, &UndefinedConditionError{Name: c.reference}
	}

	chain, _ := ctx.Value(referenceChainKey{}).([]string)
	if slices.Contains(chain, c.reference) {
		return nil, fmt.Errorf("%w: %v -> %s", ErrCircularReference, chain, c.reference)
	}
	ctx = context.WithValue(ctx, referenceChainKey{}, append(slices.Clip(chain), c.reference))

	resolved, err := target.evaluate(ctx, ev)
	if err != nil {
		return nil, err
	}
	res.Result = resolved.Result
	res.Children = []*Result{resolved}
	return res, nil
}

func (c *ComparisonCondition) evaluate(ctx context.Context, ev *Evaluator) (*Result, error) {
	factValue, err := ev.Almanac.FactValue(ctx, c.fact, c.params, c.path)
	if err != nil {
		return nil, err
	}

	compareValue := c.value
	definedValue := c.value
	if c.valueRef != nil {
		definedValue = c.valueRef.definition()
		compareValue, err = ev.Almanac.FactValue(ctx, c.valueRef.Fact, c.valueRef.Params, c.valueRef.Path)
		if err != nil {
			return nil, err
		}
	}

	matched, err := ev.Operators.Evaluate(c.operator, factValue, compareValue)
	if err != nil {
		return nil, fmt.Errorf("condition on fact %s: %w", c.fact, err)
	}

	ev.Logger.Debug("condition evaluated",
		"fact", c.fact,
		"operator", c.operator,
		"fact_value", factValue,
		"compare_value", compareValue,
		"result", matched,
	)

	return &Result{
		Kind:        ResultComparison,
		Name:        c.name,
		Priority:    c.priority,
		Result:      matched,
		Fact:        c.fact,
		Params:      c.params,
		Path:        c.path,
		Operator:    c.operator,
		Value:       definedValue,
		FactResult:  factValue,
		ValueResult: compareValue,
	}, nil
}

package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// EngineConfig holds engine options
type EngineConfig struct {
	// AllowUndefinedFacts resolves unknown facts to nil instead of failing the rule
	AllowUndefinedFacts bool

	// AllowUndefinedConditions evaluates references to unknown named
	// conditions as false instead of failing the rule
	AllowUndefinedConditions bool

	// PathResolver replaces the default JSONPath resolver when set
	PathResolver PathResolver

	// Recorder receives fact and rule telemetry when set
	Recorder Recorder

	Logger *slog.Logger
	Cache  CacheConfig
}

// DefaultEngineConfig returns the default engine options
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Cache: DefaultCacheConfig(),
	}
}

// Engine evaluates stored rules against facts. Registered facts, named
// conditions and operators are shared by every run; each run gets its own
// almanac, so computed facts are cached per run and shared across rules.
type Engine struct {
	config     EngineConfig
	operators  *OperatorRegistry
	builder    *Builder
	store      RuleStore
	cache      RulesCache
	facts      map[string]*Fact
	conditions ConditionMap
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewEngine creates a rules engine with the default configuration
func NewEngine(store RuleStore) (*Engine, error) {
	return NewEngineWithConfig(DefaultEngineConfig(), store)
}

// NewEngineWithConfig creates a rules engine with custom options
func NewEngineWithConfig(config EngineConfig, store RuleStore) (*Engine, error) {
	if store == nil {
		return nil, errors.New("rule store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	operators := DefaultOperatorRegistry()

	en := &Engine{
		config:     config,
		operators:  operators,
		builder:    NewBuilder(operators),
		store:      store,
		cache:      NewInMemoryRulesCache(config.Cache),
		facts:      make(map[string]*Fact),
		conditions: make(ConditionMap),
		logger:     logger,
	}

	if _, err := en.loadBatches(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	return en, nil
}

// Operators returns the engine's operator registry
func (en *Engine) Operators() *OperatorRegistry {
	return en.operators
}

// AddOperator registers a custom operator, replacing any with the same name
func (en *Engine) AddOperator(name string, predicate Predicate, validator Validator) error {
	return en.operators.Register(name, predicate, validator)
}

// RemoveOperator unregisters an operator
func (en *Engine) RemoveOperator(name string) bool {
	return en.operators.Remove(name)
}

// AddOperatorDecorator registers a custom decorator, replacing any with the same name
func (en *Engine) AddOperatorDecorator(name string, callback DecoratorFunc, validator Validator) error {
	return en.operators.RegisterDecorator(name, callback, validator)
}

// RemoveOperatorDecorator unregisters a decorator
func (en *Engine) RemoveOperatorDecorator(name string) bool {
	return en.operators.RemoveDecorator(name)
}

// AddFact registers a fact available to every run
func (en *Engine) AddFact(f *Fact) error {
	if f == nil || f.ID() == "" {
		return fmt.Errorf("%w: fact id is required", ErrInvalidFact)
	}
	en.mu.Lock()
	defer en.mu.Unlock()

	en.facts[f.ID()] = f
	return nil
}

// RemoveFact unregisters a fact
func (en *Engine) RemoveFact(id string) bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	_, ok := en.facts[id]
	delete(en.facts, id)
	return ok
}

// SetCondition builds and stores a named condition that rules can
// reference with {"condition": name}
func (en *Engine) SetCondition(name string, definition map[string]any) error {
	if name == "" {
		return &ConditionError{Reason: "condition name is required"}
	}
	c, err := en.builder.Build(definition)
	if err != nil {
		return fmt.Errorf("condition %s: %w", name, err)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	en.conditions[name] = c
	return nil
}

// RemoveCondition removes a named condition
func (en *Engine) RemoveCondition(name string) bool {
	en.mu.Lock()
	defer en.mu.Unlock()

	_, ok := en.conditions[name]
	delete(en.conditions, name)
	return ok
}

// BuildRule validates a rule definition and builds its condition tree.
// A missing ID is generated and a missing priority defaults to 1.
func (en *Engine) BuildRule(def RuleDefinition) (*Rule, error) {
	if def.Conditions == nil {
		return nil, fmt.Errorf("%w: conditions are required", ErrInvalidRule)
	}
	if def.Priority < 0 {
		return nil, fmt.Errorf("%w: priority must be greater than zero, got %d", ErrInvalidRule, def.Priority)
	}

	conditions, err := en.builder.Build(def.Conditions)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRule, err)
	}
	switch conditions.(type) {
	case *AllCondition, *AnyCondition, *NotCondition, *ReferenceCondition:
	default:
		return nil, fmt.Errorf("%w: root condition must be all, any, not or a condition reference", ErrInvalidRule)
	}

	rule := &Rule{
		ID:         def.ID,
		Name:       def.Name,
		Priority:   def.Priority,
		Conditions: conditions,
		Event:      def.Event,
		Active:     def.Active == nil || *def.Active,
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	if rule.Priority == 0 {
		rule.Priority = DefaultPriority
	}
	return rule, nil
}

// AddRule validates a rule and adds it to the store
func (en *Engine) AddRule(r *Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := en.store.Add(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// UpdateRule validates a rule and replaces the stored rule with the same ID
func (en *Engine) UpdateRule(r *Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := en.store.Update(r); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// DeleteRule removes a rule from the store
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}
	en.cache.Invalidate()
	return nil
}

// Rules returns the active rules, highest priority first
func (en *Engine) Rules() ([]*Rule, error) {
	batches, err := en.loadBatches()
	if err != nil {
		return nil, err
	}
	var out []*Rule
	for _, batch := range batches {
		out = append(out, batch...)
	}
	return out, nil
}

func validateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidRule)
	}
	if r.Conditions == nil {
		return fmt.Errorf("%w: rule %s has no conditions", ErrInvalidRule, r.ID)
	}
	if r.Priority < 1 {
		return fmt.Errorf("%w: rule %s priority must be greater than zero, got %d", ErrInvalidRule, r.ID, r.Priority)
	}
	return nil
}

// NewAlmanac creates the almanac for one run: the engine's registered facts
// plus facts as runtime values
func (en *Engine) NewAlmanac(facts map[string]any) *Almanac {
	opts := []AlmanacOption{
		WithRuntimeFacts(facts),
		WithPathResolver(en.config.PathResolver),
		WithRecorder(en.config.Recorder),
		WithLogger(en.logger),
	}
	if en.config.AllowUndefinedFacts {
		opts = append(opts, WithAllowUndefinedFacts())
	}
	almanac := NewAlmanac(opts...)

	en.mu.RLock()
	defer en.mu.RUnlock()
	for _, f := range en.facts {
		_ = almanac.AddFact(f)
	}
	return almanac
}

// Evaluate evaluates a single rule against facts. A failing rule returns
// both the result, with Error set, and the error.
func (en *Engine) Evaluate(ctx context.Context, ruleID string, facts map[string]any) (*EvaluationResult, error) {
	rule, err := en.store.Get(ruleID)
	if err != nil {
		return nil, err
	}
	result := en.evaluateRule(ctx, rule, en.NewAlmanac(facts), en.conditionSnapshot())
	return result, result.Error
}

// EvaluateAll evaluates every active rule against facts and returns one
// result per rule, highest priority first. Rules sharing a priority run
// concurrently; a failing rule is reported in its result and does not stop
// the others. All rules of a run share one almanac.
func (en *Engine) EvaluateAll(ctx context.Context, facts map[string]any) ([]*EvaluationResult, error) {
	batches, err := en.loadBatches()
	if err != nil {
		return nil, err
	}
	return en.run(ctx, batches, facts)
}

// EvaluateRules is EvaluateAll restricted to the active rules with the
// given IDs. An unknown or inactive ID is an error and nothing is evaluated.
func (en *Engine) EvaluateRules(ctx context.Context, facts map[string]any, ruleIDs ...string) ([]*EvaluationResult, error) {
	batches, err := en.loadBatches()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		wanted[id] = false
	}
	var selected [][]*Rule
	for _, batch := range batches {
		var keep []*Rule
		for _, rule := range batch {
			if _, ok := wanted[rule.ID]; ok {
				wanted[rule.ID] = true
				keep = append(keep, rule)
			}
		}
		if len(keep) > 0 {
			selected = append(selected, keep)
		}
	}
	for _, id := range ruleIDs {
		if !wanted[id] {
			return nil, fmt.Errorf("rule with ID %s not found", id)
		}
	}
	return en.run(ctx, selected, facts)
}

func (en *Engine) run(ctx context.Context, batches [][]*Rule, facts map[string]any) ([]*EvaluationResult, error) {
	almanac := en.NewAlmanac(facts)
	conditions := en.conditionSnapshot()
	logger := en.logger.With("run_id", almanac.ID())

	var results []*EvaluationResult
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batchResults := make([]*EvaluationResult, len(batch))
		var g errgroup.Group
		for i, rule := range batch {
			g.Go(func() error {
				batchResults[i] = en.evaluateRule(ctx, rule, almanac, conditions)
				return nil
			})
		}
		_ = g.Wait()
		results = append(results, batchResults...)
	}

	logger.Debug("rules evaluated", "rules", len(results))
	return results, nil
}

func (en *Engine) evaluateRule(ctx context.Context, rule *Rule, almanac *Almanac, conditions ConditionMap) *EvaluationResult {
	start := time.Now()
	ev := &Evaluator{
		Almanac:                  almanac,
		Operators:                en.operators,
		Conditions:               conditions,
		AllowUndefinedConditions: en.config.AllowUndefinedConditions,
		Logger:                   en.logger,
	}

	res, err := ev.Evaluate(ctx, rule.Conditions)
	result := &EvaluationResult{RuleID: rule.ID, RuleName: rule.Name}
	if err != nil {
		result.Error = fmt.Errorf("rule %s: %w", rule.Name, err)
		en.logger.Warn("rule evaluation failed", "rule", rule.Name, "run_id", almanac.ID(), "error", err)
	} else {
		result.Conditions = res
		result.Matched = res.Result
		if res.Result {
			event := rule.Event
			result.Event = &event
		}
	}

	if en.config.Recorder != nil {
		en.config.Recorder.RuleEvaluated(rule.Name, result.Matched, result.Error, time.Since(start))
	}
	return result
}

// loadBatches returns the active rules grouped by descending priority,
// from cache when possible
func (en *Engine) loadBatches() ([][]*Rule, error) {
	if batches := en.cache.Get(); batches != nil {
		return batches, nil
	}

	rules, err := en.store.ListActive()
	if err != nil {
		return nil, err
	}
	batches := groupRules(rules)
	en.cache.Set(batches)
	return batches, nil
}

// groupRules splits rules sorted by descending priority into batches of equal priority
func groupRules(rules []*Rule) [][]*Rule {
	sorted := append([]*Rule(nil), rules...)
	sortRules(sorted)

	batches := [][]*Rule{}
	for _, rule := range sorted {
		n := len(batches)
		if n > 0 && batches[n-1][0].Priority == rule.Priority {
			batches[n-1] = append(batches[n-1], rule)
			continue
		}
		batches = append(batches, []*Rule{rule})
	}
	return batches
}

func (en *Engine) conditionSnapshot() ConditionMap {
	en.mu.RLock()
	defer en.mu.RUnlock()

	snapshot := make(ConditionMap, len(en.conditions))
	for name, c := range en.conditions {
		snapshot[name] = c
	}
	return snapshot
}

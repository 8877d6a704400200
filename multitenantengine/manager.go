package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/liamcoop/rules/rules"
)

// ErrTenantNotFound is returned for unknown tenant IDs
var ErrTenantNotFound = errors.New("tenant not found")

// MetricsRecorder receives per-tenant metrics
type MetricsRecorder interface {
	Recorder(tenant string) rules.Recorder
	SetTenantsLoaded(n int)
	RecordReload(tenant string, err error)
}

// ManagerConfig holds the options shared by every tenant engine
type ManagerConfig struct {
	// Dir holds one <tenant>.yaml, .yml or .json file per tenant
	Dir string

	// DB backs query facts; tenants declaring query facts fail to load without it
	DB rules.Querier

	AllowUndefinedFacts      bool
	AllowUndefinedConditions bool

	// ReloadDebounce is the watcher's quiet period before a reload
	ReloadDebounce time.Duration

	Metrics MetricsRecorder
	Logger  *slog.Logger
}

// TenantEngine wraps a rules.Engine with tenant-specific metadata
type TenantEngine struct {
	TenantID string
	Schema   Schema
	Engine   *rules.Engine

	// Path is the file the tenant was loaded from, empty for tenants created in code
	Path     string
	LoadedAt time.Time
}

// MultiTenantEngineManager manages engines for all tenants
type MultiTenantEngineManager struct {
	config  ManagerConfig
	logger  *slog.Logger
	engines map[string]*TenantEngine
	mu      sync.RWMutex

	// reloadMu serializes directory loads
	reloadMu sync.Mutex
}

// NewMultiTenantEngineManager creates a new manager instance
func NewMultiTenantEngineManager(config ManagerConfig) *MultiTenantEngineManager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiTenantEngineManager{
		config:  config,
		logger:  logger,
		engines: make(map[string]*TenantEngine),
	}
}

// CreateExpressionEnvFromSchema creates the expression environment for a
// tenant: one variable per schema object and per declared fact
func CreateExpressionEnvFromSchema(schema Schema, factIDs []string) (*rules.ExpressionEnv, error) {
	names := make([]string, 0, len(schema)+len(factIDs))
	for objectName := range schema {
		names = append(names, objectName)
	}
	sort.Strings(names)
	names = append(names, factIDs...)

	env, err := rules.NewExpressionEnv(names)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression environment: %w", err)
	}
	return env, nil
}

// LoadAllTenants loads every tenant file in the configured directory.
// Tenants whose file fails to load keep their previous engine; tenants whose
// file was removed are dropped. The returned error joins every failure.
func (m *MultiTenantEngineManager) LoadAllTenants() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read tenant directory: %w", err)
	}

	var errs []error
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !isDefinitionFile(entry.Name()) {
			continue
		}
		path := filepath.Join(m.config.Dir, entry.Name())

		// the stem is claimed before parsing so a broken file keeps its
		// tenant's previous engine
		stem := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if other, ok := seen[stem]; ok {
			errs = append(errs, fmt.Errorf("tenant %s is defined by both %s and %s", stem, other, path))
			continue
		}
		seen[stem] = path

		tenantID, def, err := LoadDefinitionFile(path)
		if err != nil {
			m.recordReload(stem, err)
			errs = append(errs, err)
			continue
		}

		te, err := m.buildTenant(tenantID, def)
		m.recordReload(tenantID, err)
		if err != nil {
			m.logger.Warn("tenant failed to load, keeping previous version", "tenant", tenantID, "path", path, "error", err)
			errs = append(errs, fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err))
			continue
		}
		te.Path = path
		m.store(te)
	}

	m.mu.Lock()
	for tenantID, te := range m.engines {
		if _, ok := seen[tenantID]; !ok && te.Path != "" {
			delete(m.engines, tenantID)
			m.logger.Info("tenant removed", "tenant", tenantID, "path", te.Path)
		}
	}
	loaded := len(m.engines)
	m.mu.Unlock()

	if m.config.Metrics != nil {
		m.config.Metrics.SetTenantsLoaded(loaded)
	}
	m.logger.Info("tenants loaded", "dir", m.config.Dir, "tenants", loaded, "failed", len(errs))
	return errors.Join(errs...)
}

// CreateTenant builds a tenant engine from a definition and swaps it in,
// replacing any engine with the same ID
func (m *MultiTenantEngineManager) CreateTenant(tenantID string, def *TenantDefinition) error {
	te, err := m.buildTenant(tenantID, def)
	if err != nil {
		return fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
	}
	m.store(te)

	if m.config.Metrics != nil {
		m.config.Metrics.SetTenantsLoaded(len(m.ListTenants()))
	}
	return nil
}

// buildTenant creates a fully loaded engine without touching the live set
func (m *MultiTenantEngineManager) buildTenant(tenantID string, def *TenantDefinition) (*TenantEngine, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}

	config := rules.DefaultEngineConfig()
	config.AllowUndefinedFacts = m.config.AllowUndefinedFacts
	config.AllowUndefinedConditions = m.config.AllowUndefinedConditions
	config.Logger = m.logger.With("tenant", tenantID)
	if m.config.Metrics != nil {
		config.Recorder = m.config.Metrics.Recorder(tenantID)
	}

	engine, err := rules.NewEngineWithConfig(config, rules.NewInMemoryRuleStore())
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	if err := m.addFacts(engine, def); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(def.Conditions))
	for name := range def.Conditions {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := engine.SetCondition(name, def.Conditions[name]); err != nil {
			return nil, err
		}
	}

	for _, rd := range def.Rules {
		rule, err := engine.BuildRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rd.ID, err)
		}
		if err := engine.AddRule(rule); err != nil {
			return nil, fmt.Errorf("rule %s: %w", rd.ID, err)
		}
	}

	return &TenantEngine{
		TenantID: tenantID,
		Schema:   def.Schema,
		Engine:   engine,
		LoadedAt: time.Now(),
	}, nil
}

func (m *MultiTenantEngineManager) addFacts(engine *rules.Engine, def *TenantDefinition) error {
	factIDs := make([]string, 0, len(def.Facts))
	for _, f := range def.Facts {
		factIDs = append(factIDs, f.ID)
	}

	var env *rules.ExpressionEnv
	for _, fd := range def.Facts {
		var (
			fact *rules.Fact
			err  error
		)
		switch fd.Kind() {
		case FactKindExpression:
			if env == nil {
				if env, err = CreateExpressionEnvFromSchema(def.Schema, factIDs); err != nil {
					return err
				}
			}
			fact, err = env.Fact(fd.ID, fd.Expression, fd.options()...)
		case FactKindQuery:
			if m.config.DB == nil {
				return fmt.Errorf("fact %s: query facts require a database", fd.ID)
			}
			fact, err = rules.NewSQLFact(m.config.DB, fd.ID, fd.Query, fd.Params, fd.options()...)
		default:
			fact, err = rules.NewConstantFact(fd.ID, fd.Value, fd.options()...)
		}
		if err != nil {
			return err
		}
		if err := engine.AddFact(fact); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiTenantEngineManager) store(te *TenantEngine) {
	m.mu.Lock()
	m.engines[te.TenantID] = te
	m.mu.Unlock()

	m.logger.Info("tenant loaded", "tenant", te.TenantID, "path", te.Path)
}

func (m *MultiTenantEngineManager) recordReload(tenantID string, err error) {
	if m.config.Metrics != nil {
		m.config.Metrics.RecordReload(tenantID, err)
	}
}

// GetTenant retrieves a tenant with its metadata
func (m *MultiTenantEngineManager) GetTenant(tenantID string) (*TenantEngine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	te, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	return te, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *MultiTenantEngineManager) GetEngine(tenantID string) (*rules.Engine, error) {
	te, err := m.GetTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return te.Engine, nil
}

// Evaluate runs a tenant's rules against facts. With ruleIDs only those
// rules are evaluated.
func (m *MultiTenantEngineManager) Evaluate(ctx context.Context, tenantID string, facts map[string]any, ruleIDs ...string) ([]*rules.EvaluationResult, error) {
	engine, err := m.GetEngine(tenantID)
	if err != nil {
		return nil, err
	}
	if len(ruleIDs) == 0 {
		return engine.EvaluateAll(ctx, facts)
	}
	return engine.EvaluateRules(ctx, facts, ruleIDs...)
}

// ListTenants returns all loaded tenant IDs, sorted
func (m *MultiTenantEngineManager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant removes a tenant's engine
// Note: This does not delete the tenant's file
func (m *MultiTenantEngineManager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[tenantID]; !exists {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	delete(m.engines, tenantID)
	return nil
}

// Watch reloads the tenant directory whenever its files change. It blocks
// until ctx is cancelled.
func (m *MultiTenantEngineManager) Watch(ctx context.Context) error {
	fw, err := NewFileWatcher(FileWatcherConfig{
		Dir:              m.config.Dir,
		DebounceInterval: m.config.ReloadDebounce,
		Extensions:       DefinitionExtensions,
	}, m.logger)
	if err != nil {
		return err
	}
	return fw.Watch(ctx, m.LoadAllTenants)
}

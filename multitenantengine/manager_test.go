package multitenantengine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rules/rules"
)

const nordicYAML = `
schema:
  customer:
    age: int
    country: string
facts:
  - id: minimumAge
    value: 18
  - id: isAdult
    expression: customer.age >= minimumAge
conditions:
  adult:
    all:
      - fact: isAdult
        operator: equal
        value: true
rules:
  - id: nordic-adult
    priority: 10
    conditions:
      all:
        - condition: adult
        - fact: customer
          path: $.country
          operator: in
          value: [NO, SE, DK]
    event:
      type: nordic-adult
      params:
        discount: 5
  - id: minor
    priority: 1
    conditions:
      not:
        condition: adult
    event:
      type: minor
`

const globexJSON = `{
	"rules": [{
		"id": "big-order",
		"conditions": {"any": [{"fact": "order", "path": "$.total", "operator": "greaterThanInclusive", "value": 1000}]},
		"event": {"type": "big-order"}
	}]
}`

func writeTenant(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func parseTenant(t *testing.T, content string) *TenantDefinition {
	t.Helper()
	def, err := ParseDefinition([]byte(content), ".yaml")
	require.NoError(t, err)
	return def
}

type fakeMetrics struct {
	mu      sync.Mutex
	loaded  int
	reloads map[string][]error
	rules   map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{reloads: map[string][]error{}, rules: map[string]int{}}
}

func (f *fakeMetrics) Recorder(tenant string) rules.Recorder {
	return &fakeRecorder{metrics: f, tenant: tenant}
}

func (f *fakeMetrics) SetTenantsLoaded(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = n
}

func (f *fakeMetrics) RecordReload(tenant string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads[tenant] = append(f.reloads[tenant], err)
}

type fakeRecorder struct {
	metrics *fakeMetrics
	tenant  string
}

func (r *fakeRecorder) FactResolved(string, bool) {}

func (r *fakeRecorder) RuleEvaluated(string, bool, error, time.Duration) {
	r.metrics.mu.Lock()
	defer r.metrics.mu.Unlock()
	r.metrics.rules[r.tenant]++
}

func TestCreateTenantAndEvaluate(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{})
	require.NoError(t, m.CreateTenant("acme", parseTenant(t, nordicYAML)))

	results, err := m.Evaluate(context.Background(), "acme", map[string]any{
		"customer": map[string]any{"age": 30, "country": "NO"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "nordic-adult", results[0].RuleID)
	assert.True(t, results[0].Matched)
	require.NotNil(t, results[0].Event)
	assert.Equal(t, 5, results[0].Event.Params["discount"])

	assert.Equal(t, "minor", results[1].RuleID)
	assert.False(t, results[1].Matched)
	assert.NoError(t, results[1].Error)
}

func TestEvaluateSubsetOfRules(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{})
	require.NoError(t, m.CreateTenant("acme", parseTenant(t, nordicYAML)))

	results, err := m.Evaluate(context.Background(), "acme", map[string]any{
		"customer": map[string]any{"age": 12, "country": "SE"},
	}, "minor")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)

	_, err = m.Evaluate(context.Background(), "acme", nil, "unknown-rule")
	assert.Error(t, err)
}

func TestEvaluateMissingRuntimeFact(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{})
	require.NoError(t, m.CreateTenant("acme", parseTenant(t, nordicYAML)))

	results, err := m.Evaluate(context.Background(), "acme", map[string]any{})
	require.NoError(t, err)
	for _, r := range results {
		assert.ErrorIs(t, r.Error, rules.ErrUndefinedFact, r.RuleID)
	}
}

func TestCreateTenantErrors(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{})

	err := m.CreateTenant("bad tenant", parseTenant(t, nordicYAML))
	assert.Error(t, err)

	err = m.CreateTenant("acme", &TenantDefinition{
		Facts: []FactDefinition{{ID: "broken", Expression: "1 +"}},
	})
	assert.ErrorContains(t, err, "broken")

	err = m.CreateTenant("acme", &TenantDefinition{
		Rules: []rules.RuleDefinition{{ID: "r1", Conditions: map[string]any{"all": []any{map[string]any{"fact": "a", "operator": "nope", "value": 1}}}, Event: rules.Event{Type: "x"}}},
	})
	assert.ErrorIs(t, err, rules.ErrInvalidRule)

	err = m.CreateTenant("acme", &TenantDefinition{
		Facts: []FactDefinition{{ID: "balance", Query: "SELECT 1"}},
	})
	assert.ErrorContains(t, err, "require a database")

	assert.Empty(t, m.ListTenants())
}

func TestQueryFacts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT balance FROM accounts WHERE id = \$1`).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(250.0))

	def := parseTenant(t, `
facts:
  - id: balance
    query: SELECT balance FROM accounts WHERE id = $1
    params: [accountId]
rules:
  - id: rich
    conditions:
      all:
        - fact: balance
          params:
            accountId: acc-1
          operator: greaterThan
          value: 100
    event:
      type: rich
`)

	m := NewMultiTenantEngineManager(ManagerConfig{DB: db})
	require.NoError(t, m.CreateTenant("bank", def))

	results, err := m.Evaluate(context.Background(), "bank", nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAndDeleteTenant(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{})
	require.NoError(t, m.CreateTenant("acme", parseTenant(t, nordicYAML)))

	te, err := m.GetTenant("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", te.TenantID)
	assert.Equal(t, "string", te.Schema["customer"]["country"])
	assert.Empty(t, te.Path)
	assert.False(t, te.LoadedAt.IsZero())

	_, err = m.GetEngine("globex")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	require.NoError(t, m.DeleteTenant("acme"))
	assert.ErrorIs(t, m.DeleteTenant("acme"), ErrTenantNotFound)

	_, err = m.Evaluate(context.Background(), "acme", nil)
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestLoadAllTenants(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "acme.yaml", nordicYAML)
	writeTenant(t, dir, "globex.json", globexJSON)
	writeTenant(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	metrics := newFakeMetrics()
	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir, Metrics: metrics})
	require.NoError(t, m.LoadAllTenants())

	assert.Equal(t, []string{"acme", "globex"}, m.ListTenants())
	assert.Equal(t, 2, metrics.loaded)
	assert.Equal(t, []error{nil}, metrics.reloads["acme"])

	te, err := m.GetTenant("globex")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "globex.json"), te.Path)

	results, err := m.Evaluate(context.Background(), "globex", map[string]any{"order": map[string]any{"total": 1500}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Matched)
	assert.Equal(t, 1, metrics.rules["globex"])
}

func TestLoadAllTenantsKeepsPreviousVersionOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeTenant(t, dir, "acme.yaml", nordicYAML)

	metrics := newFakeMetrics()
	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir, Metrics: metrics})
	require.NoError(t, m.LoadAllTenants())
	before, err := m.GetEngine("acme")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: r1\n    conditions: {all: [{fact: a, operator: bogus, value: 1}]}\n    event: {type: x}\n"), 0o644))
	err = m.LoadAllTenants()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme")

	after, err := m.GetEngine("acme")
	require.NoError(t, err)
	assert.Same(t, before, after)
	require.Len(t, metrics.reloads["acme"], 2)
	assert.Error(t, metrics.reloads["acme"][1])
}

func TestLoadAllTenantsKeepsPreviousVersionOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeTenant(t, dir, "acme.yaml", nordicYAML)

	metrics := newFakeMetrics()
	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir, Metrics: metrics})
	require.NoError(t, m.LoadAllTenants())
	before, err := m.GetEngine("acme")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rules: [\n"), 0o644))
	require.Error(t, m.LoadAllTenants())

	after, err := m.GetEngine("acme")
	require.NoError(t, err)
	assert.Same(t, before, after)
	require.Len(t, metrics.reloads["acme"], 2)
	assert.Error(t, metrics.reloads["acme"][1])
}

func TestLoadAllTenantsRemovesDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "acme.yaml", nordicYAML)
	globex := writeTenant(t, dir, "globex.json", globexJSON)

	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir})
	require.NoError(t, m.LoadAllTenants())
	require.NoError(t, m.CreateTenant("in-memory", parseTenant(t, nordicYAML)))

	require.NoError(t, os.Remove(globex))
	require.NoError(t, m.LoadAllTenants())

	assert.Equal(t, []string{"acme", "in-memory"}, m.ListTenants())
}

func TestLoadAllTenantsDuplicateTenant(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "acme.json", globexJSON)
	writeTenant(t, dir, "acme.yaml", nordicYAML)

	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir})
	err := m.LoadAllTenants()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined by both")
	assert.Equal(t, []string{"acme"}, m.ListTenants())
}

func TestLoadAllTenantsMissingDir(t *testing.T) {
	m := NewMultiTenantEngineManager(ManagerConfig{Dir: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorContains(t, m.LoadAllTenants(), "failed to read tenant directory")
}

func TestWatchReloadsTenants(t *testing.T) {
	dir := t.TempDir()
	writeTenant(t, dir, "acme.yaml", nordicYAML)

	m := NewMultiTenantEngineManager(ManagerConfig{Dir: dir, ReloadDebounce: 20 * time.Millisecond})
	require.NoError(t, m.LoadAllTenants())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Rewritten until the watcher has registered the directory
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "globex.json"), []byte(globexJSON), 0o644)
		_, err := m.GetEngine("globex")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "acme.yaml")))
	require.Eventually(t, func() bool {
		_, err := m.GetEngine("acme")
		return err != nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

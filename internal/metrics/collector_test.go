package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rules/rules"
)

func TestNewCollectorDefaults(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector(Config{}, registry)

	assert.Same(t, registry, c.Registry())
	assert.NotNil(t, NewCollector(Config{}, nil).Registry())
}

func TestRecorderRuleOutcomes(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)
	rec := c.Recorder("acme")

	rec.RuleEvaluated("adult", true, nil, time.Millisecond)
	rec.RuleEvaluated("adult", false, nil, time.Millisecond)
	rec.RuleEvaluated("adult", false, errors.New("boom"), time.Millisecond)
	rec.RuleEvaluated("adult", true, nil, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ruleEvaluations.WithLabelValues("acme", "adult", OutcomeMatched)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleEvaluations.WithLabelValues("acme", "adult", OutcomeUnmatched)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleEvaluations.WithLabelValues("acme", "adult", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.ruleDuration))
}

func TestRecorderWithEngine(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)

	config := rules.DefaultEngineConfig()
	config.Recorder = c.Recorder("acme")
	en, err := rules.NewEngineWithConfig(config, rules.NewInMemoryRuleStore())
	require.NoError(t, err)

	rule, err := en.BuildRule(rules.RuleDefinition{
		ID: "adult",
		Conditions: map[string]any{
			"all": []any{map[string]any{"fact": "age", "operator": "greaterThanInclusive", "value": 18}},
		},
		Event: rules.Event{Type: "adult"},
	})
	require.NoError(t, err)
	require.NoError(t, en.AddRule(rule))

	_, err = en.EvaluateAll(context.Background(), map[string]any{"age": 30})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ruleEvaluations.WithLabelValues("acme", "adult", OutcomeMatched)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.factResolutions.WithLabelValues("acme", "age", "false")))
}

func TestRecordHTTPRequest(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)

	c.RecordHTTPRequest(http.MethodPost, "/api/v1/tenants/{tenantId}/evaluate", 200, 5*time.Millisecond)
	c.RecordHTTPRequest(http.MethodPost, "/api/v1/tenants/{tenantId}/evaluate", 404, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/tenants/{tenantId}/evaluate", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("POST", "/api/v1/tenants/{tenantId}/evaluate", "404")))
}

func TestTenantGaugeAndReloads(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)

	c.SetTenantsLoaded(3)
	c.RecordReload("acme", nil)
	c.RecordReload("acme", errors.New("parse error"))

	assert.Equal(t, 3.0, testutil.ToFloat64(c.tenantsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reloads.WithLabelValues("acme", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reloads.WithLabelValues("acme", "error")))
}

func TestHandler(t *testing.T) {
	c := NewCollector(DefaultConfig(), nil)
	c.Recorder("acme").RuleEvaluated("adult", true, nil, time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rules_engine_rule_evaluations_total")
	assert.Contains(t, string(body), "rules_log_warnings_total")
}

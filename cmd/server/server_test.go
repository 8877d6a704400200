package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rules/internal/config"
	"github.com/liamcoop/rules/internal/metrics"
	"github.com/liamcoop/rules/multitenantengine"
)

const acmeTenant = `
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
  - id: vip
    priority: 1
    conditions:
      all:
        - fact: vipLevel
          operator: greaterThan
          value: 2
    event:
      type: vip
`

// setupTestServer creates a server with a single tenant, acme
func setupTestServer(t *testing.T) (*Server, *metrics.Collector) {
	t.Helper()

	def, err := multitenantengine.ParseDefinition([]byte(acmeTenant), ".yaml")
	require.NoError(t, err)

	collector := metrics.NewCollector(metrics.DefaultConfig(), nil)
	manager := multitenantengine.NewMultiTenantEngineManager(multitenantengine.ManagerConfig{Metrics: collector})
	require.NoError(t, manager.CreateTenant("acme", def))

	return NewServer(ServerConfig{Manager: manager, Metrics: collector}), collector
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type evaluateResponse struct {
	TenantID string `json:"tenantId"`
	Results  []struct {
		RuleID  string `json:"ruleId"`
		Matched bool   `json:"matched"`
		Error   string `json:"error"`
	} `json:"results"`
	Events []struct {
		Type   string         `json:"type"`
		Params map[string]any `json:"params"`
	} `json:"events"`
	Errors         int    `json:"errors"`
	EvaluationTime string `json:"evaluationTime"`
}

func TestHealthCheck(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.TenantsLoaded)
	assert.Empty(t, resp.Database)
}

func TestHealthCheckDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	manager := multitenantengine.NewMultiTenantEngineManager(multitenantengine.ManagerConfig{DB: db})
	s := NewServer(ServerConfig{Manager: manager, DB: db})

	mock.ExpectPing()
	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Database)

	mock.ExpectPing().WillReturnError(assert.AnError)
	rec = doRequest(t, s, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, rec).Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvaluate(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{"facts": {"customer": {"age": 30, "country": "NO"}, "vipLevel": 1}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants/acme/evaluate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[evaluateResponse](t, rec)
	assert.Equal(t, "acme", resp.TenantID)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "nordic-adult", resp.Results[0].RuleID)
	assert.True(t, resp.Results[0].Matched)
	assert.Zero(t, resp.Errors)
	assert.NotEmpty(t, resp.EvaluationTime)

	require.Len(t, resp.Events, 1)
	assert.Equal(t, "nordic-adult", resp.Events[0].Type)
	assert.Equal(t, 5.0, resp.Events[0].Params["discount"])
}

func TestEvaluateReportsRuleErrors(t *testing.T) {
	s, _ := setupTestServer(t)

	// vipLevel is missing; the other rules still evaluate
	body := `{"facts": {"customer": {"age": 12, "country": "SE"}}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants/acme/evaluate", body)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[evaluateResponse](t, rec)
	assert.Equal(t, 1, resp.Errors)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "minor", resp.Events[0].Type)

	for _, r := range resp.Results {
		if r.RuleID == "vip" {
			assert.Contains(t, r.Error, "vipLevel")
		}
	}
}

func TestEvaluateSelectedRules(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{"facts": {"customer": {"age": 30, "country": "FR"}}, "rules": ["nordic-adult"]}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants/acme/evaluate", body)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[evaluateResponse](t, rec)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Matched)
	assert.Empty(t, resp.Events)
}

func TestEvaluateWithTenantInBody(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{"tenantId": "acme", "facts": {"customer": {"age": 30, "country": "DK"}}, "rules": ["nordic-adult"]}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/evaluate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[evaluateResponse](t, rec).Results[0].Matched)
}

func TestEvaluateErrors(t *testing.T) {
	s, _ := setupTestServer(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"unknown tenant", "/api/v1/tenants/globex/evaluate", `{"facts": {}}`, http.StatusNotFound, "tenant not found"},
		{"invalid JSON", "/api/v1/tenants/acme/evaluate", `{"facts": `, http.StatusBadRequest, "invalid request body"},
		{"rule definitions rejected", "/api/v1/tenants/acme/evaluate", `{"facts": {}, "conditions": {"all": []}}`, http.StatusBadRequest, "invalid request body"},
		{"missing facts", "/api/v1/tenants/acme/evaluate", `{}`, http.StatusBadRequest, "facts are required"},
		{"missing tenant", "/api/v1/evaluate", `{"facts": {}}`, http.StatusBadRequest, "tenantId is required"},
		{"unknown rule", "/api/v1/tenants/acme/evaluate", `{"facts": {}, "rules": ["nope"]}`, http.StatusBadRequest, "unknown rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestEvaluateBodyTooLarge(t *testing.T) {
	s, _ := setupTestServer(t)

	big := `{"facts": {"blob": "` + strings.Repeat("x", maxRequestBody) + `"}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/tenants/acme/evaluate", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTenants(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/tenants", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[TenantsListResponse](t, rec)
	require.Len(t, resp.Tenants, 1)
	assert.Equal(t, "acme", resp.Tenants[0].ID)
	assert.Equal(t, 3, resp.Tenants[0].Rules)
	assert.Equal(t, "int", resp.Tenants[0].Schema["customer"]["age"])
}

func TestGetTenantAndRules(t *testing.T) {
	s, _ := setupTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/tenants/acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "acme", decode[TenantResponse](t, rec).ID)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/tenants/acme/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[RulesListResponse](t, rec)
	require.Len(t, resp.Rules, 3)
	assert.Equal(t, "nordic-adult", resp.Rules[0].ID)
	assert.Contains(t, resp.Rules[0].Conditions, "all")

	rec = doRequest(t, s, http.MethodGet, "/api/v1/tenants/globex/rules", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, s, http.MethodGet, "/api/v1/tenants/globex", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := setupTestServer(t)

	body := `{"facts": {"customer": {"age": 30, "country": "NO"}, "vipLevel": 3}}`
	require.Equal(t, http.StatusOK, doRequest(t, s, http.MethodPost, "/api/v1/tenants/acme/evaluate", body).Code)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `route="/api/v1/tenants/{tenantId}/evaluate"`)
	assert.Contains(t, out, `rules_engine_rule_evaluations_total{outcome="matched",rule="nordic-adult",tenant="acme"} 1`)
	assert.Contains(t, out, "rules_engine_fact_resolutions_total")
}

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	respondError(rec, http.StatusTeapot, "short and stout", assert.AnError)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&resp))
	assert.Equal(t, "short and stout", resp.Error)
	assert.Equal(t, assert.AnError.Error(), resp.Details)
}

func TestHTTPServerOutlivesRequestTimeout(t *testing.T) {
	for _, timeout := range []time.Duration{time.Second, 60 * time.Second, 5 * time.Minute} {
		srv := newHTTPServer(config.Server{Port: "8080", RequestTimeout: timeout}, http.NotFoundHandler())
		assert.Equal(t, ":8080", srv.Addr)
		assert.Greater(t, srv.WriteTimeout, timeout)
	}
}

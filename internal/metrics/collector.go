// Package metrics exposes rule evaluation, fact resolution and HTTP
// metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rules/internal/logger"
	"github.com/liamcoop/rules/rules"
)

// Rule evaluation outcomes
const (
	OutcomeMatched   = "matched"
	OutcomeUnmatched = "unmatched"
	OutcomeError     = "error"
)

// Config names and sizes the metrics
type Config struct {
	Namespace string
	Subsystem string

	// DurationBuckets for rule evaluation histograms, in seconds
	DurationBuckets []float64
}

// DefaultConfig returns the default metric naming
func DefaultConfig() Config {
	return Config{
		Namespace: "rules",
		Subsystem: "engine",
		// Rule evaluations should be fast; SQL-backed facts stretch the tail
		DurationBuckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs to 2.6s
	}
}

// Collector owns the registry and every metric of the process
type Collector struct {
	registry *prometheus.Registry

	ruleEvaluations *prometheus.CounterVec
	ruleDuration    *prometheus.HistogramVec
	factResolutions *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	tenantsLoaded   prometheus.Gauge
	reloads         *prometheus.CounterVec
}

// NewCollector creates and registers all metrics. If registry is nil a new
// one is created.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	defaults := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = defaults.Namespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = defaults.Subsystem
	}
	if len(cfg.DurationBuckets) == 0 {
		cfg.DurationBuckets = defaults.DurationBuckets
	}

	c := &Collector{
		registry: registry,
		ruleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rule_evaluations_total",
			Help:      "Total number of rule evaluations by outcome",
		}, []string{"tenant", "rule", "outcome"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rule_evaluation_duration_seconds",
			Help:      "Duration of rule evaluation in seconds",
			Buckets:   cfg.DurationBuckets,
		}, []string{"tenant"}),
		factResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fact_resolutions_total",
			Help:      "Total number of fact lookups, by whether the value was cached",
		}, []string{"tenant", "fact", "cached"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		tenantsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tenants_loaded",
			Help:      "Number of tenants with a loaded engine",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tenant_reloads_total",
			Help:      "Total number of tenant reloads by result",
		}, []string{"tenant", "result"}),
	}

	registry.MustRegister(
		c.ruleEvaluations,
		c.ruleDuration,
		c.factResolutions,
		c.httpRequests,
		c.httpDuration,
		c.tenantsLoaded,
		c.reloads,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "log_warnings_total",
			Help:      "Total number of warnings logged, before sampling",
		}, func() float64 { return float64(logger.TotalWarnings.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "log_errors_total",
			Help:      "Total number of errors logged, before sampling",
		}, func() float64 { return float64(logger.TotalErrors.Load()) }),
	)

	return c
}

// Registry returns the registry backing the collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler for the metrics endpoint
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Recorder returns a rules.Recorder that labels its metrics with tenant
func (c *Collector) Recorder(tenant string) rules.Recorder {
	return &tenantRecorder{collector: c, tenant: tenant}
}

// RecordHTTPRequest records a completed HTTP request. route is the route
// pattern, not the raw path, to bound cardinality.
func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetTenantsLoaded records the number of loaded tenants
func (c *Collector) SetTenantsLoaded(n int) {
	c.tenantsLoaded.Set(float64(n))
}

// RecordReload records a tenant reload attempt
func (c *Collector) RecordReload(tenant string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.reloads.WithLabelValues(tenant, result).Inc()
}

type tenantRecorder struct {
	collector *Collector
	tenant    string
}

func (r *tenantRecorder) FactResolved(factID string, cached bool) {
	r.collector.factResolutions.WithLabelValues(r.tenant, factID, strconv.FormatBool(cached)).Inc()
}

func (r *tenantRecorder) RuleEvaluated(ruleName string, matched bool, err error, duration time.Duration) {
	outcome := OutcomeUnmatched
	switch {
	case err != nil:
		outcome = OutcomeError
	case matched:
		outcome = OutcomeMatched
	}
	r.collector.ruleEvaluations.WithLabelValues(r.tenant, ruleName, outcome).Inc()
	r.collector.ruleDuration.WithLabelValues(r.tenant).Observe(duration.Seconds())
}

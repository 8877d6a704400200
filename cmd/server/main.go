package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/liamcoop/rules/internal/config"
	"github.com/liamcoop/rules/internal/logger"
	"github.com/liamcoop/rules/internal/metrics"
	"github.com/liamcoop/rules/multitenantengine"
	"github.com/liamcoop/rules/rules"
)

// maxRequestBody bounds evaluation request bodies
const maxRequestBody = 1 << 20

// ServerConfig holds the dependencies of the HTTP server
type ServerConfig struct {
	Manager *multitenantengine.MultiTenantEngineManager
	Metrics *metrics.Collector

	// DB is optional; when set the health check pings it
	DB *sql.DB

	RequestTimeout time.Duration
}

type Server struct {
	db            *sql.DB
	engineManager *multitenantengine.MultiTenantEngineManager
	metrics       *metrics.Collector
	router        *chi.Mux
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector(metrics.DefaultConfig(), nil)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		db:            cfg.DB,
		engineManager: cfg.Manager,
		metrics:       cfg.Metrics,
	}
	s.setupRoutes(cfg.RequestTimeout)
	return s
}

func (s *Server) setupRoutes(timeout time.Duration) {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/api/v1/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Evaluation
	r.Post("/api/v1/evaluate", s.handleEvaluate)

	r.Route("/api/v1/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)

		r.Route("/{tenantId}", func(r chi.Router) {
			r.Get("/", s.handleGetTenant)
			r.Get("/rules", s.handleListRules)
			r.Post("/evaluate", s.handleEvaluate)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// observe logs each request and records its metrics by route pattern
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, status, duration)

		args := []any{
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
			logger.Error("request failed", args...)
		case status >= 400:
			logger.WarnHttp4xx(status)
			logger.Debug("request rejected", args...)
		default:
			logger.Debug("request served", args...)
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		TenantsLoaded: len(s.engineManager.ListTenants()),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Database = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}

	respondJSON(w, http.StatusOK, resp)
}

// Evaluation handler. The tenant comes from the path or, on
// /api/v1/evaluate, from the body.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	tenantID := chi.URLParam(r, "tenantId")
	if tenantID == "" {
		tenantID = req.TenantID
	}
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "tenantId is required", nil)
		return
	}
	if req.Facts == nil {
		respondError(w, http.StatusBadRequest, "facts are required", nil)
		return
	}

	engine, err := s.engineManager.GetEngine(tenantID)
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	startTime := time.Now()

	var results []*rules.EvaluationResult
	if len(req.Rules) > 0 {
		results, err = engine.EvaluateRules(r.Context(), req.Facts, req.Rules...)
		if err != nil && r.Context().Err() == nil {
			respondError(w, http.StatusBadRequest, "unknown rule", err)
			return
		}
	} else {
		results, err = engine.EvaluateAll(r.Context(), req.Facts)
	}
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "evaluation cancelled", err)
		return
	}

	resp := EvaluateResponse{
		TenantID:       tenantID,
		Results:        results,
		Events:         []rules.Event{},
		EvaluationTime: time.Since(startTime).String(),
	}
	for _, result := range results {
		switch {
		case result.Error != nil:
			resp.Errors++
		case result.Event != nil:
			resp.Events = append(resp.Events, *result.Event)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// List tenants handler
func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	resp := TenantsListResponse{Tenants: []TenantResponse{}}
	for _, tenantID := range s.engineManager.ListTenants() {
		te, err := s.engineManager.GetTenant(tenantID)
		if err != nil {
			// removed by a concurrent reload
			continue
		}
		tenant, err := tenantResponse(te)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to list rules", err)
			return
		}
		resp.Tenants = append(resp.Tenants, tenant)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get tenant handler
func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	te, err := s.engineManager.GetTenant(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}
	tenant, err := tenantResponse(te)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

// List rules handler
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	engine, err := s.engineManager.GetEngine(chi.URLParam(r, "tenantId"))
	if err != nil {
		respondError(w, http.StatusNotFound, "tenant not found", err)
		return
	}

	active, err := engine.Rules()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rules", err)
		return
	}

	resp := RulesListResponse{Rules: make([]rules.RuleDefinition, 0, len(active))}
	for _, rule := range active {
		resp.Rules = append(resp.Rules, rule.Definition())
	}
	respondJSON(w, http.StatusOK, resp)
}

func tenantResponse(te *multitenantengine.TenantEngine) (TenantResponse, error) {
	active, err := te.Engine.Rules()
	if err != nil {
		return TenantResponse{}, err
	}
	return TenantResponse{
		ID:       te.TenantID,
		Source:   te.Path,
		Schema:   te.Schema,
		Rules:    len(active),
		LoadedAt: te.LoadedAt,
	}, nil
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// newHTTPServer leaves room past the request timeout so the timeout
// middleware can still write its 503
func newHTTPServer(cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func run() error {
	cfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	if err := logger.Setup(logger.Options{
		Level:           cfg.LogLevel,
		Format:          cfg.LogFormat,
		ErrorSampleRate: cfg.ErrorSampleRate,
	}); err != nil {
		logger.Warn("logger configuration ignored", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metrics.DefaultConfig(), nil)
	managerConfig := multitenantengine.ManagerConfig{
		Dir:                      cfg.RulesDir,
		AllowUndefinedFacts:      cfg.AllowUndefinedFacts,
		AllowUndefinedConditions: cfg.AllowUndefinedConditions,
		ReloadDebounce:           cfg.ReloadDebounce,
		Metrics:                  collector,
		Logger:                   logger.Logger,
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		managerConfig.DB = db
	}

	engineManager := multitenantengine.NewMultiTenantEngineManager(managerConfig)

	logger.Info("loading tenants", "dir", cfg.RulesDir)
	if err := engineManager.LoadAllTenants(); err != nil {
		logger.Error("some tenants failed to load", "error", err)
	}
	logger.Info("tenants loaded", "tenants", engineManager.ListTenants())

	if cfg.WatchRules {
		go func() {
			if err := engineManager.Watch(ctx); err != nil {
				logger.Error("tenant watcher stopped", "error", err)
			}
		}()
	}

	server := NewServer(ServerConfig{
		Manager:        engineManager,
		Metrics:        collector,
		DB:             db,
		RequestTimeout: cfg.RequestTimeout,
	})

	httpServer := newHTTPServer(cfg, server)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

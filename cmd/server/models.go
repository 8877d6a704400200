package main

import (
	"time"

	"github.com/liamcoop/rules/multitenantengine"
	"github.com/liamcoop/rules/rules"
)

// API Request and Response Models

// EvaluateRequest represents the request body for evaluating rules.
// TenantID is only read on /api/v1/evaluate.
type EvaluateRequest struct {
	TenantID string         `json:"tenantId,omitempty" example:"acme"`
	Facts    map[string]any `json:"facts" binding:"required"`
	Rules    []string       `json:"rules,omitempty" example:"nordic-adult,minor"`
}

// EvaluateResponse represents the response for rule evaluation
type EvaluateResponse struct {
	TenantID string                    `json:"tenantId" example:"acme"`
	Results  []*rules.EvaluationResult `json:"results"`

	// Events emitted by matched rules, highest priority first
	Events []rules.Event `json:"events"`

	// Errors counts rules whose evaluation failed
	Errors         int    `json:"errors"`
	EvaluationTime string `json:"evaluationTime" example:"2.3ms"`
}

// TenantResponse represents a loaded tenant
type TenantResponse struct {
	ID       string                   `json:"id" example:"acme"`
	Source   string                   `json:"source,omitempty" example:"tenants/acme.yaml"`
	Schema   multitenantengine.Schema `json:"schema,omitempty"`
	Rules    int                      `json:"rules" example:"12"`
	LoadedAt time.Time                `json:"loadedAt" example:"2024-01-15T10:30:00Z"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// RulesListResponse lists a tenant's active rules, highest priority first
type RulesListResponse struct {
	Rules []rules.RuleDefinition `json:"rules"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"tenant not found"`
	Details string `json:"details,omitempty" example:"tenant not found: globex"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status" example:"healthy"`
	TenantsLoaded int    `json:"tenantsLoaded" example:"3"`
	Database      string `json:"database,omitempty" example:"ok"`
}

package rules

import (
	"encoding/json"
	"time"
)

// Rule pairs a condition tree with the event emitted when it matches
type Rule struct {
	ID       string
	Name     string
	Priority int

	// Conditions is the root of the tree: all, any, not or a condition reference
	Conditions Condition
	Event      Event

	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is emitted by a rule whose conditions evaluate to true
type Event struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// RuleDefinition is the serialized form of a rule
type RuleDefinition struct {
	ID         string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Conditions map[string]any `json:"conditions" yaml:"conditions"`
	Event      Event          `json:"event" yaml:"event"`
	Active     *bool          `json:"active,omitempty" yaml:"active,omitempty"`
}

// Definition returns the serialized form of the rule
func (r *Rule) Definition() RuleDefinition {
	active := r.Active
	def := RuleDefinition{
		ID:       r.ID,
		Name:     r.Name,
		Priority: r.Priority,
		Event:    r.Event,
		Active:   &active,
	}
	if r.Conditions != nil {
		def.Conditions = r.Conditions.Definition()
	}
	return def
}

// EvaluationResult contains the outcome of evaluating a rule
type EvaluationResult struct {
	RuleID   string
	RuleName string
	Matched  bool
	Error    error

	// Conditions is the evaluated condition tree, nil when evaluation failed
	Conditions *Result

	// Event is set when the rule matched
	Event *Event
}

// MarshalJSON renders Error as its message
func (r *EvaluationResult) MarshalJSON() ([]byte, error) {
	out := struct {
		RuleID     string  `json:"ruleId"`
		RuleName   string  `json:"ruleName"`
		Matched    bool    `json:"matched"`
		Error      string  `json:"error,omitempty"`
		Conditions *Result `json:"conditions,omitempty"`
		Event      *Event  `json:"event,omitempty"`
	}{
		RuleID:     r.RuleID,
		RuleName:   r.RuleName,
		Matched:    r.Matched,
		Conditions: r.Conditions,
		Event:      r.Event,
	}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

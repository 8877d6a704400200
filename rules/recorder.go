package rules

import "time"

// Recorder receives evaluation telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// FactResolved is called once per FactValue call. cached is true when the
	// value came from a previous or in-flight computation.
	FactResolved(factID string, cached bool)

	// RuleEvaluated is called after each rule evaluation
	RuleEvaluated(ruleName string, matched bool, err error, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) FactResolved(string, bool) {}

func (nopRecorder) RuleEvaluated(string, bool, error, time.Duration) {}

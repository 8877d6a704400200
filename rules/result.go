package rules

import "encoding/json"

// ResultKind identifies the condition variant a Result was produced by
type ResultKind string

// Result kinds
const (
	ResultAll        ResultKind = "all"
	ResultAny        ResultKind = "any"
	ResultNot        ResultKind = "not"
	ResultNever      ResultKind = "never"
	ResultReference  ResultKind = "condition"
	ResultComparison ResultKind = "comparison"
)

// Result is the evaluated form of a condition node. It mirrors the
// condition tree and records the verdict of every node that was evaluated.
// Children of skipped priority batches are absent.
type Result struct {
	Kind     ResultKind
	Name     string
	Priority int
	Result   bool

	// Children holds evaluated children for all/any, the negated child for
	// not and the resolved condition for references.
	Children []*Result

	// Reference is the referenced condition name
	Reference string

	// Comparison details
	Fact        string
	Params      map[string]any
	Path        string
	Operator    string
	Value       any
	FactResult  any
	ValueResult any
}

// MarshalJSON renders the result in the condition definition shape plus
// "result" and, for comparisons, "factResult" and "valueResult".
func (r *Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{"result": r.Result}
	if r.Name != "" {
		out[keyName] = r.Name
	}
	if r.Priority != 0 {
		out[keyPriority] = r.Priority
	}

	switch r.Kind {
	case ResultAll, ResultAny:
		children := r.Children
		if children == nil {
			children = []*Result{}
		}
		out[string(r.Kind)] = children
	case ResultNot:
		if len(r.Children) > 0 {
			out[keyNot] = r.Children[0]
		}
	case ResultNever:
		out[keyOperator] = neverOperator
	case ResultReference:
		out[keyCondition] = r.Reference
		if len(r.Children) > 0 {
			out["resolved"] = r.Children[0]
		}
	case ResultComparison:
		out[keyFact] = r.Fact
		out[keyOperator] = r.Operator
		out[keyValue] = r.Value
		if r.Params != nil {
			out[keyParams] = r.Params
		}
		if r.Path != "" {
			out[keyPath] = r.Path
		}
		out["factResult"] = r.FactResult
		out["valueResult"] = r.ValueResult
	}
	return json.Marshal(out)
}

// Package policy evaluates rego rules for tool calls that have no
// explicit registration.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Decisions a policy can return.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Engine evaluates the tool policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles the given rego module. The policy must define
// data.tool_policy.decision as either a decision string or an object
// {"decision": ..., "reason": ...}.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine compiles the policy at path, or the default policy when
// path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
	}
	return NewEngine(ctx, content)
}

// Evaluate decides for one tool call. Input carries tool_name, input and
// session_id. An undecided policy means the orchestrator is asked.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAsk, "no policy decision", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return normalize(val), "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		return normalize(decision), reason, nil
	default:
		return DecisionAsk, fmt.Sprintf("unexpected policy result type %T", val), nil
	}
}

func normalize(decision string) string {
	switch decision {
	case DecisionAllow, DecisionDeny:
		return decision
	default:
		return DecisionAsk
	}
}

// DefaultPolicy asks the orchestrator for everything except a few
// well-known read-only tools. The clauses form one else chain: separate
// complete-rule definitions of decision would conflict at eval time.
const DefaultPolicy = `
package tool_policy

decision := "allow" if {
	input.tool_name == "time.now"
} else := "allow" if {
	input.tool_name == "session.info"
} else := "deny" if {
	input.tool_name == "system.shutdown"
} else := "ask"
`

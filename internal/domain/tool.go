package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ToolPolicy decides what happens when the subprocess requests a tool.
type ToolPolicy string

const (
	// ToolPolicyAutoAllow resolves the request immediately, running the
	// registered handler if one exists.
	ToolPolicyAutoAllow ToolPolicy = "auto_allow"
	// ToolPolicyAutoDeny resolves the request immediately with an error
	// result. The subprocess turn continues.
	ToolPolicyAutoDeny ToolPolicy = "auto_deny"
	// ToolPolicyAsk suspends the request until orchestration logic
	// resolves it explicitly.
	ToolPolicyAsk ToolPolicy = "ask_orchestrator"
)

// ToolHandler produces the result for an allowed tool request.
type ToolHandler func(ctx context.Context, toolID string, input json.RawMessage) (string, error)

// ToolRegistration maps a tool name to a decision policy and an optional
// handler. Registrations are made once at session start and are immutable
// for the session's lifetime.
type ToolRegistration struct {
	Name    string
	Policy  ToolPolicy
	Handler ToolHandler
}

// ToolDecision is an explicit resolution for a suspended tool request.
type ToolDecision struct {
	Approve bool   `json:"approve"`
	Result  string `json:"result,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// Interrupt asks the worker to wind down the whole session after
	// delivering the denial.
	Interrupt bool `json:"interrupt,omitempty"`
}

// ToolCallStatus represents the lifecycle of an intercepted tool request.
type ToolCallStatus string

const (
	ToolCallStatusPending  ToolCallStatus = "PENDING"
	ToolCallStatusApproved ToolCallStatus = "APPROVED"
	ToolCallStatusDenied   ToolCallStatus = "DENIED"
	ToolCallStatusResolved ToolCallStatus = "RESOLVED"
)

// ToolCall is the persisted record of an intercepted tool request.
type ToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	SessionID  string          `json:"session_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     ToolCallStatus  `json:"status"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

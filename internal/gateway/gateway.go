// Package gateway is the synchronous approve/deny decision point for
// subprocess-requested tool calls.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/durasess/durasess/internal/domain"
)

// PolicyEngine decides for tools that have no explicit registration.
// Decisions are "allow", "deny" or "ask".
type PolicyEngine interface {
	Evaluate(ctx context.Context, input interface{}) (decision string, reason string, err error)
}

// ToolCallStore persists intercepted tool call records.
type ToolCallStore interface {
	CreateToolCall(ctx context.Context, tc *domain.ToolCall) error
	UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result string, isError bool) error
}

type pendingCall struct {
	toolCallID string
	request    domain.ToolUseRequest
}

// Gateway resolves tool use requests for one session. Each request moves
// Pending -> Approved/Denied -> Resolved and produces exactly one
// ToolResult.
type Gateway struct {
	sessionID     string
	registrations map[string]domain.ToolRegistration
	engine        PolicyEngine
	store         ToolCallStore

	mu      sync.Mutex
	seen    map[string]bool
	pending map[string]pendingCall
	order   []string
}

// New creates a gateway with an immutable registration set.
func New(sessionID string, registrations map[string]domain.ToolRegistration, engine PolicyEngine, store ToolCallStore) *Gateway {
	regs := make(map[string]domain.ToolRegistration, len(registrations))
	for name, reg := range registrations {
		regs[name] = reg
	}
	return &Gateway{
		sessionID:     sessionID,
		registrations: regs,
		engine:        engine,
		store:         store,
		seen:          make(map[string]bool),
		pending:       make(map[string]pendingCall),
	}
}

// HandleToolUse applies the registered policy to a tool use request. It
// returns the resolution, or nil when the request is suspended awaiting
// an explicit decision. A duplicate request id is rejected.
func (g *Gateway) HandleToolUse(ctx context.Context, req domain.ToolUseRequest) (*domain.ToolResult, error) {
	g.mu.Lock()
	if g.seen[req.ID] {
		g.mu.Unlock()
		return nil, &domain.ProtocolError{Reason: "duplicate tool use id " + req.ID}
	}
	g.seen[req.ID] = true
	g.mu.Unlock()

	policy, handler, reason := g.decide(ctx, req)

	// Deterministic id: replayed handling must not mint a second record.
	toolCallID := fmt.Sprintf("tc_%s_%s", g.sessionID, req.ID)
	tc := &domain.ToolCall{
		ToolCallID: toolCallID,
		SessionID:  g.sessionID,
		ToolName:   req.Name,
		Input:      req.Input,
		Status:     domain.ToolCallStatusPending,
		CreatedAt:  time.Now(),
	}
	if err := g.store.CreateToolCall(ctx, tc); err != nil {
		log.Printf("ERROR: failed to persist tool call %s: %v", toolCallID, err)
	}

	switch policy {
	case domain.ToolPolicyAutoDeny:
		result := domain.ToolResult{ToolID: req.ID, Result: reason, IsError: true}
		g.finish(ctx, toolCallID, domain.ToolCallStatusDenied, result)
		return &result, nil

	case domain.ToolPolicyAutoAllow:
		result := g.runHandler(ctx, handler, req)
		status := domain.ToolCallStatusResolved
		if result.IsError {
			status = domain.ToolCallStatusDenied
		}
		g.finish(ctx, toolCallID, status, result)
		return &result, nil

	default: // ask the orchestrator
		g.mu.Lock()
		g.pending[req.ID] = pendingCall{toolCallID: toolCallID, request: req}
		g.order = append(g.order, req.ID)
		g.mu.Unlock()
		return nil, nil
	}
}

// decide resolves the policy for a tool name, consulting the rego engine
// for unregistered tools.
func (g *Gateway) decide(ctx context.Context, req domain.ToolUseRequest) (domain.ToolPolicy, domain.ToolHandler, string) {
	if reg, ok := g.registrations[req.Name]; ok {
		reason := fmt.Sprintf("tool %s denied by policy", req.Name)
		return reg.Policy, reg.Handler, reason
	}

	if g.engine == nil {
		return domain.ToolPolicyAsk, nil, ""
	}

	input := map[string]interface{}{
		"tool_name":  req.Name,
		"session_id": g.sessionID,
	}
	decision, reason, err := g.engine.Evaluate(ctx, input)
	if err != nil {
		log.Printf("ERROR: policy evaluation failed for tool %s: %v", req.Name, err)
		return domain.ToolPolicyAsk, nil, ""
	}
	if reason == "" {
		reason = fmt.Sprintf("tool %s denied by policy", req.Name)
	}
	switch decision {
	case "allow":
		return domain.ToolPolicyAutoAllow, nil, reason
	case "deny":
		return domain.ToolPolicyAutoDeny, nil, reason
	default:
		return domain.ToolPolicyAsk, nil, reason
	}
}

func (g *Gateway) runHandler(ctx context.Context, handler domain.ToolHandler, req domain.ToolUseRequest) domain.ToolResult {
	if handler == nil {
		return domain.ToolResult{ToolID: req.ID, Result: `{"status":"approved"}`}
	}
	out, err := handler(ctx, req.ID, req.Input)
	if err != nil {
		return domain.ToolResult{ToolID: req.ID, Result: err.Error(), IsError: true}
	}
	return domain.ToolResult{ToolID: req.ID, Result: out}
}

// Resolve applies an explicit decision to a suspended request.
func (g *Gateway) Resolve(ctx context.Context, toolID string, decision domain.ToolDecision) (domain.ToolResult, error) {
	g.mu.Lock()
	call, ok := g.pending[toolID]
	if ok {
		delete(g.pending, toolID)
		for i, id := range g.order {
			if id == toolID {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return domain.ToolResult{}, domain.ErrToolNotPending
	}

	var result domain.ToolResult
	status := domain.ToolCallStatusResolved
	if decision.Approve {
		if decision.Result != "" {
			result = domain.ToolResult{ToolID: toolID, Result: decision.Result}
		} else {
			reg := g.registrations[call.request.Name]
			result = g.runHandler(ctx, reg.Handler, call.request)
		}
	} else {
		reason := decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("tool %s denied", call.request.Name)
		}
		result = domain.ToolResult{ToolID: toolID, Result: reason, IsError: true, Interrupt: decision.Interrupt}
		status = domain.ToolCallStatusDenied
	}

	g.finish(ctx, call.toolCallID, status, result)
	return result, nil
}

// MarkResolved clears a suspended request whose resolution was already
// recorded, without producing a new result. Used when replayed history
// carries the decision.
func (g *Gateway) MarkResolved(ctx context.Context, toolID string, result domain.ToolResult) {
	g.mu.Lock()
	call, ok := g.pending[toolID]
	if ok {
		delete(g.pending, toolID)
		for i, id := range g.order {
			if id == toolID {
				g.order = append(g.order[:i], g.order[i+1:]...)
				break
			}
		}
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	status := domain.ToolCallStatusResolved
	if result.IsError {
		status = domain.ToolCallStatusDenied
	}
	g.finish(ctx, call.toolCallID, status, result)
}

func (g *Gateway) finish(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result domain.ToolResult) {
	if err := g.store.UpdateToolCallResult(ctx, toolCallID, status, result.Result, result.IsError); err != nil {
		log.Printf("ERROR: failed to update tool call %s: %v", toolCallID, err)
	}
}

// Pending returns suspended requests in arrival order.
func (g *Gateway) Pending() []domain.ToolUseRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.ToolUseRequest, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.pending[id].request)
	}
	return out
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/tests/helpers"
)

type fakeEngine struct {
	decision string
	reason   string
	err      error
}

func (f *fakeEngine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	return f.decision, f.reason, f.err
}

func newTestGateway(t *testing.T, regs map[string]domain.ToolRegistration, engine PolicyEngine) (*Gateway, ToolCallStore) {
	t.Helper()
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	return New("s1", regs, engine, store), store
}

func TestAutoAllowRunsHandler(t *testing.T) {
	ctx := context.Background()
	regs := map[string]domain.ToolRegistration{
		"echo": {
			Name:   "echo",
			Policy: domain.ToolPolicyAutoAllow,
			Handler: func(ctx context.Context, toolID string, input json.RawMessage) (string, error) {
				return string(input), nil
			},
		},
	}
	g, _ := newTestGateway(t, regs, nil)

	res, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "echo", Input: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res == nil || res.IsError || res.Result != `{"x":1}` || res.ToolID != "t1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAutoDenyIsNormalErrorResult(t *testing.T) {
	ctx := context.Background()
	regs := map[string]domain.ToolRegistration{
		"rm": {Name: "rm", Policy: domain.ToolPolicyAutoDeny},
	}
	g, _ := newTestGateway(t, regs, nil)

	res, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "rm"})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res == nil || !res.IsError {
		t.Fatalf("expected denial result, got %+v", res)
	}
}

func TestHandlerErrorBecomesErrorResult(t *testing.T) {
	ctx := context.Background()
	regs := map[string]domain.ToolRegistration{
		"flaky": {
			Name:   "flaky",
			Policy: domain.ToolPolicyAutoAllow,
			Handler: func(ctx context.Context, toolID string, input json.RawMessage) (string, error) {
				return "", fmt.Errorf("backend unavailable")
			},
		},
	}
	g, _ := newTestGateway(t, regs, nil)

	res, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "flaky"})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res == nil || !res.IsError || res.Result != "backend unavailable" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAskSuspendsUntilResolve(t *testing.T) {
	ctx := context.Background()
	regs := map[string]domain.ToolRegistration{
		"deploy": {Name: "deploy", Policy: domain.ToolPolicyAsk},
	}
	g, _ := newTestGateway(t, regs, nil)

	res, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "deploy"})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res != nil {
		t.Fatalf("ask policy must suspend, got %+v", res)
	}
	pending := g.Pending()
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}

	result, err := g.Resolve(ctx, "t1", domain.ToolDecision{Approve: true, Result: `{"deployed":true}`})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.IsError || result.Result != `{"deployed":true}` {
		t.Fatalf("unexpected resolution: %+v", result)
	}
	if len(g.Pending()) != 0 {
		t.Fatal("resolved call still pending")
	}

	// Each request resolves at most once.
	if _, err := g.Resolve(ctx, "t1", domain.ToolDecision{Approve: true}); !errors.Is(err, domain.ErrToolNotPending) {
		t.Fatalf("expected ErrToolNotPending, got %v", err)
	}
}

func TestDenyCarriesReasonAndInterrupt(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t, map[string]domain.ToolRegistration{
		"deploy": {Name: "deploy", Policy: domain.ToolPolicyAsk},
	}, nil)

	if _, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "deploy"}); err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	result, err := g.Resolve(ctx, "t1", domain.ToolDecision{Reason: "not during freeze", Interrupt: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !result.IsError || result.Result != "not during freeze" || !result.Interrupt {
		t.Fatalf("unexpected denial: %+v", result)
	}
}

func TestDuplicateToolUseIDRejected(t *testing.T) {
	ctx := context.Background()
	g, _ := newTestGateway(t, map[string]domain.ToolRegistration{
		"echo": {Name: "echo", Policy: domain.ToolPolicyAutoAllow},
	}, nil)

	if _, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "echo"}); err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	_, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "echo"})
	var protoErr *domain.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestUnregisteredToolFallsThroughToPolicy(t *testing.T) {
	ctx := context.Background()

	g, _ := newTestGateway(t, nil, &fakeEngine{decision: "deny", reason: "unknown tools are denied"})
	res, err := g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t1", Name: "mystery"})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res == nil || !res.IsError || res.Result != "unknown tools are denied" {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Engine failure degrades to asking the orchestrator.
	g, _ = newTestGateway(t, nil, &fakeEngine{err: fmt.Errorf("rego blew up")})
	res, err = g.HandleToolUse(ctx, domain.ToolUseRequest{ID: "t2", Name: "mystery"})
	if err != nil {
		t.Fatalf("HandleToolUse failed: %v", err)
	}
	if res != nil || len(g.Pending()) != 1 {
		t.Fatalf("engine failure should suspend the call: %+v", res)
	}
}

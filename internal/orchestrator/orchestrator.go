// Package orchestrator is the application-facing facade over a durable
// conversation session: register tools, submit queries, decide suspended
// tool calls.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/gateway"
	"github.com/durasess/durasess/internal/router"
	"github.com/durasess/durasess/internal/runtime"
)

// Store is the persistence surface the orchestrator side needs.
type Store interface {
	runtime.JournalStore
	GetOrCreateSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	AppendLog(ctx context.Context, sessionID string, inbound bool, env domain.Envelope) error
	CreateToolCall(ctx context.Context, tc *domain.ToolCall) error
	UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result string, isError bool) error
}

// Orchestrator drives one session. Construction loads recorded history;
// the same application code run against the same history replays to the
// same state without re-executing side effects.
type Orchestrator struct {
	sessionID string
	store     Store
	rec       runtime.Recorder
	router    *router.Router
	engine    gateway.PolicyEngine

	mu            sync.Mutex
	registrations map[string]domain.ToolRegistration
	started       bool
	gw            *gateway.Gateway

	// turnMu serializes turns so recorded mutations land in a
	// deterministic order.
	turnMu sync.Mutex
}

// New creates the facade for a session, loading any recorded history.
func New(ctx context.Context, sessionID string, store Store, engine gateway.PolicyEngine, deliver router.Deliverer) (*Orchestrator, error) {
	if _, err := store.GetOrCreateSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("failed to open session %s: %w", sessionID, err)
	}
	rec, err := runtime.NewReplayRecorder(ctx, store, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal for session %s: %w", sessionID, err)
	}
	return &Orchestrator{
		sessionID:     sessionID,
		store:         store,
		rec:           rec,
		router:        router.New(sessionID, rec, store, deliver),
		engine:        engine,
		registrations: make(map[string]domain.ToolRegistration),
	}, nil
}

// SessionID returns the stable session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Router exposes the session router for worker-facing wiring.
func (o *Orchestrator) Router() *router.Router { return o.router }

// RegisterTool adds a tool to the interception table. The table is
// immutable once the session starts.
func (o *Orchestrator) RegisterTool(reg domain.ToolRegistration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return domain.ErrRegistrationClosed
	}
	o.registrations[reg.Name] = reg
	return nil
}

// RegisteredTools lists registered tool names, sorted.
func (o *Orchestrator) RegisteredTools() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.registrations))
	for name := range o.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start freezes the registration table and builds the interception
// gateway. It is idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	o.gw = gateway.New(o.sessionID, o.registrations, o.engine, o.store)
	o.started = true
	return nil
}

// SendQuery submits a query and returns the stream of messages for its
// turn. The channel is closed after the terminal message. Turns run one
// at a time; a second query queues behind the current turn. A consumer
// that stops draining must cancel ctx: the turn then runs to its
// terminal with further messages dropped from the stream, so the session
// stays usable for subsequent queries.
func (o *Orchestrator) SendQuery(ctx context.Context, text string) (<-chan domain.Message, error) {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("session %s not started", o.sessionID)
	}

	out := make(chan domain.Message, 16)
	go o.runTurn(ctx, text, out)
	return out, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, text string, out chan<- domain.Message) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()
	defer close(out)

	// The turn keeps recording until its terminal even when the consumer
	// cancels; only the stream sends are tied to ctx. An abandoned stream
	// therefore cannot wedge the session mid-turn.
	turnCtx := context.WithoutCancel(ctx)
	emit := func(m domain.Message) {
		select {
		case out <- m:
		case <-ctx.Done():
		}
	}

	o.setStatus(turnCtx, domain.SessionStatusAwaitingReply)
	if _, err := o.router.RouteOutbound(turnCtx, domain.UserQuery{Text: text}); err != nil {
		log.Printf("ERROR: failed to route query for session %s: %v", o.sessionID, err)
		emit(domain.ErrorMessage{Description: err.Error()})
		o.setStatus(turnCtx, domain.SessionStatusFailed)
		return
	}

	for {
		batch, err := o.router.WaitMessages(turnCtx)
		if err != nil {
			log.Printf("ERROR: wait failed for session %s: %v", o.sessionID, err)
			return
		}
		for _, env := range batch {
			switch m := env.Message.(type) {
			case domain.ToolUseRequest:
				emit(m)
				if err := o.handleToolUse(turnCtx, m); err != nil {
					log.Printf("ERROR: tool handling failed for session %s: %v", o.sessionID, err)
				}
			case domain.TurnResult:
				emit(m)
				o.setStatus(turnCtx, domain.SessionStatusIdle)
				return
			case domain.ErrorMessage:
				emit(m)
				o.setStatus(turnCtx, domain.SessionStatusFailed)
				return
			default:
				emit(m)
			}
		}
	}
}

// handleToolUse runs the gateway decision for one intercepted request.
// An auto decision routes its result immediately. A suspended request
// either waits for an explicit decision, or, when recorded history
// already carries that decision, has it re-applied from the journal.
func (o *Orchestrator) handleToolUse(ctx context.Context, req domain.ToolUseRequest) error {
	res, err := o.gw.HandleToolUse(ctx, req)
	if err != nil {
		log.Printf("WARN: rejected tool use %s for session %s: %v", req.ID, o.sessionID, err)
		return nil
	}
	if res != nil {
		_, err := o.router.RouteOutbound(ctx, *res)
		return err
	}

	if kind, ok := o.rec.PeekKind(); ok && kind == router.MutationRouteOutbound {
		env, err := o.router.RouteOutbound(ctx, domain.ToolResult{})
		if err != nil {
			return err
		}
		if tr, ok := env.Message.(domain.ToolResult); ok {
			o.gw.MarkResolved(ctx, tr.ToolID, tr)
		}
		return nil
	}

	o.setStatus(ctx, domain.SessionStatusToolPending)
	return nil
}

// ResolvePendingTool applies an explicit approve/deny decision to a
// suspended tool call and routes the result back to the subprocess.
func (o *Orchestrator) ResolvePendingTool(ctx context.Context, toolID string, decision domain.ToolDecision) error {
	o.mu.Lock()
	gw := o.gw
	o.mu.Unlock()
	if gw == nil {
		return fmt.Errorf("session %s not started", o.sessionID)
	}

	res, err := gw.Resolve(ctx, toolID, decision)
	if err != nil {
		return err
	}
	if _, err := o.router.RouteOutbound(ctx, res); err != nil {
		return err
	}
	o.setStatus(ctx, domain.SessionStatusAwaitingReply)
	return nil
}

// PendingTools returns suspended tool requests in arrival order.
func (o *Orchestrator) PendingTools() []domain.ToolUseRequest {
	o.mu.Lock()
	gw := o.gw
	o.mu.Unlock()
	if gw == nil {
		return nil
	}
	return gw.Pending()
}

// Session returns the current session record.
func (o *Orchestrator) Session(ctx context.Context) (*domain.Session, error) {
	return o.store.GetSession(ctx, o.sessionID)
}

func (o *Orchestrator) setStatus(ctx context.Context, status domain.SessionStatus) {
	if err := o.store.UpdateSessionStatus(ctx, o.sessionID, status); err != nil {
		log.Printf("WARN: failed to update session %s status to %s: %v", o.sessionID, status, err)
	}
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/durasess/durasess/internal/adapter/delivery"
	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/gateway"
)

// CheckpointStore persists worker checkpoints carried by beacons.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

// SessionHandle bundles one live session with its outbound queue.
type SessionHandle struct {
	Orchestrator *Orchestrator
	Outbound     *delivery.Queue
}

// Hub hosts the orchestrator side of many sessions behind the internal
// API: it fans worker pushes to the right router and hands outbound
// messages to polling workers.
type Hub struct {
	store       Store
	checkpoints CheckpointStore
	engine      gateway.PolicyEngine

	mu       sync.Mutex
	sessions map[string]*SessionHandle

	// OnOpen is invoked once per newly opened session, letting the host
	// spawn a worker for it.
	OnOpen func(sessionID string)
}

// NewHub creates an empty hub.
func NewHub(store Store, checkpoints CheckpointStore, engine gateway.PolicyEngine) *Hub {
	return &Hub{
		store:       store,
		checkpoints: checkpoints,
		engine:      engine,
		sessions:    make(map[string]*SessionHandle),
	}
}

// NewSessionID mints a stable session identifier.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// Open returns the handle for a session, creating and starting it on
// first use. Construction happens under the lock so two concurrent opens
// of a new session observe a single orchestrator and the journal is
// loaded once. Hub-hosted sessions have no programmatic tool
// registrations; interception falls through to the policy engine.
func (h *Hub) Open(ctx context.Context, sessionID string) (*SessionHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if handle, ok := h.sessions[sessionID]; ok {
		return handle, nil
	}

	queue := delivery.NewQueue()
	orc, err := New(ctx, sessionID, h.store, h.engine, queue)
	if err != nil {
		return nil, err
	}
	if err := orc.Start(ctx); err != nil {
		return nil, err
	}

	handle := &SessionHandle{Orchestrator: orc, Outbound: queue}
	h.sessions[sessionID] = handle

	if h.OnOpen != nil {
		go h.OnOpen(sessionID)
	}
	return handle, nil
}

// Get returns an already-open session handle.
func (h *Hub) Get(sessionID string) (*SessionHandle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.sessions[sessionID]
	return handle, ok
}

// Accept routes one worker-pushed message to the session's router.
func (h *Hub) Accept(ctx context.Context, sessionID string, env domain.Envelope) error {
	handle, ok := h.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	return handle.Orchestrator.Router().Accept(ctx, env)
}

// Beacon persists a worker checkpoint.
func (h *Hub) Beacon(ctx context.Context, cp domain.Checkpoint) error {
	return h.checkpoints.SaveCheckpoint(ctx, cp)
}

// Fail injects a terminal error into a session after worker retries are
// exhausted. The error takes the next inbound seq so the router accepts
// it like any worker message.
func (h *Hub) Fail(ctx context.Context, sessionID string, cause error) error {
	handle, ok := h.Get(sessionID)
	if !ok {
		return fmt.Errorf("unknown session %s", sessionID)
	}
	r := handle.Orchestrator.Router()
	env := domain.Envelope{
		Seq:     r.LastSeq() + 1,
		Message: domain.ErrorMessage{Description: cause.Error()},
	}
	return r.Accept(ctx, env)
}

// AckedSeq returns the session's turn-boundary watermark, the seq of the
// last terminal message its router accepted.
func (h *Hub) AckedSeq(sessionID string) (uint64, error) {
	handle, ok := h.Get(sessionID)
	if !ok {
		return 0, fmt.Errorf("unknown session %s", sessionID)
	}
	return handle.Orchestrator.Router().AckedSeq(), nil
}

// Unacknowledged returns outbound queries whose turn has not completed.
func (h *Hub) Unacknowledged(sessionID string) ([]domain.Envelope, error) {
	handle, ok := h.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return handle.Orchestrator.Router().Unacknowledged(), nil
}

// Outbound blocks until the session has an outbound envelope for the
// worker, or the context expires.
func (h *Hub) Outbound(ctx context.Context, sessionID string) (domain.Envelope, error) {
	handle, ok := h.Get(sessionID)
	if !ok {
		return domain.Envelope{}, fmt.Errorf("unknown session %s", sessionID)
	}
	return handle.Outbound.Pop(ctx)
}

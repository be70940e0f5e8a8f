// Package router delivers messages between the deterministic orchestrator
// side and the retryable session worker, exactly once from the
// orchestrator's observable perspective.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/runtime"
)

// LogStore appends to the orchestrator-owned session message log.
type LogStore interface {
	AppendLog(ctx context.Context, sessionID string, inbound bool, env domain.Envelope) error
}

// Deliverer is the non-replayed channel that carries outbound messages to
// the live worker.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, env domain.Envelope) error
}

// Router owns the per-session message buffers. Outbound enqueues and
// inbound drains are recorded mutations; inbound acceptance and the
// actual delivery to the worker happen on the live, non-replayed side.
type Router struct {
	sessionID string
	rec       runtime.Recorder
	logs      LogStore
	deliver   Deliverer

	mu      sync.Mutex
	lastSeq uint64
	acked   uint64 // seq of the last accepted terminal message
	inbound []domain.Envelope
	outSeq  uint64
	pending []domain.Envelope // outbound queries whose turn has not completed
	notify  chan struct{}
}

// New creates a router for one session.
func New(sessionID string, rec runtime.Recorder, logs LogStore, deliver Deliverer) *Router {
	return &Router{
		sessionID: sessionID,
		rec:       rec,
		logs:      logs,
		deliver:   deliver,
		notify:    make(chan struct{}, 1),
	}
}

// Recorded mutation kinds.
const (
	MutationRouteOutbound = "route_outbound"
	MutationDrainInbound  = "drain_inbound"
)

// RouteOutbound enqueues a message for worker consumption and returns the
// enqueued envelope. The enqueue is a recorded mutation so an orchestrator
// replay reproduces the event without causing a duplicate
// subprocess-visible effect; delivery to the worker only happens on the
// live path.
func (r *Router) RouteOutbound(ctx context.Context, m domain.Message) (domain.Envelope, error) {
	payload, replayed, err := r.rec.Record(ctx, MutationRouteOutbound, func(ctx context.Context) (json.RawMessage, error) {
		r.mu.Lock()
		r.outSeq++
		seq := r.outSeq
		r.mu.Unlock()

		env := domain.Envelope{Seq: seq, Message: m}
		if err := r.logs.AppendLog(ctx, r.sessionID, false, env); err != nil {
			return nil, fmt.Errorf("failed to log outbound message: %w", err)
		}
		return json.Marshal(env)
	})
	if err != nil {
		return domain.Envelope{}, err
	}

	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to decode recorded outbound message: %w", err)
	}

	r.mu.Lock()
	if env.Seq > r.outSeq {
		r.outSeq = env.Seq
	}
	if env.Message.Type() == domain.MessageTypeUserQuery {
		r.pending = append(r.pending, env)
	}
	r.mu.Unlock()

	if replayed {
		return env, nil
	}
	if err := r.deliver.Deliver(ctx, r.sessionID, env); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// Accept receives one worker-to-orchestrator message on the live side.
// Messages whose seq was already accepted are discarded (redelivery after
// a worker restart); a gap in seq is a protocol violation and the
// offending message is dropped.
func (r *Router) Accept(ctx context.Context, env domain.Envelope) error {
	r.mu.Lock()
	switch {
	case env.Seq <= r.lastSeq:
		r.mu.Unlock()
		return nil
	case env.Seq != r.lastSeq+1:
		last := r.lastSeq
		r.mu.Unlock()
		log.Printf("WARN: dropping out-of-order message seq=%d (last=%d) for session %s", env.Seq, last, r.sessionID)
		return &domain.ProtocolError{Reason: fmt.Sprintf("seq gap: got %d after %d", env.Seq, last)}
	}
	r.lastSeq = env.Seq
	if domain.Terminal(env.Message) {
		r.acked = env.Seq
	}
	r.inbound = append(r.inbound, env)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// DrainInbound atomically removes and returns all messages accumulated
// since the last drain. The batch is recorded in orchestrator history
// before the live buffer is cleared, so a retried or replayed drain
// returns the same batch and no message is observed twice or lost.
func (r *Router) DrainInbound(ctx context.Context) ([]domain.Envelope, error) {
	r.mu.Lock()
	snapshot := append([]domain.Envelope{}, r.inbound...)
	r.mu.Unlock()

	payload, replayed, err := r.rec.Record(ctx, MutationDrainInbound, func(ctx context.Context) (json.RawMessage, error) {
		for _, env := range snapshot {
			if err := r.logs.AppendLog(ctx, r.sessionID, true, env); err != nil {
				return nil, fmt.Errorf("failed to log inbound message: %w", err)
			}
		}
		return json.Marshal(snapshot)
	})
	if err != nil {
		return nil, err
	}

	var batch []domain.Envelope
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode recorded drain batch: %w", err)
		}
	}

	r.mu.Lock()
	if replayed {
		// Replay restores dedup state so a live worker re-emitting
		// already-drained seqs gets discarded.
		for _, env := range batch {
			if env.Seq > r.lastSeq {
				r.lastSeq = env.Seq
			}
			if domain.Terminal(env.Message) && env.Seq > r.acked {
				r.acked = env.Seq
			}
		}
	} else {
		r.inbound = r.inbound[len(batch):]
	}
	for _, env := range batch {
		if domain.Terminal(env.Message) && len(r.pending) > 0 {
			r.pending = r.pending[1:]
		}
	}
	r.mu.Unlock()

	return batch, nil
}

// WaitMessages blocks until at least one inbound message is available,
// then drains. During replay it drains recorded batches immediately.
func (r *Router) WaitMessages(ctx context.Context) ([]domain.Envelope, error) {
	for {
		if r.rec.Replaying() {
			return r.DrainInbound(ctx)
		}
		r.mu.Lock()
		n := len(r.inbound)
		r.mu.Unlock()
		if n > 0 {
			return r.DrainInbound(ctx)
		}
		select {
		case <-r.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Unacknowledged returns outbound queries whose turn has not completed,
// oldest first. A restarted worker resumes from the first of these.
func (r *Router) Unacknowledged() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Envelope{}, r.pending...)
}

// LastSeq returns the highest accepted inbound seq.
func (r *Router) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// AckedSeq returns the seq of the last accepted terminal message, the
// turn boundary a restarted worker numbers a replayed turn from.
func (r *Router) AckedSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked
}

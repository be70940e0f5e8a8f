// Package worker owns the AI subprocess for a session's lifetime: it
// turns submitted queries into ordered message streams, persists recovery
// checkpoints via liveness beacons, and is safe to kill and restart at
// any point.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/subprocess"
)

// Upstream receives worker-to-orchestrator messages.
type Upstream interface {
	Accept(ctx context.Context, env domain.Envelope) error
}

// BeaconSink receives liveness beacons carrying the current checkpoint.
type BeaconSink interface {
	Beacon(ctx context.Context, cp domain.Checkpoint) error
}

// QuerySource supplies the queries to process, starting from the first
// unacknowledged one after a restart.
type QuerySource interface {
	Next(ctx context.Context) (domain.UserQuery, error)
}

// Worker is one attempt at running a session. A crashed attempt is
// abandoned; recovery happens when the next attempt starts.
type Worker struct {
	sessionID string
	channel   subprocess.Channel
	upstream  Upstream
	beacons   BeaconSink

	handle string
	seq    uint64
	base   uint64 // seq at the start of the in-flight turn
}

// Run processes queries until the context is cancelled. Cancellation is
// a terminal state, not an error: the subprocess is stopped gracefully
// and a final checkpoint is flushed.
func (w *Worker) Run(ctx context.Context, source QuerySource) error {
	for {
		q, err := source.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return w.shutdown(ctx)
			}
			return err
		}
		if err := w.processTurn(ctx, q); err != nil {
			return err
		}
	}
}

// processTurn streams one turn upstream. Each message gets the next
// session seq; the checkpoint is beaconed before the message is
// forwarded, so the checkpoint never runs ahead of what was delivered.
// The turn base only advances past the terminal message, so a restarted
// attempt replaying this turn reuses the same seqs and the router's
// dedup discards exactly the already-delivered prefix.
func (w *Worker) processTurn(ctx context.Context, q domain.UserQuery) error {
	w.base = w.seq
	stream, err := w.channel.Send(ctx, q)
	if err != nil {
		return &domain.SubprocessCrashError{SessionID: w.sessionID, Cause: err}
	}

	terminal := false
	for m := range stream {
		w.beacon(ctx, w.seq)
		w.seq++
		env := domain.Envelope{Seq: w.seq, Message: m}
		if err := w.upstream.Accept(ctx, env); err != nil {
			var protoErr *domain.ProtocolError
			if errors.As(err, &protoErr) {
				log.Printf("WARN: upstream dropped message seq=%d: %v", env.Seq, err)
				continue
			}
			return fmt.Errorf("failed to deliver message seq=%d: %w", env.Seq, err)
		}
		if domain.Terminal(m) {
			terminal = true
		}
	}

	if !terminal {
		cause := w.channel.Err()
		if cause == nil {
			cause = errors.New("stream ended without a terminal message")
		}
		return &domain.SubprocessCrashError{SessionID: w.sessionID, Cause: cause}
	}

	w.base = w.seq
	w.beacon(ctx, w.seq)
	return nil
}

// ForwardToolResult feeds a resolved tool decision into the subprocess so
// the blocked turn can continue.
func (w *Worker) ForwardToolResult(ctx context.Context, tr domain.ToolResult) error {
	return w.channel.SubmitToolResult(ctx, tr)
}

// beacon persists a fresh checkpoint. A failed beacon only leaves the
// checkpoint further behind, which is the safe direction.
func (w *Worker) beacon(ctx context.Context, lastAcked uint64) {
	cp := domain.Checkpoint{
		SessionID:           w.sessionID,
		ExternalHandle:      w.handle,
		LastAcknowledgedSeq: lastAcked,
		TurnBaseSeq:         w.base,
		Native:              w.channel.NativeCheckpoint(),
		UpdatedAt:           time.Now(),
	}
	if err := w.beacons.Beacon(ctx, cp); err != nil {
		log.Printf("WARN: beacon failed for session %s: %v", w.sessionID, err)
	}
}

func (w *Worker) shutdown(ctx context.Context) error {
	// Use a fresh context: the caller's is already cancelled.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.beacon(stopCtx, w.seq)
	if err := w.channel.Stop(stopCtx); err != nil {
		log.Printf("WARN: subprocess stop failed for session %s: %v", w.sessionID, err)
	}
	return nil
}

// Handle returns the external session handle issued by the subprocess.
func (w *Worker) Handle() string { return w.handle }

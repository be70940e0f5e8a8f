package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/runtime"
	"github.com/durasess/durasess/tests/helpers"
)

type captureDeliverer struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (d *captureDeliverer) Deliver(ctx context.Context, sessionID string, env domain.Envelope) error {
	d.mu.Lock()
	d.envs = append(d.envs, env)
	d.mu.Unlock()
	return nil
}

func (d *captureDeliverer) delivered() []domain.Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Envelope{}, d.envs...)
}

func newTestRouter(t *testing.T, sessionID string) (*Router, *captureDeliverer) {
	t.Helper()
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, sessionID); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	deliver := &captureDeliverer{}
	return New(sessionID, runtime.NewRecorder(store, sessionID), store, deliver), deliver
}

func TestRouteOutboundDeliversAndLogs(t *testing.T) {
	ctx := context.Background()
	r, deliver := newTestRouter(t, "s1")

	env, err := r.RouteOutbound(ctx, domain.UserQuery{Text: "hi"})
	if err != nil {
		t.Fatalf("RouteOutbound failed: %v", err)
	}
	if env.Seq != 1 {
		t.Fatalf("outbound seq = %d", env.Seq)
	}
	got := deliver.delivered()
	if len(got) != 1 || got[0].Message.(domain.UserQuery).Text != "hi" {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	pending := r.Unacknowledged()
	if len(pending) != 1 {
		t.Fatalf("expected 1 unacknowledged query, got %d", len(pending))
	}
}

func TestAcceptDedupAndGap(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, "s1")

	if err := r.Accept(ctx, domain.Envelope{Seq: 1, Message: domain.AssistantText{Text: "a"}}); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	// Redelivered duplicate is silently discarded.
	if err := r.Accept(ctx, domain.Envelope{Seq: 1, Message: domain.AssistantText{Text: "a"}}); err != nil {
		t.Fatalf("duplicate Accept failed: %v", err)
	}
	// A gap is a protocol violation and the message is dropped.
	err := r.Accept(ctx, domain.Envelope{Seq: 3, Message: domain.AssistantText{Text: "c"}})
	var protoErr *domain.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if r.LastSeq() != 1 {
		t.Fatalf("LastSeq = %d after gap", r.LastSeq())
	}

	batch, err := r.DrainInbound(ctx)
	if err != nil {
		t.Fatalf("DrainInbound failed: %v", err)
	}
	if len(batch) != 1 || batch[0].Seq != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestDrainAcknowledgesQueryOnTerminal(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRouter(t, "s1")

	if _, err := r.RouteOutbound(ctx, domain.UserQuery{Text: "hi"}); err != nil {
		t.Fatalf("RouteOutbound failed: %v", err)
	}
	if err := r.Accept(ctx, domain.Envelope{Seq: 1, Message: domain.AssistantText{Text: "a"}}); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := r.Accept(ctx, domain.Envelope{Seq: 2, Message: domain.TurnResult{}}); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	batch, err := r.DrainInbound(ctx)
	if err != nil {
		t.Fatalf("DrainInbound failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(batch))
	}
	if len(r.Unacknowledged()) != 0 {
		t.Fatal("terminal message must acknowledge the pending query")
	}
	if r.AckedSeq() != 2 {
		t.Fatalf("AckedSeq = %d after terminal", r.AckedSeq())
	}
}

func TestReplayReturnsRecordedBatchesWithoutDelivery(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	deliver := &captureDeliverer{}
	live := New("s1", runtime.NewRecorder(store, "s1"), store, deliver)
	if _, err := live.RouteOutbound(ctx, domain.UserQuery{Text: "hi"}); err != nil {
		t.Fatalf("RouteOutbound failed: %v", err)
	}
	for seq := uint64(1); seq <= 2; seq++ {
		msg := domain.Message(domain.AssistantText{Text: "a"})
		if seq == 2 {
			msg = domain.TurnResult{}
		}
		if err := live.Accept(ctx, domain.Envelope{Seq: seq, Message: msg}); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
	}
	liveBatch, err := live.DrainInbound(ctx)
	if err != nil {
		t.Fatalf("DrainInbound failed: %v", err)
	}

	rec, err := runtime.NewReplayRecorder(ctx, store, "s1")
	if err != nil {
		t.Fatalf("NewReplayRecorder failed: %v", err)
	}
	replayDeliver := &captureDeliverer{}
	replayed := New("s1", rec, store, replayDeliver)

	env, err := replayed.RouteOutbound(ctx, domain.UserQuery{Text: "hi"})
	if err != nil {
		t.Fatalf("replayed RouteOutbound failed: %v", err)
	}
	if env.Seq != 1 {
		t.Fatalf("replayed outbound seq = %d", env.Seq)
	}
	batch, err := replayed.WaitMessages(ctx)
	if err != nil {
		t.Fatalf("replayed WaitMessages failed: %v", err)
	}
	if len(batch) != len(liveBatch) {
		t.Fatalf("replayed batch size %d, live %d", len(batch), len(liveBatch))
	}
	for i := range batch {
		if batch[i].Seq != liveBatch[i].Seq || batch[i].Message.Type() != liveBatch[i].Message.Type() {
			t.Fatalf("batch diverged at %d: %+v vs %+v", i, batch[i], liveBatch[i])
		}
	}
	if len(replayDeliver.delivered()) != 0 {
		t.Fatal("replay must not deliver to the worker")
	}
	// Dedup state is restored so a live worker redelivering old seqs is
	// discarded.
	if replayed.LastSeq() != 2 {
		t.Fatalf("LastSeq after replay = %d", replayed.LastSeq())
	}
	if replayed.AckedSeq() != 2 {
		t.Fatalf("AckedSeq after replay = %d", replayed.AckedSeq())
	}
	if err := replayed.Accept(ctx, domain.Envelope{Seq: 2, Message: domain.TurnResult{}}); err != nil {
		t.Fatalf("redelivered Accept failed: %v", err)
	}
	if next, err := replayed.DrainInbound(ctx); err != nil || len(next) != 0 {
		t.Fatalf("redelivered duplicate must not surface: %v %v", next, err)
	}
}

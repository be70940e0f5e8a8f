package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/subprocess"
	"github.com/durasess/durasess/tests/helpers"
)

type fakeUpstream struct {
	mu   sync.Mutex
	envs []domain.Envelope
}

func (u *fakeUpstream) Accept(ctx context.Context, env domain.Envelope) error {
	u.mu.Lock()
	u.envs = append(u.envs, env)
	u.mu.Unlock()
	return nil
}

func (u *fakeUpstream) accepted() []domain.Envelope {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]domain.Envelope{}, u.envs...)
}

type fakeBeacons struct {
	mu  sync.Mutex
	cps []domain.Checkpoint
}

func (b *fakeBeacons) Beacon(ctx context.Context, cp domain.Checkpoint) error {
	b.mu.Lock()
	b.cps = append(b.cps, cp)
	b.mu.Unlock()
	return nil
}

func (b *fakeBeacons) checkpoints() []domain.Checkpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Checkpoint{}, b.cps...)
}

type queueSource struct {
	mu      sync.Mutex
	queries []domain.UserQuery
}

func (s *queueSource) Next(ctx context.Context) (domain.UserQuery, error) {
	s.mu.Lock()
	if len(s.queries) > 0 {
		q := s.queries[0]
		s.queries = s.queries[1:]
		s.mu.Unlock()
		return q, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return domain.UserQuery{}, ctx.Err()
}

func (s *queueSource) Reset(pending []domain.Envelope) {
	s.mu.Lock()
	s.queries = s.queries[:0]
	for _, env := range pending {
		if q, ok := env.Message.(domain.UserQuery); ok {
			s.queries = append(s.queries, q)
		}
	}
	s.mu.Unlock()
}

func helloTurn() subprocess.ScriptTurn {
	return subprocess.ScriptTurn{
		Query: "Hello",
		Messages: []domain.Message{
			domain.AssistantText{Text: "Hi"},
			domain.TurnResult{Summary: "greeted"},
		},
	}
}

func TestWorkerStreamsTurnWithSeqAndBeacons(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := helpers.NewTestSQLiteStore(t)
	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h1"}, helloTurn())
	upstream := &fakeUpstream{}
	beacons := &fakeBeacons{}

	w, err := Start(ctx, StartConfig{
		SessionID:   "s1",
		Channel:     channel,
		Upstream:    upstream,
		Beacons:     beacons,
		Checkpoints: store,
		Log:         store,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if w.Handle() != "h1" {
		t.Fatalf("handle = %q", w.Handle())
	}

	if err := w.processTurn(ctx, domain.UserQuery{Text: "Hello"}); err != nil {
		t.Fatalf("processTurn failed: %v", err)
	}

	got := upstream.accepted()
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("unexpected deliveries: %+v", got)
	}
	if got[0].Message.Type() != domain.MessageTypeAssistantText || got[1].Message.Type() != domain.MessageTypeTurnResult {
		t.Fatalf("unexpected message order: %+v", got)
	}

	cps := beacons.checkpoints()
	// One beacon before each message, one after the terminal.
	if len(cps) != 3 {
		t.Fatalf("expected 3 beacons, got %d", len(cps))
	}
	wantAcked := []uint64{0, 1, 2}
	// The base only advances past the terminal, so a mid-turn checkpoint
	// still points at the turn's start.
	wantBase := []uint64{0, 0, 2}
	for i, cp := range cps {
		if cp.LastAcknowledgedSeq != wantAcked[i] {
			t.Fatalf("beacon %d acked %d, want %d", i, cp.LastAcknowledgedSeq, wantAcked[i])
		}
		if cp.TurnBaseSeq != wantBase[i] {
			t.Fatalf("beacon %d base %d, want %d", i, cp.TurnBaseSeq, wantBase[i])
		}
		if cp.ExternalHandle != "h1" || cp.SessionID != "s1" {
			t.Fatalf("beacon %d wrong identity: %+v", i, cp)
		}
	}
}

func TestWorkerCrashMidTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := helpers.NewTestSQLiteStore(t)
	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{CrashAfter: 1}, helloTurn())
	upstream := &fakeUpstream{}

	w, err := Start(ctx, StartConfig{
		SessionID:   "s1",
		Channel:     channel,
		Upstream:    upstream,
		Beacons:     &fakeBeacons{},
		Checkpoints: store,
		Log:         store,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err = w.processTurn(ctx, domain.UserQuery{Text: "Hello"})
	var crash *domain.SubprocessCrashError
	if !errors.As(err, &crash) {
		t.Fatalf("expected SubprocessCrashError, got %v", err)
	}
	if got := upstream.accepted(); len(got) != 1 {
		t.Fatalf("expected 1 delivered message before crash, got %d", len(got))
	}
}

func TestStartPrefersNativeResume(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{
		SessionID:           "s1",
		ExternalHandle:      "h1",
		LastAcknowledgedSeq: 4,
		TurnBaseSeq:         4,
		UpdatedAt:           time.Now(),
	}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h1", Resumable: true})
	w, err := Start(ctx, StartConfig{
		SessionID:   "s1",
		Channel:     channel,
		Upstream:    &fakeUpstream{},
		Beacons:     &fakeBeacons{},
		Checkpoints: store,
		Log:         store,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !channel.Resumed() {
		t.Fatal("expected native resume")
	}
	if w.seq != 4 {
		t.Fatalf("seq should continue from checkpoint, got %d", w.seq)
	}
}

func TestStartFallsBackToColdReplay(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	// Logged conversation from before the crash.
	entries := []domain.Envelope{
		{Message: domain.UserQuery{Text: "Hello"}},
		{Seq: 1, Message: domain.AssistantText{Text: "Hi"}},
		{Seq: 2, Message: domain.TurnResult{}},
	}
	for i, env := range entries {
		if err := store.AppendLog(ctx, "s1", i != 0, env); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
	}
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{
		SessionID:           "s1",
		ExternalHandle:      "h-stale",
		LastAcknowledgedSeq: 2,
		UpdatedAt:           time.Now(),
	}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Handle no longer resumable: subprocess must be cold-started with
	// the logged context.
	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h2"})
	w, err := Start(ctx, StartConfig{
		SessionID:   "s1",
		Channel:     channel,
		Upstream:    &fakeUpstream{},
		Beacons:     &fakeBeacons{},
		Checkpoints: store,
		Log:         store,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if channel.Resumed() {
		t.Fatal("resume should have been rejected")
	}
	replayed := channel.Replayed()
	if len(replayed) != 2 {
		t.Fatalf("expected 2 context messages (query, reply), got %d", len(replayed))
	}
	if w.Handle() != "h2" {
		t.Fatalf("handle = %q", w.Handle())
	}
}

func TestSupervisorRestartsAfterCrash(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h1", Resumable: true, CrashAfter: 1}, helloTurn())
	upstream := &fakeUpstream{}
	source := &queueSource{queries: []domain.UserQuery{{Text: "Hello"}}}
	pendingEnv := domain.Envelope{Seq: 1, Message: domain.UserQuery{Text: "Hello"}}

	runCtx, stop := context.WithCancel(ctx)
	sup := &Supervisor{
		Config: StartConfig{
			SessionID:   "s1",
			Upstream:    upstream,
			Beacons:     StoreBeacons{Store: store},
			Checkpoints: store,
			Log:         store,
		},
		Channels: func() subprocess.Channel { return channel },
		Retry:    RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond},
		Source:   source,
		Pending:  pendingStub{pendingEnv},
		OnAttempt: func(w *Worker) {
			// Stop the run loop once the retried turn finishes.
			go func() {
				for {
					if len(upstream.accepted()) >= 3 {
						stop()
						return
					}
					select {
					case <-time.After(5 * time.Millisecond):
					case <-runCtx.Done():
						return
					}
				}
			}()
		},
	}

	if err := sup.Run(runCtx); err != nil {
		t.Fatalf("Supervisor.Run failed: %v", err)
	}

	// Attempt one delivered AssistantText(1) then crashed; attempt two
	// replayed the turn deterministically: AssistantText(1) again and
	// TurnResult(2).
	got := upstream.accepted()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries across attempts, got %d", len(got))
	}
	if got[0].Seq != 1 || got[1].Seq != 1 || got[2].Seq != 2 {
		t.Fatalf("unexpected seqs: %+v", got)
	}
	if got[2].Message.Type() != domain.MessageTypeTurnResult {
		t.Fatalf("last message should be terminal: %+v", got[2])
	}

	cp, err := store.LoadCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp == nil || cp.LastAcknowledgedSeq != 2 {
		t.Fatalf("unexpected final checkpoint: %+v", cp)
	}
}

type pendingStub struct {
	env domain.Envelope
}

func (p pendingStub) Unacknowledged() []domain.Envelope {
	return []domain.Envelope{p.env}
}

func storyTurn() subprocess.ScriptTurn {
	return subprocess.ScriptTurn{
		Query: "Story",
		Messages: []domain.Message{
			domain.AssistantText{Text: "Once"},
			domain.AssistantText{Text: "upon a time"},
			domain.TurnResult{Summary: "story told"},
		},
	}
}

func TestSupervisorRenumbersReplayedTurnFromBase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := helpers.NewTestSQLiteStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1"); err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}

	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h1", Resumable: true, CrashAfter: 2}, storyTurn())
	upstream := &fakeUpstream{}
	source := &queueSource{queries: []domain.UserQuery{{Text: "Story"}}}
	pendingEnv := domain.Envelope{Seq: 1, Message: domain.UserQuery{Text: "Story"}}

	runCtx, stop := context.WithCancel(ctx)
	sup := &Supervisor{
		Config: StartConfig{
			SessionID:   "s1",
			Upstream:    upstream,
			Beacons:     StoreBeacons{Store: store},
			Checkpoints: store,
			Log:         store,
		},
		Channels: func() subprocess.Channel { return channel },
		Retry:    RetryPolicy{MaxAttempts: 3, Backoff: 10 * time.Millisecond},
		Source:   source,
		Pending:  pendingStub{pendingEnv},
		OnAttempt: func(w *Worker) {
			go func() {
				for {
					if len(upstream.accepted()) >= 5 {
						stop()
						return
					}
					select {
					case <-time.After(5 * time.Millisecond):
					case <-runCtx.Done():
						return
					}
				}
			}()
		},
	}

	if err := sup.Run(runCtx); err != nil {
		t.Fatalf("Supervisor.Run failed: %v", err)
	}

	// Attempt one delivered seqs 1 and 2, then crashed before the
	// terminal. Attempt two replays the whole turn and must reuse the
	// same numbering so the receiver's dedup discards the prefix instead
	// of accepting it again under fresh seqs.
	got := upstream.accepted()
	wantSeqs := []uint64{1, 2, 1, 2, 3}
	if len(got) != len(wantSeqs) {
		t.Fatalf("expected %d deliveries across attempts, got %d: %+v", len(wantSeqs), len(got), got)
	}
	for i, want := range wantSeqs {
		if got[i].Seq != want {
			t.Fatalf("delivery %d seq %d, want %d", i, got[i].Seq, want)
		}
	}
	if got[4].Message.Type() != domain.MessageTypeTurnResult {
		t.Fatalf("last message should be terminal: %+v", got[4])
	}

	cp, err := store.LoadCheckpoint(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if cp == nil || cp.LastAcknowledgedSeq != 3 || cp.TurnBaseSeq != 3 {
		t.Fatalf("unexpected final checkpoint: %+v", cp)
	}
}

func TestStartRecoveryExhausted(t *testing.T) {
	ctx := context.Background()
	store := helpers.NewTestSQLiteStore(t)
	if err := store.SaveCheckpoint(ctx, domain.Checkpoint{
		SessionID:           "s1",
		ExternalHandle:      "h1",
		LastAcknowledgedSeq: 1,
		UpdatedAt:           time.Now(),
	}); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Not resumable and already started: cold start fails too.
	channel := subprocess.NewScriptChannel(subprocess.ScriptConfig{Handle: "h1"})
	if _, err := channel.Start(ctx, nil); err != nil {
		t.Fatalf("seed Start failed: %v", err)
	}

	_, err := Start(ctx, StartConfig{
		SessionID:   "s1",
		Channel:     channel,
		Upstream:    &fakeUpstream{},
		Beacons:     &fakeBeacons{},
		Checkpoints: store,
		Log:         store,
	})
	if !errors.Is(err, domain.ErrRecoveryExhausted) {
		t.Fatalf("expected ErrRecoveryExhausted, got %v", err)
	}
}

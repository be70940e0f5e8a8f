// Package runtime defines the capability surface the orchestrator expects
// from its durable-execution environment: recorded mutations that replay
// deterministically, and the journal storage behind them.
package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durasess/durasess/internal/domain"
)

// JournalEntry is one recorded mutation in an orchestration instance's
// history.
type JournalEntry struct {
	Idx        int64           `json:"idx"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// JournalStore persists recorded mutations per session.
type JournalStore interface {
	AppendJournal(ctx context.Context, sessionID string, entry JournalEntry) error
	GetJournal(ctx context.Context, sessionID string) ([]JournalEntry, error)
}

// Recorder makes orchestrator-side mutations part of recorded, replayable
// history. During live execution Record runs compute, persists the result
// and returns it. During replay Record returns the recorded result without
// re-executing compute, so side effects inside compute happen exactly once
// from the orchestrator's observable perspective.
type Recorder interface {
	// Record returns the mutation result and whether it came from replay.
	Record(ctx context.Context, kind string, compute func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error)
	// Replaying reports whether recorded history remains to be consumed.
	Replaying() bool
	// PeekKind returns the kind of the next recorded mutation when
	// replaying. It lets the caller re-apply externally driven mutations
	// (e.g. a tool decision) that replayed code alone would not re-issue.
	PeekKind() (string, bool)
}

// JournalRecorder is a Recorder backed by a JournalStore.
type JournalRecorder struct {
	store     JournalStore
	sessionID string
	next      int64
	history   []JournalEntry
	pos       int
}

// NewRecorder creates a live recorder with no history to replay.
func NewRecorder(store JournalStore, sessionID string) *JournalRecorder {
	return &JournalRecorder{store: store, sessionID: sessionID}
}

// NewReplayRecorder loads the session's journal and returns a recorder that
// replays it before going live.
func NewReplayRecorder(ctx context.Context, store JournalStore, sessionID string) (*JournalRecorder, error) {
	history, err := store.GetJournal(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &JournalRecorder{store: store, sessionID: sessionID, history: history}, nil
}

// Record implements Recorder.
func (r *JournalRecorder) Record(ctx context.Context, kind string, compute func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	if r.pos < len(r.history) {
		entry := r.history[r.pos]
		if entry.Kind != kind {
			return nil, false, domain.ErrReplayMismatch
		}
		r.pos++
		r.next++
		return entry.Payload, true, nil
	}

	payload, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	entry := JournalEntry{
		Idx:        r.next,
		Kind:       kind,
		Payload:    payload,
		RecordedAt: time.Now(),
	}
	if err := r.store.AppendJournal(ctx, r.sessionID, entry); err != nil {
		return nil, false, err
	}
	r.next++
	return payload, false, nil
}

// Replaying implements Recorder.
func (r *JournalRecorder) Replaying() bool {
	return r.pos < len(r.history)
}

// PeekKind implements Recorder.
func (r *JournalRecorder) PeekKind() (string, bool) {
	if r.pos < len(r.history) {
		return r.history[r.pos].Kind, true
	}
	return "", false
}

package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/durasess/durasess/internal/domain"
)

// ScriptTurn is one pre-configured turn of a scripted subprocess.
type ScriptTurn struct {
	// Query matches the submitted query text.
	Query string
	// Messages are emitted in order. A ToolUseRequest in the list blocks
	// the stream until the matching ToolResult is submitted back.
	Messages []domain.Message
}

// ScriptConfig configures scripted subprocess behavior.
type ScriptConfig struct {
	Handle string
	// Resumable makes native resume succeed for the configured handle.
	Resumable bool
	// CrashAfter simulates a single subprocess crash once this many
	// messages have been emitted across the session. Zero means never.
	CrashAfter int
}

// ScriptChannel is a deterministic in-memory subprocess used in tests.
// Identical queries always produce identical message sequences, so a
// session resumed from any checkpoint behaves the same as an
// uninterrupted one.
type ScriptChannel struct {
	mu sync.Mutex

	turns []ScriptTurn
	cfg   ScriptConfig

	started   bool
	resumed   bool
	completed int
	emitted   int
	lastErr   error

	replayed    []domain.Message
	queries     []string
	toolResults chan domain.ToolResult
}

// NewScriptChannel creates a scripted subprocess.
func NewScriptChannel(cfg ScriptConfig, turns ...ScriptTurn) *ScriptChannel {
	if cfg.Handle == "" {
		cfg.Handle = "scripted-session"
	}
	return &ScriptChannel{
		turns:       turns,
		cfg:         cfg,
		toolResults: make(chan domain.ToolResult, 4),
	}
}

// Start implements Channel.
func (s *ScriptChannel) Start(ctx context.Context, replay []domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return "", fmt.Errorf("scripted subprocess already started")
	}
	s.started = true
	s.replayed = append([]domain.Message{}, replay...)
	return s.cfg.Handle, nil
}

// Resume implements Channel.
func (s *ScriptChannel) Resume(ctx context.Context, handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Resumable || handle != s.cfg.Handle {
		return false
	}
	s.started = true
	s.resumed = true
	return true
}

// Send implements Channel.
func (s *ScriptChannel) Send(ctx context.Context, q domain.UserQuery) (<-chan domain.Message, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, fmt.Errorf("scripted subprocess not started")
	}
	s.queries = append(s.queries, q.Text)

	var turn *ScriptTurn
	for i := range s.turns {
		if s.turns[i].Query == q.Text {
			turn = &s.turns[i]
			break
		}
	}
	s.mu.Unlock()

	if turn == nil {
		return nil, fmt.Errorf("unscripted query: %q", q.Text)
	}

	out := make(chan domain.Message)
	go s.playTurn(ctx, turn, out)
	return out, nil
}

func (s *ScriptChannel) playTurn(ctx context.Context, turn *ScriptTurn, out chan<- domain.Message) {
	defer close(out)
	for _, m := range turn.Messages {
		s.mu.Lock()
		if s.cfg.CrashAfter > 0 && s.emitted >= s.cfg.CrashAfter {
			s.lastErr = fmt.Errorf("scripted crash after %d messages", s.emitted)
			s.started = false
			s.cfg.CrashAfter = 0 // crash once
			s.mu.Unlock()
			return
		}
		s.emitted++
		s.mu.Unlock()

		select {
		case out <- m:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}

		if m.Type() == domain.MessageTypeToolUse {
			select {
			case <-s.toolResults:
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
		if domain.Terminal(m) {
			s.mu.Lock()
			s.completed++
			s.mu.Unlock()
			return
		}
	}
}

// SubmitToolResult implements Channel.
func (s *ScriptChannel) SubmitToolResult(ctx context.Context, tr domain.ToolResult) error {
	select {
	case s.toolResults <- tr:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NativeCheckpoint implements Channel.
func (s *ScriptChannel) NativeCheckpoint() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.RawMessage(fmt.Sprintf(`{"turns_completed":%d}`, s.completed))
}

// Err implements Channel.
func (s *ScriptChannel) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *ScriptChannel) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		s.lastErr = err
	}
}

// Stop implements Channel.
func (s *ScriptChannel) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	return nil
}

// Replayed returns the context messages received at cold start.
func (s *ScriptChannel) Replayed() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message{}, s.replayed...)
}

// Queries returns all submitted query texts.
func (s *ScriptChannel) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.queries...)
}

// Resumed reports whether the channel was natively resumed.
func (s *ScriptChannel) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

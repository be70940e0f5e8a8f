// Package subprocess abstracts the AI subprocess as an opaque
// bidirectional channel: start or resume a session, send a query, read
// the resulting message stream, feed tool results back in.
package subprocess

import (
	"context"
	"encoding/json"

	"github.com/durasess/durasess/internal/domain"
)

// Channel is the capability surface the worker holds over the subprocess.
// Implementations: CLIChannel (real process over NDJSON stdio) and
// ScriptChannel (deterministic fixture for tests).
type Channel interface {
	// Start cold-starts the subprocess, replaying the given context
	// messages before accepting new input. It returns the external
	// session handle the subprocess issued.
	Start(ctx context.Context, replay []domain.Message) (string, error)

	// Resume attempts a native resume using a previously issued handle.
	// A false return means the handle was rejected (invalid or expired)
	// and the caller should fall back to Start with context replay.
	Resume(ctx context.Context, handle string) bool

	// Send submits a query and returns the turn's lazy, ordered, finite
	// message stream. The stream closes after the terminal TurnResult or
	// ErrorMessage; a close without a terminal message means the
	// subprocess died mid-turn, with the cause available from Err.
	Send(ctx context.Context, q domain.UserQuery) (<-chan domain.Message, error)

	// SubmitToolResult feeds a tool resolution back so a turn blocked on
	// a ToolUseRequest can continue.
	SubmitToolResult(ctx context.Context, tr domain.ToolResult) error

	// NativeCheckpoint returns the subprocess-native checkpoint blob, or
	// nil when the subprocess has no native persistence.
	NativeCheckpoint() json.RawMessage

	// Err returns the reason the last stream ended abnormally, if any.
	Err() error

	// Stop shuts the subprocess down gracefully.
	Stop(ctx context.Context) error
}

// handshake is the first line a subprocess writes after startup.
type handshake struct {
	Type    string `json:"type"`
	Handle  string `json:"handle"`
	Resumed bool   `json:"resumed,omitempty"`
}

// checkpointLine carries a native checkpoint blob from the subprocess.
type checkpointLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

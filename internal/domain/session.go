package domain

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the status of a conversation session.
type SessionStatus string

const (
	SessionStatusIdle          SessionStatus = "IDLE"
	SessionStatusAwaitingReply SessionStatus = "AWAITING_REPLY"
	SessionStatusToolPending   SessionStatus = "TOOL_PENDING"
	SessionStatusFailed        SessionStatus = "FAILED"
)

// Session is a long-lived conversation. The session_id is derived from
// the orchestration instance and stays stable across worker restarts.
// The message log belongs to the orchestrator side; the external handle
// and checkpoint belong to the worker side.
type Session struct {
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Checkpoint is the worker-owned recovery snapshot, written on every
// liveness beacon. LastAcknowledgedSeq never runs ahead of what has
// actually been delivered upstream. TurnBaseSeq is the seq at which the
// in-flight turn started: a restarted subprocess replays the whole turn,
// so the restarted worker numbers the re-emitted messages from there and
// the already-delivered prefix lands on its original seqs.
type Checkpoint struct {
	SessionID           string          `json:"session_id"`
	ExternalHandle      string          `json:"external_session_handle"`
	LastAcknowledgedSeq uint64          `json:"last_acknowledged_seq"`
	TurnBaseSeq         uint64          `json:"turn_base_seq"`
	Native              json.RawMessage `json:"native_checkpoint,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// LogEntry is one row of the orchestrator-owned session message log.
type LogEntry struct {
	Pos      int64     `json:"pos"`
	Inbound  bool      `json:"inbound"`
	Envelope Envelope  `json:"envelope"`
	LoggedAt time.Time `json:"logged_at"`
}

// ReplayContext extracts the messages that get replayed to a cold
// subprocess: queries, assistant text and tool results, in log order.
func ReplayContext(log []LogEntry) []Message {
	var out []Message
	for _, entry := range log {
		switch entry.Envelope.Message.Type() {
		case MessageTypeUserQuery, MessageTypeAssistantText, MessageTypeToolResult:
			out = append(out, entry.Envelope.Message)
		}
	}
	return out
}

// Package domain defines the core types exchanged between the
// orchestrator and the session worker.
package domain

import "encoding/json"

// MessageType discriminates between message kinds on the wire.
type MessageType string

const (
	MessageTypeUserQuery     MessageType = "user_query"
	MessageTypeAssistantText MessageType = "assistant_text"
	MessageTypeToolUse       MessageType = "tool_use"
	MessageTypeToolResult    MessageType = "tool_result"
	MessageTypeTurnResult    MessageType = "turn_result"
	MessageTypeError         MessageType = "error"
)

// Message is the closed union of everything that crosses the
// orchestrator/worker boundary. Exactly the six types below implement it.
type Message interface {
	Type() MessageType
}

// UserQuery is a query submitted by orchestration logic.
type UserQuery struct {
	Text string
}

func (UserQuery) Type() MessageType { return MessageTypeUserQuery }

// AssistantText is a streamed assistant reply chunk.
type AssistantText struct {
	Text string
}

func (AssistantText) Type() MessageType { return MessageTypeAssistantText }

// ToolUseRequest is emitted by the subprocess when it wants to run a tool.
// The ID is unique within a session and pairs with at most one ToolResult.
type ToolUseRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUseRequest) Type() MessageType { return MessageTypeToolUse }

// ToolResult answers a ToolUseRequest. A denial travels in the same
// envelope with IsError set; it is a normal outcome, not a failure.
type ToolResult struct {
	ToolID    string
	Result    string
	IsError   bool
	Interrupt bool
}

func (ToolResult) Type() MessageType { return MessageTypeToolResult }

// TurnResult terminates a successful turn.
type TurnResult struct {
	Summary    string
	DurationMs int64
}

func (TurnResult) Type() MessageType { return MessageTypeTurnResult }

// ErrorMessage terminates a failed turn.
type ErrorMessage struct {
	Description string
}

func (ErrorMessage) Type() MessageType { return MessageTypeError }

// Terminal reports whether m ends a turn.
func Terminal(m Message) bool {
	switch m.Type() {
	case MessageTypeTurnResult, MessageTypeError:
		return true
	}
	return false
}

// Envelope wraps a message with its session-scoped sequence number.
// Seq is assigned by the worker for inbound (worker to orchestrator)
// messages and is zero for outbound ones.
type Envelope struct {
	Seq     uint64
	Message Message
}

// wireEnvelope is the JSON form used over the router boundary and for
// checkpoint context replay.
type wireEnvelope struct {
	Seq        uint64          `json:"seq,omitempty"`
	Type       MessageType     `json:"type"`
	Content    string          `json:"content,omitempty"`
	Tool       *wireTool       `json:"tool,omitempty"`
	ToolID     string          `json:"tool_id,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Interrupt  bool            `json:"interrupt,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type wireTool struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Seq: e.Seq, Type: e.Message.Type()}
	switch m := e.Message.(type) {
	case UserQuery:
		w.Content = m.Text
	case AssistantText:
		w.Content = m.Text
	case ToolUseRequest:
		w.Tool = &wireTool{ID: m.ID, Name: m.Name, Input: m.Input}
	case ToolResult:
		w.ToolID = m.ToolID
		w.Result = m.Result
		w.IsError = m.IsError
		w.Interrupt = m.Interrupt
	case TurnResult:
		w.Summary = m.Summary
		w.DurationMs = m.DurationMs
	case ErrorMessage:
		w.Error = m.Description
	default:
		return nil, &ProtocolError{Reason: "unknown message type"}
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Seq = w.Seq
	switch w.Type {
	case MessageTypeUserQuery:
		e.Message = UserQuery{Text: w.Content}
	case MessageTypeAssistantText:
		e.Message = AssistantText{Text: w.Content}
	case MessageTypeToolUse:
		if w.Tool == nil {
			return &ProtocolError{Reason: "tool_use message without tool payload"}
		}
		e.Message = ToolUseRequest{ID: w.Tool.ID, Name: w.Tool.Name, Input: w.Tool.Input}
	case MessageTypeToolResult:
		e.Message = ToolResult{ToolID: w.ToolID, Result: w.Result, IsError: w.IsError, Interrupt: w.Interrupt}
	case MessageTypeTurnResult:
		e.Message = TurnResult{Summary: w.Summary, DurationMs: w.DurationMs}
	case MessageTypeError:
		e.Message = ErrorMessage{Description: w.Error}
	default:
		return &ProtocolError{Reason: "unknown message type: " + string(w.Type)}
	}
	return nil
}

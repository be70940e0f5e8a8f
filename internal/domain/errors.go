package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrReplayMismatch means a recorded mutation's recomputation diverged
	// from history. Determinism is broken; the orchestration instance must
	// abort rather than continue.
	ErrReplayMismatch = errors.New("recorded history diverged from recomputation")

	// ErrRecoveryExhausted means both native resume and cold context
	// replay failed. The session cannot continue.
	ErrRecoveryExhausted = errors.New("native resume and context replay both failed")

	// ErrSessionFailed is returned when an operation targets a session
	// already marked failed.
	ErrSessionFailed = errors.New("session is in failed state")

	// ErrToolNotPending is returned when resolving a tool request that is
	// not suspended.
	ErrToolNotPending = errors.New("tool request is not pending")

	// ErrRegistrationClosed is returned when registering a tool after the
	// first query has been submitted.
	ErrRegistrationClosed = errors.New("tool registration is closed once the session has started")
)

// SubprocessCrashError surfaces a subprocess failure mid-turn. The worker
// attempt fails and the enclosing retry policy decides what happens next.
type SubprocessCrashError struct {
	SessionID string
	Cause     error
}

func (e *SubprocessCrashError) Error() string {
	return fmt.Sprintf("subprocess crashed for session %s: %v", e.SessionID, e.Cause)
}

func (e *SubprocessCrashError) Unwrap() error { return e.Cause }

// ProtocolError flags a malformed or out-of-order message. The offending
// message is dropped and the session continues.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol violation: " + e.Reason
}

package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/subprocess"
)

// ResettableSource is a query source that can be rewound to a pending set
// before a restarted attempt.
type ResettableSource interface {
	QuerySource
	Reset(pending []domain.Envelope)
}

// PendingSource reports queries whose turn has not completed.
type PendingSource interface {
	Unacknowledged() []domain.Envelope
}

// FailureSink learns that a session cannot continue. Intermediate crashed
// attempts are invisible; only exhaustion reaches the sink.
type FailureSink interface {
	Fail(ctx context.Context, sessionID string, cause error) error
}

// RetryPolicy bounds restart attempts after subprocess crashes.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// Supervisor runs worker attempts for one session. A subprocess crash is
// retried with a fresh channel; recovery exhaustion and non-crash errors
// fail the session immediately.
type Supervisor struct {
	Config   StartConfig // Channel is ignored; Channels supplies one per attempt
	Channels func() subprocess.Channel
	Retry    RetryPolicy
	Source   ResettableSource
	Pending  PendingSource
	Failures FailureSink

	// OnAttempt observes each started worker, letting the delivery layer
	// route tool results to the live attempt.
	OnAttempt func(*Worker)
}

// Run drives attempts until the session completes, the context is
// cancelled, or retries are exhausted.
func (s *Supervisor) Run(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.Retry.attempts(); attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.Retry.Backoff):
			case <-ctx.Done():
				return nil
			}
			s.Source.Reset(s.Pending.Unacknowledged())
		}

		cfg := s.Config
		cfg.Channel = s.Channels()
		w, err := Start(ctx, cfg)
		if err != nil {
			if errors.Is(err, domain.ErrRecoveryExhausted) {
				s.fail(ctx, err)
				return err
			}
			log.Printf("WARN: worker start failed for session %s (attempt %d/%d): %v", s.Config.SessionID, attempt, s.Retry.attempts(), err)
			lastErr = err
			continue
		}
		if s.OnAttempt != nil {
			s.OnAttempt(w)
		}

		err = w.Run(ctx, s.Source)
		if err == nil {
			return nil
		}
		var crash *domain.SubprocessCrashError
		if errors.As(err, &crash) {
			log.Printf("WARN: subprocess crashed for session %s (attempt %d/%d): %v", s.Config.SessionID, attempt, s.Retry.attempts(), crash.Cause)
			lastErr = err
			continue
		}
		s.fail(ctx, err)
		return err
	}

	s.fail(ctx, lastErr)
	return lastErr
}

func (s *Supervisor) fail(ctx context.Context, cause error) {
	if s.Failures == nil {
		return
	}
	if err := s.Failures.Fail(ctx, s.Config.SessionID, cause); err != nil {
		log.Printf("ERROR: failed to report session %s failure: %v", s.Config.SessionID, err)
	}
}

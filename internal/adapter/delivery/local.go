// Package delivery carries outbound messages from the orchestrator to the
// session worker, in-process or over the internal HTTP API.
package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/worker"
)

// Local connects an orchestrator and worker living in the same process.
// It is the router's delivery channel and the worker's query source.
type Local struct {
	mu     sync.Mutex
	queue  []domain.UserQuery
	notify chan struct{}
	worker *worker.Worker
}

// NewLocal creates an empty local delivery channel.
func NewLocal() *Local {
	return &Local{notify: make(chan struct{}, 1)}
}

// Attach points tool result forwarding at the current worker attempt.
func (l *Local) Attach(w *worker.Worker) {
	l.mu.Lock()
	l.worker = w
	l.mu.Unlock()
}

// Deliver implements the router's delivery channel. Queries are queued for
// the worker loop; tool results go straight into the blocked subprocess.
func (l *Local) Deliver(ctx context.Context, sessionID string, env domain.Envelope) error {
	switch m := env.Message.(type) {
	case domain.UserQuery:
		l.mu.Lock()
		l.queue = append(l.queue, m)
		l.mu.Unlock()
		l.wake()
		return nil
	case domain.ToolResult:
		l.mu.Lock()
		w := l.worker
		l.mu.Unlock()
		if w == nil {
			return fmt.Errorf("no worker attached for session %s", sessionID)
		}
		return w.ForwardToolResult(ctx, m)
	default:
		return fmt.Errorf("unsupported outbound message type %q", env.Message.Type())
	}
}

// Next implements worker.QuerySource.
func (l *Local) Next(ctx context.Context) (domain.UserQuery, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			q := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return q, nil
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-ctx.Done():
			return domain.UserQuery{}, ctx.Err()
		}
	}
}

// Reset replaces the queue with the unacknowledged queries so a restarted
// attempt resumes from the first incomplete turn.
func (l *Local) Reset(pending []domain.Envelope) {
	l.mu.Lock()
	l.queue = l.queue[:0]
	for _, env := range pending {
		if q, ok := env.Message.(domain.UserQuery); ok {
			l.queue = append(l.queue, q)
		}
	}
	n := len(l.queue)
	l.mu.Unlock()
	if n > 0 {
		l.wake()
	}
}

func (l *Local) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

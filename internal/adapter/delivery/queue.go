package delivery

import (
	"context"
	"sync"

	"github.com/durasess/durasess/internal/domain"
)

// Queue buffers outbound envelopes on the orchestrator side for pickup
// over the internal HTTP API. One queue serves one session.
type Queue struct {
	mu     sync.Mutex
	queue  []domain.Envelope
	notify chan struct{}
}

// NewQueue creates an empty outbound queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Deliver implements the router's delivery channel.
func (q *Queue) Deliver(ctx context.Context, sessionID string, env domain.Envelope) error {
	q.mu.Lock()
	q.queue = append(q.queue, env)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest buffered envelope, blocking until one
// is available or the context expires. Handlers bound the wait with a
// request-scoped deadline and translate the timeout into 204.
func (q *Queue) Pop(ctx context.Context) (domain.Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.queue) > 0 {
			env := q.queue[0]
			q.queue = q.queue[1:]
			q.mu.Unlock()
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return domain.Envelope{}, ctx.Err()
		}
	}
}

package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/worker"
)

// Client is the worker-side connection to the orchestrator's internal
// API, for deployments where the worker runs in its own process. It
// pushes messages and beacons and polls the outbound queue for queries
// and tool results.
type Client struct {
	base      string
	sessionID string
	http      *http.Client

	mu      sync.Mutex
	worker  *worker.Worker
	requeue []domain.UserQuery
}

// NewClient creates a client for one session against the given base URL,
// e.g. "http://127.0.0.1:8081".
func NewClient(base, sessionID string) *Client {
	return &Client{
		base:      base,
		sessionID: sessionID,
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Attach points tool result forwarding at the current worker attempt.
func (c *Client) Attach(w *worker.Worker) {
	c.mu.Lock()
	c.worker = w
	c.mu.Unlock()
}

// Accept implements worker.Upstream.
func (c *Client) Accept(ctx context.Context, env domain.Envelope) error {
	status, body, err := c.post(ctx, "/messages", env)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return &domain.ProtocolError{Reason: string(body)}
	default:
		return fmt.Errorf("unexpected status %d delivering message seq=%d", status, env.Seq)
	}
}

// Beacon implements worker.BeaconSink.
func (c *Client) Beacon(ctx context.Context, cp domain.Checkpoint) error {
	status, _, err := c.post(ctx, "/beacon", cp)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d posting beacon", status)
	}
	return nil
}

// Fail implements worker.FailureSink.
func (c *Client) Fail(ctx context.Context, sessionID string, cause error) error {
	status, _, err := c.post(ctx, "/fail", map[string]string{"error": cause.Error()})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("unexpected status %d reporting failure", status)
	}
	return nil
}

// Next implements worker.QuerySource by long-polling the outbound queue.
// Requeued queries from a restart are served first; tool results picked
// up along the way are fed to the attached worker.
func (c *Client) Next(ctx context.Context) (domain.UserQuery, error) {
	for {
		c.mu.Lock()
		if len(c.requeue) > 0 {
			q := c.requeue[0]
			c.requeue = c.requeue[1:]
			c.mu.Unlock()
			return q, nil
		}
		c.mu.Unlock()

		env, ok, err := c.pollOutbound(ctx)
		if err != nil {
			return domain.UserQuery{}, err
		}
		if !ok {
			continue
		}
		switch m := env.Message.(type) {
		case domain.UserQuery:
			return m, nil
		case domain.ToolResult:
			c.mu.Lock()
			w := c.worker
			c.mu.Unlock()
			if w == nil {
				return domain.UserQuery{}, fmt.Errorf("tool result %s arrived with no worker attached", m.ToolID)
			}
			if err := w.ForwardToolResult(ctx, m); err != nil {
				return domain.UserQuery{}, err
			}
		default:
			return domain.UserQuery{}, fmt.Errorf("unsupported outbound message type %q", env.Message.Type())
		}
	}
}

// Reset implements worker.ResettableSource.
func (c *Client) Reset(pending []domain.Envelope) {
	c.mu.Lock()
	c.requeue = c.requeue[:0]
	for _, env := range pending {
		if q, ok := env.Message.(domain.UserQuery); ok {
			c.requeue = append(c.requeue, q)
		}
	}
	c.mu.Unlock()
}

// AckedSeq implements worker.AckedSource by asking the orchestrator for
// its turn-boundary watermark. A fetch failure returns 0, leaving the
// checkpoint's turn base in charge.
func (c *Client) AckedSeq() uint64 {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/acked"), nil)
	if err != nil {
		return 0
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("WARN: failed to fetch acked watermark for session %s: %v", c.sessionID, err)
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var body struct {
		AckedSeq uint64 `json:"acked_seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.Printf("WARN: failed to decode acked watermark for session %s: %v", c.sessionID, err)
		return 0
	}
	return body.AckedSeq
}

// Unacknowledged implements worker.PendingSource by asking the
// orchestrator which queries never completed their turn.
func (c *Client) Unacknowledged() []domain.Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/pending"), nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("WARN: failed to fetch pending queries for session %s: %v", c.sessionID, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var pending []domain.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		log.Printf("WARN: failed to decode pending queries for session %s: %v", c.sessionID, err)
		return nil
	}
	return pending
}

func (c *Client) pollOutbound(ctx context.Context) (domain.Envelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/outbound"), nil)
	if err != nil {
		return domain.Envelope{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Envelope{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return domain.Envelope{}, false, nil
	case http.StatusOK:
		var env domain.Envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return domain.Envelope{}, false, fmt.Errorf("failed to decode outbound envelope: %w", err)
		}
		return env, true, nil
	default:
		return domain.Envelope{}, false, fmt.Errorf("unexpected status %d polling outbound", resp.StatusCode)
	}
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, body, nil
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("%s/internal/sessions/%s%s", c.base, c.sessionID, path)
}

package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/durasess/durasess/internal/domain"
)

// CLIChannel runs the AI subprocess as a child process speaking
// newline-delimited JSON over stdin/stdout. The first line the process
// writes is a handshake carrying the external session handle; after that
// every line is a message envelope, optionally interleaved with native
// checkpoint lines.
type CLIChannel struct {
	mu sync.Mutex

	path string
	args []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	reader *lineReader
	writer *lineWriter

	handle   string
	native   json.RawMessage
	lastErr  error
	started  bool
	stopping bool
}

// NewCLIChannel creates a channel over the subprocess binary at path.
func NewCLIChannel(path string, args ...string) *CLIChannel {
	return &CLIChannel{path: path, args: args}
}

// Start implements Channel.
func (c *CLIChannel) Start(ctx context.Context, replay []domain.Message) (string, error) {
	if err := c.spawn(ctx, nil); err != nil {
		return "", err
	}
	for _, m := range replay {
		if err := c.writer.Write(domain.Envelope{Message: m}); err != nil {
			return "", fmt.Errorf("failed to replay context: %w", err)
		}
	}
	return c.handle, nil
}

// Resume implements Channel.
func (c *CLIChannel) Resume(ctx context.Context, handle string) bool {
	if err := c.spawn(ctx, []string{"--resume", handle}); err != nil {
		log.Printf("WARN: native resume rejected for handle %s: %v", handle, err)
		return false
	}
	return true
}

func (c *CLIChannel) spawn(ctx context.Context, extraArgs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("subprocess already started")
	}

	args := append([]string{}, c.args...)
	args = append(args, extraArgs...)
	c.cmd = exec.CommandContext(ctx, c.path, args...)

	var err error
	c.stdin, err = c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	c.stdout, err = c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	c.reader = newLineReader(c.stdout)
	c.writer = newLineWriter(c.stdin)

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start subprocess: %w", err)
	}
	c.started = true

	line, err := c.reader.ReadLine()
	if err != nil {
		c.killLocked()
		return fmt.Errorf("subprocess exited before handshake: %w", err)
	}
	var hs handshake
	if err := json.Unmarshal(line, &hs); err != nil || hs.Type != "ready" {
		c.killLocked()
		return fmt.Errorf("unexpected handshake line: %s", line)
	}
	if len(extraArgs) > 0 && !hs.Resumed {
		c.killLocked()
		return fmt.Errorf("subprocess declined to resume")
	}
	c.handle = hs.Handle
	return nil
}

// Send implements Channel.
func (c *CLIChannel) Send(ctx context.Context, q domain.UserQuery) (<-chan domain.Message, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("subprocess not started")
	}

	if err := c.writer.Write(domain.Envelope{Message: q}); err != nil {
		return nil, fmt.Errorf("failed to write query: %w", err)
	}

	out := make(chan domain.Message)
	go c.readTurn(ctx, out)
	return out, nil
}

// readTurn pumps subprocess output into the stream until the terminal
// message. A read failure before the terminal closes the stream early,
// which the worker treats as a crash.
func (c *CLIChannel) readTurn(ctx context.Context, out chan<- domain.Message) {
	defer close(out)
	for {
		line, err := c.reader.ReadLine()
		if err != nil {
			c.setErr(fmt.Errorf("subprocess output ended mid-turn: %w", err))
			return
		}

		var cp checkpointLine
		if err := json.Unmarshal(line, &cp); err == nil && cp.Type == "checkpoint" {
			c.mu.Lock()
			c.native = cp.Data
			c.mu.Unlock()
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			log.Printf("WARN: dropping undecodable subprocess line: %s", line)
			continue
		}

		select {
		case out <- env.Message:
		case <-ctx.Done():
			c.setErr(ctx.Err())
			return
		}
		if domain.Terminal(env.Message) {
			return
		}
	}
}

// SubmitToolResult implements Channel.
func (c *CLIChannel) SubmitToolResult(ctx context.Context, tr domain.ToolResult) error {
	return c.writer.Write(domain.Envelope{Message: tr})
}

// NativeCheckpoint implements Channel.
func (c *CLIChannel) NativeCheckpoint() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.native
}

// Err implements Channel.
func (c *CLIChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *CLIChannel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastErr == nil {
		c.lastErr = err
	}
}

// Stop implements Channel. Graceful sequence: close stdin, give the
// process a moment to flush and exit, then kill.
func (c *CLIChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.stopping {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}

	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
	}
	return nil
}

func (c *CLIChannel) killLocked() {
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.started = false
}

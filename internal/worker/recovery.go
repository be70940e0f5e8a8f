package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/subprocess"
)

// CheckpointLoader reads the last persisted checkpoint for a session.
type CheckpointLoader interface {
	LoadCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error)
}

// CheckpointSaver persists checkpoints.
type CheckpointSaver interface {
	SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

// StoreBeacons is a BeaconSink that writes checkpoints straight into a
// store, for workers sharing a process with the orchestrator.
type StoreBeacons struct {
	Store CheckpointSaver
}

// Beacon implements BeaconSink.
func (b StoreBeacons) Beacon(ctx context.Context, cp domain.Checkpoint) error {
	return b.Store.SaveCheckpoint(ctx, cp)
}

// LogSource reads the orchestrator-owned session log, used to rebuild
// conversational context when native resume is unavailable.
type LogSource interface {
	GetLog(ctx context.Context, sessionID string) ([]domain.LogEntry, error)
}

// AckedSource reports the orchestrator's turn-boundary watermark: the
// seq of the last terminal message it accepted. It covers the window
// where a worker died after delivering a terminal but before flushing
// the final beacon, when the checkpoint's turn base is still the old
// turn's.
type AckedSource interface {
	AckedSeq() uint64
}

// StartConfig wires one worker attempt.
type StartConfig struct {
	SessionID   string
	Channel     subprocess.Channel
	Upstream    Upstream
	Beacons     BeaconSink
	Checkpoints CheckpointLoader
	Log         LogSource
	Acked       AckedSource // optional
}

// Start brings up the subprocess for a session, recovering prior state
// when a checkpoint exists. Native resume via the external handle is
// preferred; when the subprocess rejects it the session is rebuilt by a
// cold start seeded with the logged conversation context. If both paths
// fail the error wraps ErrRecoveryExhausted.
func Start(ctx context.Context, cfg StartConfig) (*Worker, error) {
	w := &Worker{
		sessionID: cfg.SessionID,
		channel:   cfg.Channel,
		upstream:  cfg.Upstream,
		beacons:   cfg.Beacons,
	}

	cp, err := cfg.Checkpoints.LoadCheckpoint(ctx, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if cp == nil {
		handle, err := cfg.Channel.Start(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: cold start failed: %v", domain.ErrRecoveryExhausted, err)
		}
		w.handle = handle
		return w, nil
	}

	// The restarted subprocess replays the interrupted turn from its
	// beginning, so numbering restarts from the turn base, not from the
	// last acknowledged seq.
	w.seq = cp.TurnBaseSeq
	if cfg.Acked != nil {
		if acked := cfg.Acked.AckedSeq(); acked > w.seq {
			w.seq = acked
		}
	}
	w.base = w.seq

	if cp.ExternalHandle != "" && cfg.Channel.Resume(ctx, cp.ExternalHandle) {
		log.Printf("INFO: session %s resumed natively (handle=%s, last_acked=%d)", cfg.SessionID, cp.ExternalHandle, cp.LastAcknowledgedSeq)
		w.handle = cp.ExternalHandle
		return w, nil
	}

	entries, err := cfg.Log.GetLog(ctx, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load session log: %v", domain.ErrRecoveryExhausted, err)
	}
	replay := domain.ReplayContext(entries)
	handle, err := cfg.Channel.Start(ctx, replay)
	if err != nil {
		return nil, fmt.Errorf("%w: cold start with %d context messages failed: %v", domain.ErrRecoveryExhausted, len(replay), err)
	}
	log.Printf("INFO: session %s rebuilt from log (%d context messages, last_acked=%d)", cfg.SessionID, len(replay), cp.LastAcknowledgedSeq)
	w.handle = handle
	return w, nil
}

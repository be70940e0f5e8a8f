// Package history provides the sqlite-backed durable store: the
// orchestrator-owned session message log and mutation journal, the
// worker-owned checkpoints, and intercepted tool call records.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/durasess/durasess/internal/domain"
	"github.com/durasess/durasess/internal/runtime"
)

// SQLiteStore implements the durable store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS session_log (
			pos INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			inbound INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			envelope TEXT NOT NULL,
			logged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_log_inbound_seq
			ON session_log(session_id, seq) WHERE inbound = 1`,
		`CREATE INDEX IF NOT EXISTS idx_log_session ON session_log(session_id, pos)`,
		`CREATE TABLE IF NOT EXISTS journal (
			session_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (session_id, idx),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			external_handle TEXT NOT NULL,
			last_acknowledged_seq INTEGER NOT NULL,
			turn_base_seq INTEGER NOT NULL DEFAULT 0,
			native TEXT,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			tool_call_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT,
			status TEXT NOT NULL,
			result TEXT,
			is_error INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, status, created_at) VALUES (?, ?, ?)`,
		session.SessionID, session.Status, session.CreatedAt)
	return err
}

// GetSession retrieves a session by ID. Returns nil when not found.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, status, created_at FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&session.SessionID, &session.Status, &session.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetOrCreateSession gets an existing session or creates an idle one.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}

	session = &domain.Session{
		SessionID: sessionID,
		Status:    domain.SessionStatusIdle,
		CreatedAt: time.Now(),
	}
	if err := s.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSessionStatus updates a session's status.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	return err
}

// AppendLog appends one envelope to the session message log. Inbound
// entries are deduplicated on (session_id, seq) so a retried append is a
// no-op.
func (s *SQLiteStore) AppendLog(ctx context.Context, sessionID string, inbound bool, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	query := `INSERT INTO session_log (session_id, inbound, seq, envelope) VALUES (?, ?, ?, ?)`
	if inbound {
		query = `INSERT OR IGNORE INTO session_log (session_id, inbound, seq, envelope) VALUES (?, ?, ?, ?)`
	}
	_, err = s.db.ExecContext(ctx, query, sessionID, inbound, env.Seq, string(data))
	return err
}

// GetLog returns the full ordered message log for a session.
func (s *SQLiteStore) GetLog(ctx context.Context, sessionID string) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pos, inbound, envelope, logged_at FROM session_log WHERE session_id = ? ORDER BY pos ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var entry domain.LogEntry
		var raw string
		if err := rows.Scan(&entry.Pos, &entry.Inbound, &raw, &entry.LoggedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &entry.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode log envelope at pos %d: %w", entry.Pos, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// AppendJournal implements runtime.JournalStore.
func (s *SQLiteStore) AppendJournal(ctx context.Context, sessionID string, entry runtime.JournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (session_id, idx, kind, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, entry.Idx, entry.Kind, string(entry.Payload), entry.RecordedAt)
	return err
}

// GetJournal implements runtime.JournalStore.
func (s *SQLiteStore) GetJournal(ctx context.Context, sessionID string) ([]runtime.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx, kind, payload, recorded_at FROM journal WHERE session_id = ? ORDER BY idx ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []runtime.JournalEntry
	for rows.Next() {
		var entry runtime.JournalEntry
		var payload sql.NullString
		if err := rows.Scan(&entry.Idx, &entry.Kind, &payload, &entry.RecordedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SaveCheckpoint upserts the worker-owned recovery checkpoint.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	var native sql.NullString
	if len(cp.Native) > 0 {
		native = sql.NullString{String: string(cp.Native), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, external_handle, last_acknowledged_seq, turn_base_seq, native, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			external_handle = excluded.external_handle,
			last_acknowledged_seq = excluded.last_acknowledged_seq,
			turn_base_seq = excluded.turn_base_seq,
			native = excluded.native,
			updated_at = excluded.updated_at`,
		cp.SessionID, cp.ExternalHandle, cp.LastAcknowledgedSeq, cp.TurnBaseSeq, native, cp.UpdatedAt)
	return err
}

// LoadCheckpoint returns the most recent checkpoint for a session, or nil
// when none exists (first-ever start).
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var native sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, external_handle, last_acknowledged_seq, turn_base_seq, native, updated_at
		 FROM checkpoints WHERE session_id = ?`,
		sessionID).Scan(&cp.SessionID, &cp.ExternalHandle, &cp.LastAcknowledgedSeq, &cp.TurnBaseSeq, &native, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if native.Valid {
		cp.Native = json.RawMessage(native.String)
	}
	return &cp, nil
}

// CreateToolCall records an intercepted tool request. Tool call ids are
// deterministic, so re-recording during orchestrator replay is a no-op.
func (s *SQLiteStore) CreateToolCall(ctx context.Context, tc *domain.ToolCall) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tool_calls (tool_call_id, session_id, tool_name, input, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tc.ToolCallID, tc.SessionID, tc.ToolName, string(tc.Input), tc.Status, tc.CreatedAt)
	return err
}

// UpdateToolCallResult marks a tool call resolved with its result.
func (s *SQLiteStore) UpdateToolCallResult(ctx context.Context, toolCallID string, status domain.ToolCallStatus, result string, isError bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tool_calls SET status = ?, result = ?, is_error = ?, resolved_at = ? WHERE tool_call_id = ?`,
		status, result, isError, time.Now(), toolCallID)
	return err
}

// GetToolCall retrieves a tool call by ID. Returns nil when not found.
func (s *SQLiteStore) GetToolCall(ctx context.Context, toolCallID string) (*domain.ToolCall, error) {
	var tc domain.ToolCall
	var input, result sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT tool_call_id, session_id, tool_name, input, status, result, is_error, created_at, resolved_at
		 FROM tool_calls WHERE tool_call_id = ?`,
		toolCallID).Scan(&tc.ToolCallID, &tc.SessionID, &tc.ToolName, &input, &tc.Status, &result, &tc.IsError, &tc.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if input.Valid {
		tc.Input = json.RawMessage(input.String)
	}
	if result.Valid {
		tc.Result = result.String
	}
	if resolvedAt.Valid {
		tc.ResolvedAt = &resolvedAt.Time
	}
	return &tc, nil
}

// ListToolCalls returns tool calls for a session filtered by status.
// An empty status returns all of them.
func (s *SQLiteStore) ListToolCalls(ctx context.Context, sessionID string, status domain.ToolCallStatus) ([]domain.ToolCall, error) {
	query := `SELECT tool_call_id, session_id, tool_name, input, status, result, is_error, created_at, resolved_at
		 FROM tool_calls WHERE session_id = ?`
	args := []interface{}{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []domain.ToolCall
	for rows.Next() {
		var tc domain.ToolCall
		var input, result sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&tc.ToolCallID, &tc.SessionID, &tc.ToolName, &input, &tc.Status, &result, &tc.IsError, &tc.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if input.Valid {
			tc.Input = json.RawMessage(input.String)
		}
		if result.Valid {
			tc.Result = result.String
		}
		if resolvedAt.Valid {
			tc.ResolvedAt = &resolvedAt.Time
		}
		calls = append(calls, tc)
	}
	return calls, rows.Err()
}

// Package history keeps a SQLite record of sessions, turns and approvals.
//
// store.go - SQLite persistence
//
// This file contains:
// - Store, a session.Recorder backed by modernc.org/sqlite
// - ListSessions, ListTurns and ListApprovals for the history command
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/agentwire/internal/session"
)

// ErrSessionNotFound is returned when a session id is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Store handles history persistence
type Store struct {
	db *sql.DB
}

var _ session.Recorder = (*Store)(nil)

// NewStore opens (or creates) the database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		work_dir TEXT NOT NULL DEFAULT '',
		agent_version TEXT NOT NULL DEFAULT '',
		protocol_version TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		state TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		steps INTEGER NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);

	CREATE TABLE IF NOT EXISTS approvals (
		request_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		source TEXT NOT NULL,
		resolved_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, request_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSession inserts a session, replacing an earlier record with the
// same id so a resumed session starts fresh.
func (s *Store) RecordSession(ctx context.Context, rec session.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (id, work_dir, agent_version, protocol_version, state, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkDir, rec.AgentVersion, rec.ProtocolVersion,
		string(rec.State), rec.Error, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession records the final state of a session.
func (s *Store) UpdateSession(ctx context.Context, rec session.SessionRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(rec.State), rec.Error, rec.EndedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RecordTurn inserts a finished turn.
func (s *Store) RecordTurn(ctx context.Context, rec session.TurnRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO turns (id, session_id, prompt, state, status, steps, output, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Prompt, string(rec.State), rec.Status,
		rec.Steps, rec.Output, rec.Error, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

// RecordApproval inserts an approval resolution.
func (s *Store) RecordApproval(ctx context.Context, rec session.ApprovalRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO approvals (request_id, session_id, turn_id, sender, action, decision, source, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.TurnID, rec.Sender,
		rec.Action, rec.Decision, rec.Source, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

// GetSession returns one session.
func (s *Store) GetSession(ctx context.Context, id string) (*session.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, work_dir, agent_version, protocol_version, state, error, started_at, ended_at
		FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return rec, nil
}

// ListSessions returns the most recent sessions first. limit <= 0 returns
// all of them.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*session.SessionRecord, error) {
	query := `
		SELECT id, work_dir, agent_version, protocol_version, state, error, started_at, ended_at
		FROM sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// ListTurns returns a session's turns in start order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*session.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, prompt, state, status, steps, output, error, started_at, ended_at
		FROM turns WHERE session_id = ? ORDER BY started_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []*session.TurnRecord
	for rows.Next() {
		var rec session.TurnRecord
		var state string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Prompt, &state, &rec.Status,
			&rec.Steps, &rec.Output, &rec.Error, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		rec.State = session.TurnState(state)
		turns = append(turns, &rec)
	}
	return turns, rows.Err()
}

// ListApprovals returns a session's approval resolutions in order.
func (s *Store) ListApprovals(ctx context.Context, sessionID string) ([]*session.ApprovalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, session_id, turn_id, sender, action, decision, source, resolved_at
		FROM approvals WHERE session_id = ? ORDER BY resolved_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var approvals []*session.ApprovalRecord
	for rows.Next() {
		var rec session.ApprovalRecord
		if err := rows.Scan(&rec.RequestID, &rec.SessionID, &rec.TurnID, &rec.Sender,
			&rec.Action, &rec.Decision, &rec.Source, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, &rec)
	}
	return approvals, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.SessionRecord, error) {
	var rec session.SessionRecord
	var state string
	var endedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.WorkDir, &rec.AgentVersion, &rec.ProtocolVersion,
		&state, &rec.Error, &rec.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	rec.State = session.State(state)
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

// Prune deletes sessions (with their turns and approvals) that started
// before cutoff and returns how many sessions were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const old = `SELECT id FROM sessions WHERE started_at < ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id IN (`+old+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete turns: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE session_id IN (`+old+`)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to delete approvals: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, tx.Commit()
}

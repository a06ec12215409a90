// Package persistence stores gate sessions in SQLite: one row per machine with
// its latest state, the per-feature step results, and every snapshot received.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
)

// ErrNotFound is returned when no session exists for a machine id.
var ErrNotFound = errors.New("session not found")

// Session is the latest known state of one gate.
type Session struct {
	MachineID            string
	StartedAt            time.Time
	UpdatedAt            time.Time
	Status               gate.Status
	Mobile               bool
	OS                   string
	InteractionMode      string
	UserGestureTriggered bool
	Reason               string
}

// Store is a SQLite-backed session store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db, logger: logx.NewLogger("persistence")}
	s.logger.Info("📦 Database initialized: %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Name identifies the store as a mirror sink.
func (s *Store) Name() string {
	return "sqlite"
}

// Send records snap. It implements the mirror sink contract.
func (s *Store) Send(ctx context.Context, snap gate.Snapshot) error {
	return s.Record(ctx, snap)
}

// Record upserts the session row, replaces its step results and appends the
// snapshot, in one transaction. Recording the same snapshot twice is a no-op.
func (s *Store) Record(ctx context.Context, snap gate.Snapshot) error {
	stateJSON, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st := snap.State
	var mobile bool
	var osName, mode string
	if st.Infos != nil {
		mobile = st.Infos.Mobile
		osName = string(st.Infos.OS)
		mode = string(st.Infos.InteractionMode)
	}

	// Only move the session forward: a retried older snapshot must not
	// overwrite a newer status.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (machine_id, started_at, updated_at, status, mobile, os,
			interaction_mode, user_gesture_triggered, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			mobile = excluded.mobile,
			os = excluded.os,
			interaction_mode = excluded.interaction_mode,
			user_gesture_triggered = excluded.user_gesture_triggered,
			reason = excluded.reason
		WHERE NOT EXISTS (
			SELECT 1 FROM snapshots WHERE machine_id = excluded.machine_id AND seq >= ?
		)`,
		snap.MachineID, snap.Time, snap.Time, string(st.Status), mobile, osName, mode,
		st.UserGestureTriggered, st.Reason, snap.Seq,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", snap.MachineID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots (machine_id, seq, status, recorded_at, state_json)
		VALUES (?, ?, ?, ?, ?)`,
		snap.MachineID, snap.Seq, string(st.Status), snap.Time, string(stateJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %s/%d: %w", snap.MachineID, snap.Seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for step, result := range map[string]*gate.StepResult{"check": st.Check, "activate": st.Activate} {
		if result == nil {
			continue
		}
		for featureID, ok := range result.Details {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO step_results (machine_id, step, feature_id, result)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(machine_id, step, feature_id) DO UPDATE SET result = excluded.result`,
				snap.MachineID, step, featureID, ok,
			)
			if err != nil {
				return fmt.Errorf("failed to record %s result for %s: %w", step, featureID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

const sessionColumns = `machine_id, started_at, updated_at, status, mobile, os,
	interaction_mode, user_gesture_triggered, reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.MachineID, &sess.StartedAt, &sess.UpdatedAt, &status, &sess.Mobile,
		&sess.OS, &sess.InteractionMode, &sess.UserGestureTriggered, &sess.Reason)
	if err != nil {
		return nil, err
	}
	sess.Status = gate.Status(status)
	return &sess, nil
}

// Session returns the latest state recorded for machineID.
func (s *Store) Session(ctx context.Context, machineID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE machine_id = ?`, machineID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, machineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", machineID, err)
	}
	return sess, nil
}

// Sessions returns up to limit sessions, most recently updated first.
// limit <= 0 returns all of them.
func (s *Store) Sessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, machine_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// StepResults returns the per-feature results of step for machineID.
func (s *Store) StepResults(ctx context.Context, machineID, step string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT feature_id, result FROM step_results WHERE machine_id = ? AND step = ?`,
		machineID, step)
	if err != nil {
		return nil, fmt.Errorf("failed to load step results: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		var ok bool
		if err := rows.Scan(&id, &ok); err != nil {
			return nil, fmt.Errorf("failed to scan step result: %w", err)
		}
		out[id] = ok
	}
	return out, rows.Err()
}

// Snapshots returns every snapshot recorded for machineID in sequence order.
func (s *Store) Snapshots(ctx context.Context, machineID string) ([]gate.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, recorded_at, state_json FROM snapshots WHERE machine_id = ? ORDER BY seq`,
		machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var out []gate.Snapshot
	for rows.Next() {
		snap := gate.Snapshot{MachineID: machineID}
		var stateJSON string
		if err := rows.Scan(&snap.Seq, &snap.Time, &stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(stateJSON), &snap.State); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %d: %w", snap.Seq, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Delete removes a session and everything recorded for it.
func (s *Store) Delete(ctx context.Context, machineID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE machine_id = ?`, machineID)
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", machineID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, machineID)
	}
	return nil
}

// Package db stores recorded sessions in sqlite: one row per session,
// one row per control-loop sample, plus safety events. The schema lives in
// embedded migrations; Open runs them before returning.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY between the recorder and readers.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// Session is one recorded run of the control loop.
type Session struct {
	ID         string
	StartedAt  time.Time
	EndedAt    *time.Time
	Dimension  string
	ConfigJSON string
}

// MotionSample is one control-loop cycle: the input G value, the raw
// algorithm target, the value after safety clamping, and whether the
// command reached the hardware.
type MotionSample struct {
	SessionTime float64
	GForce      float64
	TargetMM    float64
	ClampedMM   float64
	Sent        bool
}

// SafetyEvent records a clamp warning or emergency stop.
type SafetyEvent struct {
	Kind      string
	Detail    string
	CreatedAt time.Time
}

// CreateSession inserts a new session and returns it.
func (db *DB) CreateSession(dimension, configJSON string) (*Session, error) {
	s := &Session{
		ID:         uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		Dimension:  dimension,
		ConfigJSON: configJSON,
	}
	_, err := db.Exec(
		`INSERT INTO sessions (id, started_at, dimension, config_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt, s.Dimension, s.ConfigJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session: no session %s", id)
	}
	return nil
}

// GetSession returns one session by id.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(
		`SELECT id, started_at, ended_at, dimension, config_json FROM sessions WHERE id = ?`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.Dimension, &s.ConfigJSON); err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &s, nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(
		`SELECT id, started_at, ended_at, dimension, config_json
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.Dimension, &s.ConfigJSON); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertMotionSamples writes a batch of samples in one transaction.
func (db *DB) InsertMotionSamples(sessionID string, samples []MotionSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO motion_samples (session_id, session_time, g_force, target_mm, clamped_mm, sent)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		if _, err := stmt.Exec(sessionID, s.SessionTime, s.GForce, s.TargetMM, s.ClampedMM, s.Sent); err != nil {
			return fmt.Errorf("insert sample: %w", err)
		}
	}
	return tx.Commit()
}

// MotionSamples returns all samples for a session in time order.
func (db *DB) MotionSamples(sessionID string) ([]MotionSample, error) {
	rows, err := db.Query(
		`SELECT session_time, g_force, target_mm, clamped_mm, sent
		 FROM motion_samples WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []MotionSample
	for rows.Next() {
		var s MotionSample
		if err := rows.Scan(&s.SessionTime, &s.GForce, &s.TargetMM, &s.ClampedMM, &s.Sent); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordSafetyEvent inserts one safety event for a session.
func (db *DB) RecordSafetyEvent(sessionID, kind, detail string) error {
	_, err := db.Exec(
		`INSERT INTO safety_events (session_id, kind, detail) VALUES (?, ?, ?)`,
		sessionID, kind, detail)
	if err != nil {
		return fmt.Errorf("record safety event: %w", err)
	}
	return nil
}

// SafetyEvents returns all safety events for a session in time order.
func (db *DB) SafetyEvents(sessionID string) ([]SafetyEvent, error) {
	rows, err := db.Query(
		`SELECT kind, detail, created_at FROM safety_events WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query safety events: %w", err)
	}
	defer rows.Close()

	var out []SafetyEvent
	for rows.Next() {
		var e SafetyEvent
		if err := rows.Scan(&e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

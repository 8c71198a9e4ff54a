package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TimeLayout is the timestamp format stored in every table. It matches
// SQLite's datetime('now') so that both sort and compare as text.
const TimeLayout = "2006-01-02 15:04:05"

// Attempt represents a row in the attempts table.
type Attempt struct {
	ID          string  `json:"id"`
	Pipeline    string  `json:"pipeline"`
	Mode        string  `json:"mode"`
	Status      string  `json:"status"`
	ResumedFrom int     `json:"resumed_from"`
	Cost        float64 `json:"cost"`
	Error       string  `json:"error,omitempty"`
	StartedAt   string  `json:"started_at"`
	FinishedAt  string  `json:"finished_at,omitempty"`
}

// StageEvent represents a row in the stage_events table.
type StageEvent struct {
	ID         int
	AttemptID  string
	StageID    string
	StageKey   string
	Stage      string
	Event      string
	SkipReason string
	DurationMs int64
	Cost       float64
	Operations int
	GateStatus string
	Error      string
	Timestamp  string
}

// UsageRow represents a row in the usage_records table.
type UsageRow struct {
	ID          int
	AttemptID   string
	Stage       string
	Component   string
	Variant     string
	InputUnits  int64
	OutputUnits int64
	Cost        float64
	LatencyMS   int64
	Success     bool
	Error       string
	Timestamp   string
}

// StartAttempt records a new attempt. Starting the same attempt twice is a
// no-op.
func (d *DB) StartAttempt(id, pipelineName, mode string, resumedFrom int) error {
	_, err := d.conn.Exec(
		`INSERT OR IGNORE INTO attempts (attempt_id, pipeline, mode, resumed_from) VALUES (?, ?, ?, ?)`,
		id, pipelineName, mode, resumedFrom,
	)
	if err != nil {
		return fmt.Errorf("start attempt: %w", err)
	}
	return nil
}

// FinishAttempt stores the terminal status of an attempt.
func (d *DB) FinishAttempt(id, status string, cost float64, errMsg string) error {
	res, err := d.conn.Exec(
		`UPDATE attempts SET status = ?, cost = ?, error = ?, finished_at = datetime('now') WHERE attempt_id = ?`,
		status, cost, nullString(errMsg), id,
	)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish attempt: unknown attempt %q", id)
	}
	return nil
}

// GetAttempt returns one attempt, or nil if it was never recorded.
func (d *DB) GetAttempt(id string) (*Attempt, error) {
	row := d.conn.QueryRow(
		`SELECT attempt_id, pipeline, mode, status, resumed_from, cost, error, started_at, finished_at
		 FROM attempts WHERE attempt_id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

// RecentAttempts returns up to limit attempts, newest first.
func (d *DB) RecentAttempts(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.conn.Query(
		`SELECT attempt_id, pipeline, mode, status, resumed_from, cost, error, started_at, finished_at
		 FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(s scanner) (*Attempt, error) {
	var a Attempt
	var errMsg, finished sql.NullString
	if err := s.Scan(&a.ID, &a.Pipeline, &a.Mode, &a.Status, &a.ResumedFrom, &a.Cost, &errMsg, &a.StartedAt, &finished); err != nil {
		return nil, err
	}
	a.Error = errMsg.String
	a.FinishedAt = finished.String
	return &a, nil
}

// LogStageEvent inserts a stage event. An empty Timestamp means now.
func (d *DB) LogStageEvent(e StageEvent) error {
	ts := e.Timestamp
	if ts == "" {
		ts = time.Now().UTC().Format(TimeLayout)
	}
	_, err := d.conn.Exec(
		`INSERT INTO stage_events (attempt_id, stage_id, stage_key, stage, event, skip_reason, duration_ms, cost, operations, gate_status, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AttemptID, e.StageID, e.StageKey, e.Stage, e.Event, nullString(e.SkipReason),
		e.DurationMs, e.Cost, e.Operations, nullString(e.GateStatus), nullString(e.Error), ts,
	)
	if err != nil {
		return fmt.Errorf("log stage event: %w", err)
	}
	return nil
}

// GetStageEvents returns the events of one attempt in insertion order.
func (d *DB) GetStageEvents(attemptID string) ([]StageEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, attempt_id, stage_id, stage_key, stage, event, skip_reason, duration_ms, cost, operations, gate_status, error, timestamp
		 FROM stage_events WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var e StageEvent
		var skip, gateStatus, errMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.StageID, &e.StageKey, &e.Stage, &e.Event, &skip,
			&duration, &e.Cost, &e.Operations, &gateStatus, &errMsg, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		e.SkipReason = skip.String
		e.DurationMs = duration.Int64
		e.GateStatus = gateStatus.String
		e.Error = errMsg.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogUsage inserts billed operations for one stage in a single transaction.
func (d *DB) LogUsage(rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO usage_records (attempt_id, stage, component, variant, input_units, output_units, cost, latency_ms, success, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		ts := r.Timestamp
		if ts == "" {
			ts = time.Now().UTC().Format(TimeLayout)
		}
		if _, err := stmt.Exec(r.AttemptID, r.Stage, r.Component, nullString(r.Variant),
			r.InputUnits, r.OutputUnits, r.Cost, r.LatencyMS, r.Success, nullString(r.Error), ts); err != nil {
			return fmt.Errorf("log usage for %s: %w", r.Component, err)
		}
	}
	return tx.Commit()
}

// GetUsageRecords returns the billed operations of one attempt.
func (d *DB) GetUsageRecords(attemptID string) ([]UsageRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, attempt_id, stage, component, variant, input_units, output_units, cost, latency_ms, success, error, timestamp
		 FROM usage_records WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var out []UsageRow
	for rows.Next() {
		var r UsageRow
		var variant, errMsg sql.NullString
		if err := rows.Scan(&r.ID, &r.AttemptID, &r.Stage, &r.Component, &variant, &r.InputUnits,
			&r.OutputUnits, &r.Cost, &r.LatencyMS, &r.Success, &errMsg, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.Variant = variant.String
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

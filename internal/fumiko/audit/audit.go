// Package audit maintains the append-only record of every dispatch attempt.
//
// Each record is written to two durable representations derived from the same
// data: a structured SQLite table (queryable, drives the stats surface) and a
// flat CSV trail (greppable, survives even when the database is unavailable).
// Records are never mutated or deleted by the running process; retention and
// rotation are deployment concerns.
package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/fumiko/internal/fumiko/store"
)

// Outcome classifies how a dispatch attempt terminated.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomePending Outcome = "pending_confirmation"
)

// Record is one immutable audit entry.
type Record struct {
	// ID is a random UUID assigned on append.
	ID string
	// Timestamp is when the dispatch terminated.
	Timestamp time.Time
	// TraceID correlates the record with log lines for the same message.
	TraceID string
	// UserID is the chat sender the record belongs to.
	UserID string
	// CommandKind is the parsed command variant (LIST, DELETE, ...).
	CommandKind string
	// TargetPath and DestPath are the paths the command acted on
	// (DestPath only for MOVE).
	TargetPath string
	DestPath   string
	// Outcome is the terminal dispatch state.
	Outcome Outcome
	// Detail carries the sanitized failure reason or collaborator response.
	Detail string
}

// RecentLimit is the number of most-recent records returned by StatsFor.
const RecentLimit = 20

// UserStats aggregates one user's audit history.
type UserStats struct {
	UserID        string         `json:"user_id"`
	TotalCommands int            `json:"total_commands"`
	CommandCounts map[string]int `json:"command_counts"`
	OutcomeCounts map[string]int `json:"outcome_counts"`
	Recent        []Record       `json:"recent"`
}

// csvHeader is the column layout of the flat representation.
var csvHeader = []string{
	"timestamp", "user_id", "command_kind", "target_path",
	"dest_path", "outcome", "detail", "trace_id", "record_id",
}

// Log is the audit pipeline. Safe for concurrent use: SQLite appends are
// serialized by the single-connection store, CSV appends by an internal
// mutex so concurrent dispatches cannot interleave within one row.
type Log struct {
	db *store.Store

	mu      sync.Mutex
	csvFile *os.File
	csvW    *csv.Writer
}

// NewLog opens the audit pipeline: the structured sink backed by db and the
// flat sink appended to csvPath (created with a header row when absent).
func NewLog(db *store.Store, csvPath string) (*Log, error) {
	f, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open csv trail: %w", err)
	}

	l := &Log{db: db, csvFile: f, csvW: csv.NewWriter(f)}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: stat csv trail: %w", err)
	}
	if info.Size() == 0 {
		if err := l.csvW.Write(csvHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: write csv header: %w", err)
		}
		l.csvW.Flush()
		if err := l.csvW.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: flush csv header: %w", err)
		}
	}

	return l, nil
}

// Close flushes and closes the flat sink. The structured sink is owned by
// the caller's store and closed with it.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.csvW.Flush()
	return l.csvFile.Close()
}

// ErrRecordLost is returned by Record when both durable sinks rejected the
// record. Callers must not acknowledge the audited operation as cleanly
// completed when this is returned.
var ErrRecordLost = errors.New("audit: record lost (both sinks failed)")

// ErrDegraded is returned by Record when exactly one sink rejected the
// record. The record survived in the other sink; callers should log the
// degradation and continue.
var ErrDegraded = errors.New("audit: sink degraded")

// Record appends rec to both representations. A nil return means both sinks
// accepted the record. Check the sentinel with errors.Is: ErrDegraded means
// the record survived in one sink, ErrRecordLost means it survived in
// neither.
func (l *Log) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	dbErr := l.recordDB(ctx, rec)
	csvErr := l.recordCSV(rec)

	switch {
	case dbErr != nil && csvErr != nil:
		return fmt.Errorf("%w: structured: %v; flat: %v", ErrRecordLost, dbErr, csvErr)
	case dbErr != nil:
		return fmt.Errorf("%w: structured sink failed (record kept in csv trail): %v", ErrDegraded, dbErr)
	case csvErr != nil:
		return fmt.Errorf("%w: flat sink failed (record kept in database): %v", ErrDegraded, csvErr)
	}
	return nil
}

func (l *Log) recordDB(ctx context.Context, rec Record) error {
	var target, dest, detail sql.NullString
	if rec.TargetPath != "" {
		target = sql.NullString{String: rec.TargetPath, Valid: true}
	}
	if rec.DestPath != "" {
		dest = sql.NullString{String: rec.DestPath, Valid: true}
	}
	if rec.Detail != "" {
		detail = sql.NullString{String: rec.Detail, Valid: true}
	}

	_, err := l.db.DB().ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, trace_id, user_id, command_kind, target_path, dest_path, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp, rec.TraceID, rec.UserID, rec.CommandKind, target, dest, string(rec.Outcome), detail)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

func (l *Log) recordCSV(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := []string{
		rec.Timestamp.Format(time.RFC3339Nano),
		rec.UserID,
		rec.CommandKind,
		rec.TargetPath,
		rec.DestPath,
		string(rec.Outcome),
		rec.Detail,
		rec.TraceID,
		rec.ID,
	}
	if err := l.csvW.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	l.csvW.Flush()
	if err := l.csvW.Error(); err != nil {
		return fmt.Errorf("flush csv row: %w", err)
	}
	return nil
}

// StatsFor aggregates userID's history: counts by command kind and outcome
// plus the RecentLimit most recent records (newest first).
func (l *Log) StatsFor(ctx context.Context, userID string) (*UserStats, error) {
	stats := &UserStats{
		UserID:        userID,
		CommandCounts: make(map[string]int),
		OutcomeCounts: make(map[string]int),
	}

	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT command_kind, outcome, COUNT(*)
		FROM audit_log
		WHERE user_id = ?
		GROUP BY command_kind, outcome
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("audit: query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, outcome string
		var n int
		if err := rows.Scan(&kind, &outcome, &n); err != nil {
			return nil, fmt.Errorf("audit: scan stats row: %w", err)
		}
		stats.CommandCounts[kind] += n
		stats.OutcomeCounts[outcome] += n
		stats.TotalCommands += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate stats: %w", err)
	}

	recent, err := l.recentFor(ctx, userID, RecentLimit)
	if err != nil {
		return nil, err
	}
	stats.Recent = recent

	return stats, nil
}

// recentFor returns userID's most recent records, newest first.
func (l *Log) recentFor(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT id, ts, trace_id, user_id, command_kind, target_path, dest_path, outcome, detail
		FROM audit_log
		WHERE user_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate recent: %w", err)
	}
	return records, nil
}

// Tail returns the most recent records across all users, newest first.
func (l *Log) Tail(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = RecentLimit
	}
	rows, err := l.db.DB().QueryContext(ctx, `
		SELECT id, ts, trace_id, user_id, command_kind, target_path, dest_path, outcome, detail
		FROM audit_log
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query tail: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate tail: %w", err)
	}
	return records, nil
}

// Count returns the total number of audit records.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("audit: count records: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var target, dest, detail sql.NullString
	var outcome string
	if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.TraceID, &rec.UserID,
		&rec.CommandKind, &target, &dest, &outcome, &detail); err != nil {
		return Record{}, fmt.Errorf("audit: scan record: %w", err)
	}
	rec.TargetPath = target.String
	rec.DestPath = dest.String
	rec.Detail = detail.String
	rec.Outcome = Outcome(outcome)
	return rec, nil
}

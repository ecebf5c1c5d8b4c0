// Package journal records every request the daemon completes in a SQLite
// database inside the scratch directory, backing the stats command.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the journal database name inside the scratch directory.
const FileName = "journal.db"

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped on incompatible schema changes; mismatched journals
// must be deleted.
const schemaVersion = 1

// ErrSchemaMismatch indicates the journal was written by an incompatible version.
var ErrSchemaMismatch = errors.New("journal schema version mismatch")

// Outcome classifies a completed request.
type Outcome string

const (
	OutcomeHit   Outcome = "hit"
	OutcomeMiss  Outcome = "miss"
	OutcomeError Outcome = "error"
)

// Record is one completed request.
type Record struct {
	At          time.Time
	RequestID   string
	SourcePath  string
	ContentHash string
	Outcome     Outcome
	Duration    time.Duration
	Error       string
}

// Summary aggregates the journal.
type Summary struct {
	Total       int64
	Hits        int64
	Misses      int64
	Errors      int64
	LastRequest time.Time
}

// HitRate returns hits over successful requests, or zero when there are none.
func (s Summary) HitRate() float64 {
	served := s.Hits + s.Misses
	if served == 0 {
		return 0
	}
	return float64(s.Hits) / float64(served)
}

// Journal is a handle to the request database.
type Journal struct {
	db   *sql.DB
	path string
}

// PathIn returns the journal path for a scratch directory.
func PathIn(scratchDir string) string {
	return filepath.Join(scratchDir, FileName)
}

// Open connects to (or creates) the journal at path. Pragmas ride in the DSN
// so every pooled connection gets them.
func Open(ctx context.Context, path string) (*Journal, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; concurrent handlers queue on the pool instead of
	// racing for the database lock.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.path }

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) initSchema(ctx context.Context) error {
	var tableExists int
	err := j.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return j.createSchema(ctx)
	}

	var version int
	if err := j.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: journal has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, j.path)
	}
	return nil
}

func (j *Journal) createSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Record appends rec. A zero At is stamped with the current time.
func (j *Journal) Record(ctx context.Context, rec Record) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO requests (
            recorded_at, request_id, source_path, content_hash, outcome, duration_ms, error_text
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.At.UTC().Format(time.RFC3339Nano),
		rec.RequestID,
		rec.SourcePath,
		nullableString(rec.ContentHash),
		string(rec.Outcome),
		rec.Duration.Milliseconds(),
		nullableString(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// Summary counts requests per outcome.
func (j *Journal) Summary(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		last    sql.NullString
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT
            COUNT(1),
            COALESCE(SUM(CASE WHEN outcome = 'hit' THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN outcome = 'miss' THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
            MAX(recorded_at)
        FROM requests`,
	).Scan(&summary.Total, &summary.Hits, &summary.Misses, &summary.Errors, &last)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize requests: %w", err)
	}
	if last.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, last.String); err == nil {
			summary.LastRequest = ts
		}
	}
	return summary, nil
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT recorded_at, request_id, source_path, content_hash, outcome, duration_ms, error_text
        FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent requests: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec        Record
			recordedAt string
			hash       sql.NullString
			outcome    string
			durationMs int64
			errText    sql.NullString
		)
		if err := rows.Scan(&recordedAt, &rec.RequestID, &rec.SourcePath, &hash, &outcome, &durationMs, &errText); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		rec.At, _ = time.Parse(time.RFC3339Nano, recordedAt)
		rec.ContentHash = hash.String
		rec.Outcome = Outcome(outcome)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		rec.Error = errText.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return records, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/imap-xlsx-ingest/model"
	"github.com/dhcgn/imap-xlsx-ingest/runner"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	state       TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	error_kind  TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	matched     INTEGER NOT NULL DEFAULT 0,
	saved       INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	errors      INTEGER NOT NULL DEFAULT 0,
	existed     INTEGER,
	created     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_ticks_started_at ON ticks(started_at);
`

// Entry is one journaled tick.
type Entry struct {
	ID         string
	StartedAt  time.Time
	Duration   time.Duration
	State      string
	Stage      string
	ErrorKind  string
	Error      string
	Matched    int
	Saved      int
	Duplicates int
	Errors     int
	// Trigger is nil when the downstream service was not called successfully.
	Trigger *model.TriggerResult
}

type row struct {
	ID         string        `db:"id"`
	StartedAt  int64         `db:"started_at"`
	DurationMS int64         `db:"duration_ms"`
	State      string        `db:"state"`
	Stage      string        `db:"stage"`
	ErrorKind  string        `db:"error_kind"`
	Error      string        `db:"error"`
	Matched    int           `db:"matched"`
	Saved      int           `db:"saved"`
	Duplicates int           `db:"duplicates"`
	Errors     int           `db:"errors"`
	Existed    sql.NullInt64 `db:"existed"`
	Created    sql.NullInt64 `db:"created"`
}

// Journal records finished ticks in SQLite. It is never consulted for
// deduplication; the data directory is the only source of truth for that.
type Journal struct {
	db *sqlx.DB
}

// Open opens (or creates) the journal at path. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("history path is empty")
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One writer; also keeps an in-memory database alive across calls.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	j := &Journal{db: db}
	if err := j.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores a finished tick. Skipped ticks carry no id and are ignored.
func (j *Journal) Record(ctx context.Context, report runner.Report) error {
	if report.ID == "" {
		return nil
	}

	r := row{
		ID:         report.ID,
		StartedAt:  report.Started.UnixMilli(),
		DurationMS: report.Duration.Milliseconds(),
		State:      string(report.State),
		Stage:      string(report.FailedStage()),
		Matched:    report.Summary.Matched,
		Saved:      report.Summary.Saved,
		Duplicates: report.Summary.Duplicates,
		Errors:     report.Summary.Errors,
	}
	if report.Err != nil {
		r.ErrorKind = model.Kind(report.Err)
		r.Error = report.Err.Error()
	}
	if report.Trigger != nil {
		r.Existed = sql.NullInt64{Int64: int64(report.Trigger.Existed), Valid: true}
		r.Created = sql.NullInt64{Int64: int64(report.Trigger.Created), Valid: true}
	}

	const query = `
		INSERT OR REPLACE INTO ticks (
			id, started_at, duration_ms, state, stage, error_kind, error,
			matched, saved, duplicates, errors, existed, created
		) VALUES (
			:id, :started_at, :duration_ms, :state, :stage, :error_kind, :error,
			:matched, :saved, :duplicates, :errors, :existed, :created
		)`
	if _, err := j.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("recording tick %s: %w", report.ID, err)
	}
	return nil
}

// ObserveTick lets the journal be registered as a runner observer.
func (j *Journal) ObserveTick(ctx context.Context, report runner.Report) error {
	return j.Record(ctx, report)
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []row
	err := j.db.SelectContext(ctx, &rows,
		"SELECT * FROM ticks ORDER BY started_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("querying ticks: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e := Entry{
			ID:         r.ID,
			StartedAt:  time.UnixMilli(r.StartedAt),
			Duration:   time.Duration(r.DurationMS) * time.Millisecond,
			State:      r.State,
			Stage:      r.Stage,
			ErrorKind:  r.ErrorKind,
			Error:      r.Error,
			Matched:    r.Matched,
			Saved:      r.Saved,
			Duplicates: r.Duplicates,
			Errors:     r.Errors,
		}
		if r.Existed.Valid && r.Created.Valid {
			e.Trigger = &model.TriggerResult{Existed: int(r.Existed.Int64), Created: int(r.Created.Int64)}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

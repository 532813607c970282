// Package store persists scan results in an embedded SQLite database.
//
// The database supports exactly one live writer; OpenSingleWriter returns
// a handle capped at a single connection, and the Result Writer is the
// only component that ever calls WriteBatch on it. Readers may open the
// same file concurrently thanks to WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // embedded, CGO-free sqlite driver

	"github.com/perimeterlabs/vantage/internal/scan"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
	job_id        TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT '',
	worker_id     INTEGER NOT NULL DEFAULT 0,
	retries       INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	error_detail  TEXT NOT NULL DEFAULT '',
	failure_class TEXT NOT NULL DEFAULT '',
	payload       TEXT,
	submitted_at  TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP,
	complete      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_results_complete ON results(complete);
CREATE INDEX IF NOT EXISTS idx_results_status ON results(status);
`

// SQLite is the embedded result store. It satisfies scan.ResultStore.
type SQLite struct {
	db       *sqlx.DB
	readonly bool
}

// OpenSingleWriter opens (creating if needed) the database at path and
// applies the schema. The returned handle holds at most one connection so
// writes can never interleave, and enables WAL for concurrent readers.
func OpenSingleWriter(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// OpenReader opens an existing database read-only, so reports can run
// beside a live scan without ever competing for the write handle. Write
// methods on the returned handle fail at the database level.
func OpenReader(ctx context.Context, path string) (*SQLite, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite read-only %s: %w", path, err)
	}
	return &SQLite{db: db, readonly: true}, nil
}

// RegisterJobs inserts one pending row per job before the run starts, so
// targets that never produce a result remain visible as incomplete. It
// runs before any worker exists, which keeps the single-writer window
// intact.
func (s *SQLite) RegisterJobs(ctx context.Context, jobs []scan.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const q = `INSERT INTO results (job_id, target, submitted_at, complete)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(job_id) DO NOTHING`
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, q, job.ID, job.Target, job.Submitted.UTC()); err != nil {
			return fmt.Errorf("register job %s: %w", job.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit register tx: %w", err)
	}
	return nil
}

// WriteBatch applies the batch in a single transaction, all-or-nothing.
// Rows registered up front are completed in place; unregistered job IDs
// are inserted, so a batch never loses results.
func (s *SQLite) WriteBatch(ctx context.Context, results []scan.Result) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	const q = `INSERT INTO results (
			job_id, target, status, worker_id, retries, duration_ms,
			error_detail, failure_class, payload, submitted_at, completed_at, complete
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			worker_id = excluded.worker_id,
			retries = excluded.retries,
			duration_ms = excluded.duration_ms,
			error_detail = excluded.error_detail,
			failure_class = excluded.failure_class,
			payload = excluded.payload,
			completed_at = excluded.completed_at,
			complete = 1`
	for _, res := range results {
		var payload any
		if res.Payload != nil {
			raw, err := json.Marshal(res.Payload)
			if err != nil {
				return fmt.Errorf("marshal payload for %s: %w", res.JobID, err)
			}
			payload = string(raw)
		}
		_, err := tx.ExecContext(ctx, q,
			res.JobID, res.Target, res.Status, res.WorkerID, res.Retries,
			res.Duration.Milliseconds(), res.ErrorDetail, res.FailureClass,
			payload, res.CompletedAt.UTC(), res.CompletedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("write result %s: %w", res.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch tx: %w", err)
	}
	return nil
}

// CountComplete returns how many results have been persisted.
func (s *SQLite) CountComplete(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM results WHERE complete = 1`); err != nil {
		return 0, fmt.Errorf("count complete: %w", err)
	}
	return n, nil
}

// IncompleteTargets lists targets whose jobs never produced a persisted
// result, in submission order.
func (s *SQLite) IncompleteTargets(ctx context.Context) ([]string, error) {
	var targets []string
	err := s.db.SelectContext(ctx, &targets,
		`SELECT target FROM results WHERE complete = 0 ORDER BY submitted_at, job_id`)
	if err != nil {
		return nil, fmt.Errorf("select incomplete: %w", err)
	}
	return targets, nil
}

// ClearIncomplete removes pending rows. A resumed run re-registers fresh
// jobs for the targets those rows named, so keeping the stale rows around
// would double-count them.
func (s *SQLite) ClearIncomplete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE complete = 0`); err != nil {
		return fmt.Errorf("clear incomplete: %w", err)
	}
	return nil
}

// GetResult loads one persisted result by job ID.
func (s *SQLite) GetResult(ctx context.Context, jobID string) (scan.Result, error) {
	var row resultRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM results WHERE job_id = ?`, jobID)
	if err != nil {
		return scan.Result{}, fmt.Errorf("get result %s: %w", jobID, err)
	}
	return row.toResult()
}

// Close releases the handle. The write handle checkpoints the WAL first so
// the file is self-contained when copied elsewhere; a read-only handle must
// not, and does not, touch the WAL.
func (s *SQLite) Close() error {
	if !s.readonly {
		if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			_ = s.db.Close()
			return fmt.Errorf("checkpoint wal: %w", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

type resultRow struct {
	JobID        string         `db:"job_id"`
	Target       string         `db:"target"`
	Status       string         `db:"status"`
	WorkerID     int            `db:"worker_id"`
	Retries      int            `db:"retries"`
	DurationMs   int64          `db:"duration_ms"`
	ErrorDetail  string         `db:"error_detail"`
	FailureClass string         `db:"failure_class"`
	Payload      sql.NullString `db:"payload"`
	SubmittedAt  time.Time      `db:"submitted_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	Complete     bool           `db:"complete"`
}

func (r resultRow) toResult() (scan.Result, error) {
	res := scan.Result{
		JobID:        r.JobID,
		Target:       r.Target,
		Status:       scan.ResultStatus(r.Status),
		WorkerID:     r.WorkerID,
		Retries:      r.Retries,
		Duration:     time.Duration(r.DurationMs) * time.Millisecond,
		ErrorDetail:  r.ErrorDetail,
		FailureClass: scan.FailureClass(r.FailureClass),
	}
	if r.CompletedAt.Valid {
		res.CompletedAt = r.CompletedAt.Time
	}
	if r.Payload.Valid && r.Payload.String != "" {
		var payload scan.Inspection
		if err := json.Unmarshal([]byte(r.Payload.String), &payload); err != nil {
			return scan.Result{}, fmt.Errorf("unmarshal payload for %s: %w", r.JobID, err)
		}
		res.Payload = &payload
	}
	return res, nil
}

package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/yourneighborhoodchef/slotwatch/internal/booking"
)

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS booking_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL DEFAULT '',
	record_id TEXT NOT NULL,
	success INTEGER NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_booking_results_created ON booking_results(created_at)`,
	`CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	backend TEXT NOT NULL,
	cycles INTEGER NOT NULL,
	available INTEGER NOT NULL,
	slot_count INTEGER NOT NULL,
	attempted INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	error_detail TEXT NOT NULL DEFAULT ''
)`,
}

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for i, stmt := range sqliteMigrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) SaveResult(ctx context.Context, r booking.Result) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO booking_results(id, run_id, record_id, success, reference, error, stage, attempts, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, r.ID, r.RunID, r.RecordID, boolToInt(r.Success), r.Reference, r.Error, string(r.Stage), r.Attempts, ts(r.Timestamp))
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run RunSummary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, started_at, finished_at, backend, cycles, available, slot_count, attempted, succeeded, error_detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	finished_at=excluded.finished_at,
	cycles=excluded.cycles,
	available=excluded.available,
	slot_count=excluded.slot_count,
	attempted=excluded.attempted,
	succeeded=excluded.succeeded,
	error_detail=excluded.error_detail
`, run.RunID, ts(run.StartedAt), ts(run.FinishedAt), run.Backend, run.Cycles, boolToInt(run.Available),
		run.SlotCount, run.Attempted, run.Succeeded, run.ErrorDetail)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]booking.Result, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, record_id, success, reference, error, stage, attempts, created_at
FROM booking_results
ORDER BY created_at DESC, id
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []booking.Result
	for rows.Next() {
		var (
			r       booking.Result
			success int
			stage   string
			created string
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.RecordID, &success, &r.Reference, &r.Error, &stage, &r.Attempts, &created); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Success = success == 1
		r.Stage = booking.Stage(stage)
		r.Timestamp = parseTS(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run loads one run summary, mostly for inspection.
func (s *SQLiteStore) Run(ctx context.Context, runID string) (RunSummary, error) {
	var (
		run               RunSummary
		started, finished string
		available         int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, started_at, finished_at, backend, cycles, available, slot_count, attempted, succeeded, error_detail
FROM runs WHERE run_id = ?
`, runID).Scan(&run.RunID, &started, &finished, &run.Backend, &run.Cycles, &available,
		&run.SlotCount, &run.Attempted, &run.Succeeded, &run.ErrorDetail)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, ErrNotFound
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("load run: %w", err)
	}
	run.StartedAt = parseTS(started)
	run.FinishedAt = parseTS(finished)
	run.Available = available == 1
	return run, nil
}

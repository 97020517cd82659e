package resultstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yourneighborhoodchef/slotwatch/internal/booking"
)

var ErrNotFound = errors.New("not found")

const postgresSchema = `
CREATE TABLE IF NOT EXISTS booking_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL DEFAULT '',
	record_id TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	reference TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_booking_results_created ON booking_results(created_at);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	backend TEXT NOT NULL,
	cycles INTEGER NOT NULL,
	available BOOLEAN NOT NULL,
	slot_count INTEGER NOT NULL,
	attempted INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	error_detail TEXT NOT NULL DEFAULT ''
);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, r booking.Result) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO booking_results (id, run_id, record_id, success, reference, error, stage, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.RunID, r.RecordID, r.Success, r.Reference, r.Error, string(r.Stage), r.Attempts, r.Timestamp)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run RunSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, backend, cycles, available, slot_count, attempted, succeeded, error_detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			cycles = EXCLUDED.cycles,
			available = EXCLUDED.available,
			slot_count = EXCLUDED.slot_count,
			attempted = EXCLUDED.attempted,
			succeeded = EXCLUDED.succeeded,
			error_detail = EXCLUDED.error_detail
	`, run.RunID, run.StartedAt, run.FinishedAt, run.Backend, run.Cycles, run.Available,
		run.SlotCount, run.Attempted, run.Succeeded, run.ErrorDetail)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListResults(ctx context.Context, limit int) ([]booking.Result, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, record_id, success, reference, error, stage, attempts, created_at
		FROM booking_results ORDER BY created_at DESC, id LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (booking.Result, error) {
		var (
			r     booking.Result
			stage string
		)
		err := row.Scan(&r.ID, &r.RunID, &r.RecordID, &r.Success, &r.Reference, &r.Error, &stage, &r.Attempts, &r.Timestamp)
		r.Stage = booking.Stage(stage)
		return r, err
	})
}

func (s *PostgresStore) Run(ctx context.Context, runID string) (RunSummary, error) {
	var run RunSummary
	err := s.pool.QueryRow(ctx, `
		SELECT run_id, started_at, finished_at, backend, cycles, available, slot_count, attempted, succeeded, error_detail
		FROM runs WHERE run_id = $1
	`, runID).Scan(&run.RunID, &run.StartedAt, &run.FinishedAt, &run.Backend, &run.Cycles, &run.Available,
		&run.SlotCount, &run.Attempted, &run.Succeeded, &run.ErrorDetail)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunSummary{}, ErrNotFound
	}
	if err != nil {
		return RunSummary{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// Package resultstore persists booking results and run summaries.
package resultstore

import (
	"context"
	"strings"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/booking"
)

// RunSummary is written once per run at teardown.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Backend     string    `json:"backend"`
	Cycles      int       `json:"cycles"`
	Available   bool      `json:"available"`
	SlotCount   int       `json:"slot_count"`
	Attempted   int       `json:"attempted"`
	Succeeded   int       `json:"succeeded"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

type Store interface {
	SaveResult(ctx context.Context, r booking.Result) error
	SaveRun(ctx context.Context, s RunSummary) error
	// ListResults returns the newest results first.
	ListResults(ctx context.Context, limit int) ([]booking.Result, error)
	Close() error
}

// Open picks the backend from the DSN: postgres:// and postgresql:// URLs go
// to PostgreSQL, anything else is a SQLite path (an optional sqlite:// prefix
// is stripped). An empty DSN disables persistence.
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "":
		return Discard{}, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	default:
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	}
}

// Discard drops everything.
type Discard struct{}

func (Discard) SaveResult(context.Context, booking.Result) error { return nil }
func (Discard) SaveRun(context.Context, RunSummary) error        { return nil }
func (Discard) ListResults(context.Context, int) ([]booking.Result, error) {
	return nil, nil
}
func (Discard) Close() error { return nil }

// tsLayout is fixed width so text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

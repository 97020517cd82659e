package booking

import (
	"context"
	"fmt"

	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/records"
)

// Recheck re-validates availability before a record is attempted. It
// returns false and a reason when availability is gone.
type Recheck func(ctx context.Context) (bool, string)

// Progress receives each result as it is produced, with its 1-based position
// in the batch.
type Progress func(r Result, current, total int)

// BookBatch books up to limit records (all when limit <= 0) in order. A failed
// record never stops the batch; lost availability or a stop request marks
// every remaining record failed without attempting it.
func (w *Workflow) BookBatch(ctx context.Context, recs []records.ClientRecord, limit int, recheck Recheck, progress Progress) []Result {
	total := len(recs)
	if limit > 0 && limit < total {
		total = limit
	}
	if progress == nil {
		progress = func(Result, int, int) {}
	}
	stop := w.state.Stop()
	results := make([]Result, 0, total)

	for i := 0; i < total; i++ {
		if stop.Requested() || ctx.Err() != nil {
			return w.skipRest(recs[i:total], ErrStopped, results, total, progress)
		}
		if recheck != nil {
			if ok, reason := recheck(ctx); !ok {
				cause := ErrNoAvailability
				if stop.Requested() || ctx.Err() != nil {
					cause = ErrStopped
				} else if reason != "" {
					cause = fmt.Errorf("%w: %s", ErrNoAvailability, reason)
				}
				return w.skipRest(recs[i:total], cause, results, total, progress)
			}
		}

		w.log.Info("booking record",
			logging.Int("position", i+1),
			logging.Int("total", total),
			logging.String("record", recs[i].ID()))
		r := w.Book(ctx, recs[i])
		results = append(results, r)
		progress(r, len(results), total)

		if i < total-1 {
			_ = w.pause(ctx, w.actionDelay())
		}
	}
	return results
}

func (w *Workflow) skipRest(rest []records.ClientRecord, cause error, results []Result, total int, progress Progress) []Result {
	w.log.Warn("skipping remaining records", logging.Int("count", len(rest)), logging.Error(cause))
	for _, rec := range rest {
		a := &Attempt{Record: rec, Stage: StageFailed}
		r := w.result(a, false, "", cause)
		r.Error = cause.Error()
		results = append(results, r)
		progress(r, len(results), total)
	}
	return results
}

package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
)

var ErrNoProxy = errors.New("no proxy available")

// Prober checks that a route can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, rec Record, timeout time.Duration) error
}

// Pool owns the configured routes, which of them is serving a session, and
// the quarantine list. All methods are safe for concurrent use; quarantine
// updates and rotation reads are serialized by one mutex.
type Pool struct {
	mu         sync.Mutex
	records    []Record
	quarantine map[string]time.Time
	inUse      map[string]bool
	rng        *rand.Rand

	enabled bool
	now     func() time.Time
	prober  Prober
	log     logging.Logger
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }
func WithSeed(seed int64) Option           { return func(p *Pool) { p.rng = rand.New(rand.NewSource(seed)) } }
func WithProber(pr Prober) Option          { return func(p *Pool) { p.prober = pr } }
func WithLogger(l logging.Logger) Option   { return func(p *Pool) { p.log = l } }

func NewPool(records []Record, enabled bool, opts ...Option) *Pool {
	p := &Pool{
		records:    append([]Record(nil), records...),
		quarantine: make(map[string]time.Time),
		inUse:      make(map[string]bool),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		enabled:    enabled,
		now:        time.Now,
		log:        logging.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Enabled reports whether rotation can hand out routes at all.
func (p *Pool) Enabled() bool {
	return p.enabled && len(p.records) > 0
}

func (p *Pool) Len() int { return len(p.records) }

func (p *Pool) Records() []Record {
	return append([]Record(nil), p.records...)
}

// Pick returns a random non-quarantined route. When every route is
// quarantined it falls back to the whole pool.
func (p *Pool) Pick() (Record, bool) {
	if !p.Enabled() {
		return Record{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pruneLocked(now)
	candidates := p.filterLocked(now, "")
	if len(candidates) == 0 {
		candidates = p.records
	}
	rec := candidates[p.rng.Intn(len(candidates))]
	p.log.Info("picked proxy", logging.String("proxy", rec.Key()))
	return rec, true
}

// Rotate returns a random route that is neither excluding, in use, nor
// quarantined. Quarantine is advisory: with no such route it falls back to
// routes that are merely not in use, then to the whole pool.
func (p *Pool) Rotate(excluding *Record) (Record, bool) {
	if !p.Enabled() {
		return Record{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pruneLocked(now)

	skip := ""
	if excluding != nil {
		skip = excluding.Key()
	}
	candidates := p.filterLocked(now, skip)
	if len(candidates) == 0 {
		for _, r := range p.records {
			if !p.inUse[r.Key()] {
				candidates = append(candidates, r)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = p.records
	}
	rec := candidates[p.rng.Intn(len(candidates))]
	p.log.Info("rotated proxy", logging.String("proxy", rec.Key()), logging.Int("candidates", len(candidates)))
	return rec, true
}

// Quarantine keeps rec out of Rotate until now+d. Repeating it never
// shortens an existing quarantine.
func (p *Pool) Quarantine(rec Record, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	until := p.now().Add(d)
	if cur, ok := p.quarantine[rec.Key()]; ok && cur.After(until) {
		return
	}
	p.quarantine[rec.Key()] = until
	p.log.Warn("quarantined proxy", logging.String("proxy", rec.Key()), logging.Duration("for", d))
}

// QuarantinedUntil reports the expiry of an active quarantine.
func (p *Pool) QuarantinedUntil(rec Record) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.quarantine[rec.Key()]
	if !ok || !p.now().Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// Acquire marks rec as serving the session so rotation won't hand it out again.
func (p *Pool) Acquire(rec Record) {
	p.mu.Lock()
	p.inUse[rec.Key()] = true
	p.mu.Unlock()
}

func (p *Pool) Release(rec Record) {
	p.mu.Lock()
	delete(p.inUse, rec.Key())
	p.mu.Unlock()
}

// HealthCheck probes rec. A failed probe is a connectivity problem, not a
// block, so it never quarantines.
func (p *Pool) HealthCheck(ctx context.Context, rec Record, timeout time.Duration) bool {
	if p.prober == nil {
		return true
	}
	if err := p.prober.Probe(ctx, rec, timeout); err != nil {
		p.log.Warn("proxy failed health check", logging.String("proxy", rec.Key()), logging.Error(err))
		return false
	}
	return true
}

func (p *Pool) filterLocked(now time.Time, skip string) []Record {
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		k := r.Key()
		if k == skip || p.inUse[k] {
			continue
		}
		if until, ok := p.quarantine[k]; ok && now.Before(until) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (p *Pool) pruneLocked(now time.Time) {
	for k, until := range p.quarantine {
		if !now.Before(until) {
			delete(p.quarantine, k)
		}
	}
}

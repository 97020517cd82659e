// Package monitor polls the booking page until slots show up, the time budget
// runs out, or recovery from repeated errors fails.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/bypass"
	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/config"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

var (
	ErrRecoveryFailed = errors.New("session recovery failed")
	ErrStopped        = errors.New("monitoring stopped")
)

// Resolver is the bypass orchestrator as seen by the monitor.
type Resolver interface {
	Resolve(ctx context.Context, target bypass.Target, url string, v challenge.Verdict, maxAttempts int) bool
	Attempts() int
	Reset()
}

type Config struct {
	URL    string
	Delay  config.DelayConfig
	Bypass config.BypassConfig
	Slots  config.SlotConfig
}

type Monitor struct {
	cfg      Config
	target   bypass.Target
	detector *challenge.Detector
	resolver Resolver
	state    *runstate.State
	log      logging.Logger

	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	onCycle func(Result)

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

func WithSeed(seed int64) Option { return func(m *Monitor) { m.rng = rand.New(rand.NewSource(seed)) } }

// WithCycleHook is called after every cycle, once its follow-up delay is known.
func WithCycleHook(fn func(Result)) Option { return func(m *Monitor) { m.onCycle = fn } }

func WithLogger(l logging.Logger) Option { return func(m *Monitor) { m.log = l } }

func New(cfg Config, target bypass.Target, detector *challenge.Detector, resolver Resolver, state *runstate.State, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:      cfg,
		target:   target,
		detector: detector,
		resolver: resolver,
		state:    state,
		log:      logging.Nop(),
		now:      time.Now,
		sleep:    browser.Sleep,
		onCycle:  func(Result) {},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Watch runs fetch-and-classify cycles until slots are found or within has
// elapsed. Sleeps never extend past the deadline, so Watch returns within
// the budget plus one cycle. A zero budget performs no cycle.
func (m *Monitor) Watch(ctx context.Context, within time.Duration) Status {
	deadline := m.now().Add(within)
	stop := m.state.Stop()
	var (
		cycles int
		last   time.Time
	)

	for {
		if stop.Requested() || ctx.Err() != nil {
			return Status{Cycles: cycles, LastCheckedAt: last, ErrorDetail: "Monitoring stopped", Err: ErrStopped}
		}
		if !m.now().Before(deadline) {
			break
		}

		cycles++
		res := m.cycle(ctx, cycles)
		last = res.Timestamp

		var delay time.Duration
		switch res.Outcome {
		case OutcomeAvailable:
			m.onCycle(res)
			m.log.Info("availability found", logging.Int("slots", res.Slots), logging.Int("cycle", cycles))
			return Status{Available: true, SlotCount: res.Slots, LastCheckedAt: last, Cycles: cycles}

		case OutcomeError:
			if ctx.Err() != nil || stop.Requested() {
				continue
			}
			n := m.state.RecordError()
			if n >= m.cfg.Delay.MaxConsecutiveErrors {
				m.onCycle(res)
				if err := m.recover(ctx, n); err != nil {
					if ctx.Err() != nil || stop.Requested() {
						continue
					}
					return Status{
						Cycles:        cycles,
						LastCheckedAt: last,
						ErrorDetail:   fmt.Sprintf("Recovery failed after %d consecutive errors: %v", n, err),
						Err:           ErrRecoveryFailed,
					}
				}
				m.state.ResetErrors()
				delay = m.baseDelay()
				res.NextDelay = delay
				m.log.Info("session recovered", logging.Duration("next_check", delay))
				break
			}
			delay = m.errorBackoff(n)

		case OutcomeExhausted:
			delay = m.state.GrowBlockBackoff(m.cfg.Bypass.BlockBackoffBase, m.cfg.Bypass.BlockBackoffFactor, m.cfg.Bypass.BlockBackoffCap)
			m.log.Warn("bypass exhausted, cooling down", logging.Duration("backoff", delay))

		default:
			delay = m.nextDelay()
		}

		if remaining := deadline.Sub(m.now()); delay > remaining {
			delay = remaining
		}
		if res.NextDelay == 0 {
			res.NextDelay = delay
			m.onCycle(res)
		}
		if delay > 0 {
			if err := m.pause(ctx, delay); err != nil {
				continue
			}
		}
		if res.Outcome == OutcomeExhausted {
			m.resolver.Reset()
		}
	}

	m.log.Info("monitoring window elapsed", logging.Int("cycles", cycles))
	return Status{
		Cycles:        cycles,
		LastCheckedAt: last,
		ErrorDetail:   fmt.Sprintf("No availability found within %s (%d checks performed)", within, cycles),
	}
}

func (m *Monitor) cycle(ctx context.Context, n int) Result {
	started := m.now()
	res := m.probe(ctx)
	res.Cycle = n
	res.Timestamp = m.now()
	res.Latency = res.Timestamp.Sub(started)
	if res.Err != nil {
		m.log.Warn("check failed", logging.Int("cycle", n), logging.Error(res.Err))
	} else {
		m.log.Debug("check done",
			logging.Int("cycle", n),
			logging.String("outcome", string(res.Outcome)),
			logging.Int("slots", res.Slots))
	}
	return res
}

func (m *Monitor) probe(ctx context.Context) Result {
	m.state.CountRequest()
	sess := m.target.Session()
	if sess == nil {
		return Result{Outcome: OutcomeError, Err: browser.ErrNoPage}
	}
	if err := sess.Navigate(ctx, m.cfg.URL); err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	content, err := sess.Content(ctx)
	if err != nil {
		return Result{Outcome: OutcomeError, Err: err}
	}
	m.state.ResetErrors()

	var res Result
	v := m.detector.ClassifyResponse(sess.StatusCode(), content)
	m.state.MarkChallenge(v.Blocked, v.Family)
	if !v.Blocked {
		m.state.ResetBlockBackoff()
	}
	if v.Blocked {
		res.Family = v.Family
		if !m.resolver.Resolve(ctx, m.target, m.cfg.URL, v, m.cfg.Bypass.MaxAttempts) {
			res.Outcome = OutcomeChallenge
			if m.resolver.Attempts() > m.cfg.Bypass.MaxAttempts {
				res.Outcome = OutcomeExhausted
			}
			return res
		}
		res.Cleared = true
		// a strategy may have replaced the session
		sess = m.target.Session()
		if content, err = sess.Content(ctx); err != nil {
			return Result{Outcome: OutcomeError, Family: v.Family, Err: err}
		}
	}

	slots, err := m.countSlots(ctx, sess, content)
	if err != nil {
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	res.Slots = slots
	res.Outcome = OutcomeNoSlots
	if slots > 0 {
		res.Outcome = OutcomeAvailable
	}
	return res
}

// countSlots tries the slot locators in order, first locator with matches
// wins. Without a match, explicit no-slot markers mean zero; otherwise an
// availability phrase counts as one slot when the optimistic guess is on.
func (m *Monitor) countSlots(ctx context.Context, sess browser.Session, content string) (int, error) {
	sc := m.cfg.Slots
	for _, loc := range sc.Locators {
		n, err := sess.Count(ctx, loc)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
	for _, loc := range sc.NoSlotLocators {
		n, err := sess.Count(ctx, loc)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return 0, nil
		}
	}
	text := strings.ToLower(content)
	for _, p := range sc.NoSlotPhrases {
		if strings.Contains(text, strings.ToLower(p)) {
			return 0, nil
		}
	}
	if sc.OptimisticGuess {
		for _, p := range sc.AvailablePhrases {
			if strings.Contains(text, strings.ToLower(p)) {
				return 1, nil
			}
		}
	}
	return 0, nil
}

func (m *Monitor) randBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return lo + time.Duration(m.rng.Int63n(int64(hi-lo)+1))
}

// baseDelay widens to the extended range once the run has made more than
// ExtendedAfter requests.
func (m *Monitor) baseDelay() time.Duration {
	d := m.cfg.Delay
	if m.state.Requests() > d.ExtendedAfter {
		return m.randBetween(d.ExtendedMin, d.ExtendedMax)
	}
	return m.randBetween(d.BaseMin, d.BaseMax)
}

// nextDelay scales the base delay when the cycle just finished saw a
// challenge, bypassed or not, and again by the severity of its family.
func (m *Monitor) nextDelay() time.Duration {
	delay := m.baseDelay()
	challenged, family := m.state.LastChallenge()
	if !challenged {
		return delay
	}
	factor := m.cfg.Delay.ChallengeMultiplier * m.severity(family)
	return time.Duration(float64(delay) * factor)
}

func (m *Monitor) severity(f challenge.Family) float64 {
	d := m.cfg.Delay
	switch f {
	case challenge.FamilyRateLimit:
		return d.RateLimitSeverity
	case challenge.FamilyBotChallenge:
		return d.BotChallengeSeverity
	case challenge.FamilyUnknown:
		return d.UnknownSeverity
	}
	return 1
}

func (m *Monitor) errorBackoff(n int) time.Duration {
	d := m.cfg.Delay
	backoff := time.Duration(float64(d.ErrorBackoffBase) * math.Pow(2, float64(n)))
	if backoff > d.ErrorBackoffCap || backoff <= 0 {
		return d.ErrorBackoffCap
	}
	return backoff
}

func (m *Monitor) recover(ctx context.Context, errs int) error {
	m.log.Warn("too many consecutive errors, restarting session", logging.Int("errors", errs))
	if err := m.pause(ctx, m.cfg.Delay.RecoveryPause); err != nil {
		return err
	}
	return m.target.Restart(ctx, m.target.Proxy())
}

// pause sleeps for d, waking early on ctx cancellation or a stop request.
func (m *Monitor) pause(ctx context.Context, d time.Duration) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.state.Stop().Done():
			cancel()
		case <-sctx.Done():
		}
	}()
	return m.sleep(sctx, d)
}

// Package session runs one automation end to end: environment check,
// availability monitoring, then booking the queued records. Callers follow
// progress through an ordered event stream and never touch run state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/booking"
	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/bypass"
	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/config"
	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/monitor"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/ratelimit"
	"github.com/yourneighborhoodchef/slotwatch/internal/records"
	"github.com/yourneighborhoodchef/slotwatch/internal/resultstore"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

var ErrAlreadyStarted = errors.New("session already started")

// RunConfig is what a caller picks per run. Non-zero fields override the
// loaded configuration; Headless always does.
type RunConfig struct {
	Headless          bool
	Backend           browser.Backend
	StartURL          string
	MonitoringMinutes int
	MaxRecords        int
	// MonitorOnly ends the run once availability is reported.
	MonitorOnly bool
}

// Sink receives booking results as they happen and the run summary at the end.
// resultstore.Store satisfies it.
type Sink interface {
	SaveResult(ctx context.Context, r booking.Result) error
	SaveRun(ctx context.Context, s resultstore.RunSummary) error
}

// Deps are the collaborators shared by every run. Nil fields get production
// defaults; only Config is required.
type Deps struct {
	Config    *config.Config
	Launchers []browser.Launcher
	Pool      *proxy.Pool
	Generator *identity.Generator
	Sink      Sink
	Logger    logging.Logger
	Clock     func() time.Time
	Sleep     func(context.Context, time.Duration) error
}

// Controller runs at most one automation.
type Controller struct {
	deps Deps

	mu      sync.Mutex
	started bool
	state   *runstate.State
	done    chan struct{}
}

func New(deps Deps) *Controller {
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = browser.Sleep
	}
	if deps.Sink == nil {
		deps.Sink = resultstore.Discard{}
	}
	if deps.Generator == nil {
		deps.Generator = identity.NewGenerator(deps.Clock().UnixNano())
	}
	return &Controller{deps: deps}
}

// Start validates the effective configuration and launches the run on its
// own goroutine. The returned channel carries every event in order and is
// closed after teardown; it must be drained.
func (c *Controller) Start(ctx context.Context, rc RunConfig, recs []records.ClientRecord) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil, ErrAlreadyStarted
	}
	cfg := c.effective(rc)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r, err := c.newRun(cfg)
	if err != nil {
		return nil, err
	}
	r.monitorOnly = rc.MonitorOnly
	c.started = true
	c.state = r.state
	c.done = r.done

	go r.execute(ctx, recs)
	return r.events.out, nil
}

// RequestStop asks the run to wind down at its next check. It never blocks.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != nil {
		st.Stop().Request()
	}
}

// Wait blocks until teardown has finished. It returns at once if the
// controller was never started.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) effective(rc RunConfig) *config.Config {
	cfg := *c.deps.Config
	cfg.Run.Headless = rc.Headless
	if rc.Backend != "" {
		cfg.Run.Backend = string(rc.Backend)
	}
	if rc.StartURL != "" {
		cfg.Run.StartURL = rc.StartURL
	}
	if rc.MonitoringMinutes > 0 {
		cfg.Run.MonitoringMinutes = rc.MonitoringMinutes
	}
	if rc.MaxRecords > 0 {
		cfg.Run.MaxRecords = rc.MaxRecords
	}
	return &cfg
}

// NewPool builds the proxy pool from the inline list and the list file.
func NewPool(cfg *config.Config, log logging.Logger, opts ...proxy.Option) (*proxy.Pool, error) {
	recs, err := proxy.ParseList(cfg.Proxy.List)
	if err != nil {
		return nil, err
	}
	if cfg.Proxy.File != "" {
		fromFile, err := proxy.LoadFile(cfg.Proxy.File)
		if err != nil {
			return nil, err
		}
		recs = append(recs, fromFile...)
	}
	opts = append([]proxy.Option{
		proxy.WithProber(proxy.HTTPProber{URL: cfg.Proxy.HealthURL}),
		proxy.WithLogger(log),
	}, opts...)
	return proxy.NewPool(recs, cfg.Proxy.Enabled, opts...), nil
}

func (c *Controller) newRun(cfg *config.Config) (*run, error) {
	d := c.deps
	state := runstate.New(d.Clock())
	log := d.Logger.With(logging.String("run_id", state.RunID))

	pool := d.Pool
	if pool == nil {
		var err error
		if pool, err = NewPool(cfg, log, proxy.WithClock(d.Clock)); err != nil {
			return nil, err
		}
	}
	launchers := d.Launchers
	if len(launchers) == 0 {
		launchers = []browser.Launcher{
			browser.NewHTTPLauncher(),
			browser.NewChromeLauncher(cfg.Run.ChromePath),
		}
	}

	pacer := ratelimit.NewTokenJar(cfg.Pacing.RequestsPerSecond, cfg.Pacing.Burst)
	mgr := browser.NewManager(browser.ManagerConfig{
		Backend:   browser.Backend(cfg.Run.Backend),
		Launchers: launchers,
		Options: browser.Options{
			Headless:       cfg.Run.Headless,
			RequestTimeout: cfg.Run.RequestTimeout,
			Pacer:          pacer,
			TypingDelayMin: cfg.Booking.TypingDelayMin,
			TypingDelayMax: cfg.Booking.TypingDelayMax,
			Logger:         log,
		},
		Generator:    d.Generator,
		Pool:         pool,
		RestartPause: cfg.Bypass.RestartPause,
		Sleep:        d.Sleep,
	})

	detector := challenge.NewDetector(cfg.Challenge.BotPhrases, cfg.Challenge.RateLimitPhrases)
	strategies, err := bypass.Build(cfg.Bypass.Strategies, bypass.Deps{
		Detector:            detector,
		Pool:                pool,
		SettleDelays:        cfg.Bypass.SettleDelays,
		Quarantine:          cfg.Proxy.Quarantine,
		HealthTimeout:       cfg.Proxy.HealthTimeout,
		RotationTries:       cfg.Proxy.RotationTries,
		InteractionLocators: cfg.Bypass.InteractionLocators,
		Sleep:               d.Sleep,
		Logger:              log,
	})
	if err != nil {
		pacer.Stop()
		return nil, err
	}

	r := &run{
		cfg:    cfg,
		state:  state,
		mgr:    mgr,
		pacer:  pacer,
		sink:   d.Sink,
		log:    log,
		now:    d.Clock,
		events: newQueue(),
		done:   make(chan struct{}),
		summary: resultstore.RunSummary{
			RunID:     state.RunID,
			StartedAt: state.StartedAt,
			Backend:   cfg.Run.Backend,
		},
	}
	target := cfg.TargetURL()
	r.mon = monitor.New(monitor.Config{
		URL:    target,
		Delay:  cfg.Delay,
		Bypass: cfg.Bypass,
		Slots:  cfg.Slots,
	}, mgr, detector, bypass.New(strategies, state, log), state,
		monitor.WithClock(d.Clock),
		monitor.WithSleep(d.Sleep),
		monitor.WithLogger(log),
		monitor.WithCycleHook(r.onCycle),
	)
	r.wf = booking.New(booking.Config{
		URL:       target,
		Booking:   cfg.Booking,
		ActionMin: cfg.Delay.ActionMin,
		ActionMax: cfg.Delay.ActionMax,
	}, mgr, state,
		booking.WithClock(d.Clock),
		booking.WithSleep(d.Sleep),
		booking.WithLogger(log),
	)
	return r, nil
}

type run struct {
	cfg    *config.Config
	state  *runstate.State
	mgr    *browser.Manager
	pacer  *ratelimit.TokenJar
	mon    *monitor.Monitor
	wf     *booking.Workflow
	sink   Sink
	log    logging.Logger
	now    func() time.Time
	events *queue
	done   chan struct{}

	monitorOnly bool

	once    sync.Once
	summary resultstore.RunSummary
}

func (r *run) execute(ctx context.Context, recs []records.ClientRecord) {
	defer r.teardown()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run aborted", logging.String("panic", fmt.Sprint(p)))
			r.fail(fmt.Sprintf("Automation error: %v", p))
		}
	}()

	r.status("Starting automation...")
	if err := r.mgr.Available(); err != nil {
		r.fail(fmt.Sprintf("Automation backend unavailable: %v", err))
		return
	}
	if err := r.mgr.Start(ctx); err != nil {
		r.fail(fmt.Sprintf("Failed to start browser: %v", err))
		return
	}
	r.status(fmt.Sprintf("Browser started (%s). Monitoring for availability...", r.mgr.Backend()))

	st := r.mon.Watch(ctx, r.cfg.MonitoringDuration())
	r.summary.Cycles = st.Cycles
	r.summary.Available = st.Available
	r.summary.SlotCount = st.SlotCount
	switch {
	case errors.Is(st.Err, monitor.ErrStopped):
		return
	case errors.Is(st.Err, monitor.ErrRecoveryFailed):
		r.fail(st.ErrorDetail)
		return
	case !st.Available:
		r.summary.ErrorDetail = st.ErrorDetail
		r.status(st.ErrorDetail)
		return
	}

	r.events.push(Event{Kind: KindAvailability, Time: r.now(), Availability: &st})
	r.status(fmt.Sprintf("Availability found! %d slots available.", st.SlotCount))
	if r.monitorOnly {
		return
	}
	if len(recs) == 0 {
		r.fail("No client data found. Please add clients first.")
		return
	}

	total := len(recs)
	if m := r.cfg.Run.MaxRecords; m > 0 && m < total {
		total = m
	}
	r.status(fmt.Sprintf("Starting booking for %d clients...", total))
	results := r.wf.BookBatch(ctx, recs, r.cfg.Run.MaxRecords, r.recheck, r.onBooked)

	r.summary.Attempted = len(results)
	for _, res := range results {
		if res.Success {
			r.summary.Succeeded++
		}
	}
	r.status(fmt.Sprintf("Booking process completed! %d of %d booked.", r.summary.Succeeded, len(results)))
}

func (r *run) recheck(ctx context.Context) (bool, string) {
	st := r.mon.Watch(ctx, r.cfg.Delay.RecheckDuration)
	r.summary.Cycles += st.Cycles
	return st.Available, st.ErrorDetail
}

func (r *run) onCycle(res monitor.Result) {
	var msg string
	switch res.Outcome {
	case monitor.OutcomeAvailable:
		msg = fmt.Sprintf("Check %d: %d slots visible", res.Cycle, res.Slots)
	case monitor.OutcomeNoSlots:
		msg = fmt.Sprintf("Check %d: no slots, next check in %s", res.Cycle, res.NextDelay)
	case monitor.OutcomeChallenge:
		msg = fmt.Sprintf("Check %d: %s challenge not cleared, next check in %s", res.Cycle, res.Family, res.NextDelay)
	case monitor.OutcomeExhausted:
		msg = fmt.Sprintf("Check %d: bypass attempts exhausted, backing off %s", res.Cycle, res.NextDelay)
	case monitor.OutcomeError:
		msg = fmt.Sprintf("Check %d failed: %v, retrying in %s", res.Cycle, res.Err, res.NextDelay)
	}
	if res.Cleared {
		msg += fmt.Sprintf(" (%s challenge cleared)", res.Family)
	}
	r.status(msg)
}

func (r *run) onBooked(res booking.Result, current, total int) {
	if err := r.sink.SaveResult(context.Background(), res); err != nil {
		r.log.Warn("persist booking result failed", logging.String("record", res.RecordID), logging.Error(err))
	}
	r.events.push(Event{Kind: KindBooking, Time: r.now(), Result: &res})
	r.events.push(Event{Kind: KindProgress, Time: r.now(), Current: current, Total: total})
}

func (r *run) status(msg string) {
	r.events.push(Event{Kind: KindStatus, Time: r.now(), Message: msg})
}

func (r *run) fail(msg string) {
	if r.summary.ErrorDetail == "" {
		r.summary.ErrorDetail = msg
	}
	r.events.push(Event{Kind: KindError, Time: r.now(), Message: msg})
}

// teardown releases the session and proxy, persists the summary and closes
// the event stream. Only the first call does anything.
func (r *run) teardown() {
	r.once.Do(func() {
		r.summary.FinishedAt = r.now()
		if err := r.mgr.Close(); err != nil {
			r.log.Warn("close session failed", logging.Error(err))
		}
		r.pacer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sink.SaveRun(ctx, r.summary); err != nil {
			r.log.Warn("persist run summary failed", logging.Error(err))
		}
		r.log.Info("run finished",
			logging.Int("cycles", r.summary.Cycles),
			logging.Bool("available", r.summary.Available),
			logging.Int("attempted", r.summary.Attempted),
			logging.Int("succeeded", r.summary.Succeeded))

		r.status("Automation stopped.")
		r.events.close()
		close(r.done)
	})
}

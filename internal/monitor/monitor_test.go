package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/browser/browsertest"
	"github.com/yourneighborhoodchef/slotwatch/internal/bypass"
	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/config"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

const slotLoc = ".time-slot"

type clock struct {
	mu    sync.Mutex
	t     time.Time
	slept []time.Duration
}

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	return nil
}

func (c *clock) Slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

type target struct {
	sess       *browsertest.Session
	restarts   int
	restartErr error
}

func (t *target) Session() browser.Session                     { return t.sess }
func (t *target) Proxy() *proxy.Record                         { return nil }
func (t *target) RotateIdentity(context.Context) error         { return nil }
func (t *target) SwitchBackend(context.Context) error          { return nil }
func (t *target) Restart(context.Context, *proxy.Record) error { t.restarts++; return t.restartErr }

type resolver struct {
	clears   bool
	calls    int
	attempts int
	resets   int
}

func (r *resolver) Resolve(context.Context, bypass.Target, string, challenge.Verdict, int) bool {
	r.calls++
	r.attempts++
	return r.clears
}
func (r *resolver) Attempts() int { return r.attempts }
func (r *resolver) Reset()        { r.resets++; r.attempts = 0 }

func testConfig() Config {
	cfg := config.Default()
	cfg.Delay.BaseMin, cfg.Delay.BaseMax = 10*time.Second, 10*time.Second
	cfg.Delay.ExtendedMin, cfg.Delay.ExtendedMax = 20*time.Second, 20*time.Second
	cfg.Delay.RecoveryPause = 5 * time.Second
	cfg.Slots.Locators = []string{slotLoc}
	return Config{URL: "https://booking.test/book-appointment", Delay: cfg.Delay, Bypass: cfg.Bypass, Slots: cfg.Slots}
}

func newMonitor(cfg Config, tg *target, r *resolver, c *clock, opts ...Option) (*Monitor, *runstate.State) {
	st := runstate.New(c.Now())
	det := challenge.NewDetector([]string{"checking your browser"}, []string{"too many requests"})
	opts = append([]Option{WithClock(c.Now), WithSleep(c.Sleep), WithSeed(1)}, opts...)
	return New(cfg, tg, det, r, st, opts...), st
}

func page(content string, slots int) browsertest.Page {
	return browsertest.Page{Status: 200, Content: content, Elements: map[string]int{slotLoc: slots}}
}

func TestZeroBudgetReturnsImmediately(t *testing.T) {
	c := newClock()
	tg := &target{sess: browsertest.NewSession(page("", 5))}
	m, _ := newMonitor(testConfig(), tg, &resolver{}, c)

	st := m.Watch(context.Background(), 0)
	if st.Available || st.Cycles > 1 {
		t.Fatalf("Watch(0) = %+v, want unavailable with at most one cycle", st)
	}
	if len(tg.sess.Navigations()) != st.Cycles {
		t.Errorf("navigations %d != cycles %d", len(tg.sess.Navigations()), st.Cycles)
	}
}

func TestAvailabilityFound(t *testing.T) {
	c := newClock()
	tg := &target{sess: &browsertest.Session{Navigator: func(_ string, n int) (browsertest.Page, error) {
		if n < 2 {
			return page("<p>No appointments available</p>", 0), nil
		}
		return page("<p>Choose a time</p>", 4), nil
	}}}
	m, _ := newMonitor(testConfig(), tg, &resolver{}, c)

	st := m.Watch(context.Background(), time.Hour)
	want := Status{Available: true, SlotCount: 4, Cycles: 3, LastCheckedAt: c.Now()}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{10 * time.Second, 10 * time.Second}, c.Slept()); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}
}

func TestDeadlineExpiryIsBounded(t *testing.T) {
	c := newClock()
	cfg := testConfig()
	cfg.Delay.BaseMin, cfg.Delay.BaseMax = 30*time.Second, 60*time.Second
	tg := &target{sess: browsertest.NewSession(page("nothing yet", 0))}
	m, _ := newMonitor(cfg, tg, &resolver{}, c)

	start := c.Now()
	const within = 5 * time.Minute
	st := m.Watch(context.Background(), within)
	if st.Available {
		t.Fatalf("unexpected availability")
	}
	if st.Cycles < 5 || st.Cycles > 11 {
		t.Errorf("cycles = %d, want between 5 and 11", st.Cycles)
	}
	if elapsed := c.Now().Sub(start); elapsed > within {
		t.Errorf("slept past the deadline: %s", elapsed)
	}
	if !strings.Contains(st.ErrorDetail, fmt.Sprintf("(%d checks performed)", st.Cycles)) {
		t.Errorf("ErrorDetail = %q", st.ErrorDetail)
	}
}

func TestExtendedDelayAfterThreshold(t *testing.T) {
	c := newClock()
	cfg := testConfig()
	cfg.Delay.ExtendedAfter = 2
	tg := &target{sess: browsertest.NewSession(page("", 0))}
	m, _ := newMonitor(cfg, tg, &resolver{}, c)

	m.Watch(context.Background(), 55*time.Second)
	want := []time.Duration{10 * time.Second, 10 * time.Second, 20 * time.Second, 15 * time.Second}
	if diff := cmp.Diff(want, c.Slept()); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}
}

func TestChallengeScalesDelay(t *testing.T) {
	c := newClock()
	tg := &target{sess: &browsertest.Session{Navigator: func(_ string, n int) (browsertest.Page, error) {
		if n == 0 {
			return page("Checking your browser before accessing", 0), nil
		}
		return page("still nothing", 0), nil
	}}}
	r := &resolver{clears: true}
	m, _ := newMonitor(testConfig(), tg, r, c)

	m.Watch(context.Background(), 50*time.Second)
	slept := c.Slept()
	if len(slept) < 2 {
		t.Fatalf("slept = %v", slept)
	}
	// base 10s x2 after a challenge x2 for bot-challenge severity
	if slept[0] != 40*time.Second {
		t.Errorf("delay after bypassed challenge = %s, want 40s", slept[0])
	}
	if slept[1] != 10*time.Second {
		t.Errorf("delay after clean cycle = %s, want 10s", slept[1])
	}
	if r.calls != 1 {
		t.Errorf("resolver called %d times", r.calls)
	}
}

func TestRateLimitIsMoreSevere(t *testing.T) {
	c := newClock()
	tg := &target{sess: browsertest.NewSession(page("Too many requests", 0))}
	m, _ := newMonitor(testConfig(), tg, &resolver{}, c)

	m.Watch(context.Background(), 61*time.Second)
	if got := c.Slept()[0]; got != 60*time.Second {
		t.Errorf("rate-limit delay = %s, want 60s (10s x2 x3)", got)
	}
}

func TestExhaustionAppliesGrowingBlockBackoff(t *testing.T) {
	c := newClock()
	tg := &target{sess: browsertest.NewSession(page("Checking your browser", 0))}
	r := &resolver{attempts: 100}
	cfg := testConfig()
	m, _ := newMonitor(cfg, tg, r, c)

	// the fake resets its attempt count on Reset, so only the first cycle is exhausted
	m.Watch(context.Background(), 61*time.Second)
	slept := c.Slept()
	if slept[0] != 60*time.Second {
		t.Errorf("first cooldown = %s, want 60s", slept[0])
	}
	if r.resets != 1 {
		t.Errorf("resets = %d, want 1", r.resets)
	}
}

func TestCleanFetchResetsBlockBackoff(t *testing.T) {
	c := newClock()
	tg := &target{sess: &browsertest.Session{Navigator: func(_ string, n int) (browsertest.Page, error) {
		if n == 0 {
			return page("Checking your browser", 0), nil
		}
		return page("nothing yet", 0), nil
	}}}
	m, st := newMonitor(testConfig(), tg, &resolver{attempts: 100}, c)

	m.Watch(context.Background(), 75*time.Second)
	if got := st.GrowBlockBackoff(60*time.Second, 1.5, 300*time.Second); got != 60*time.Second {
		t.Errorf("backoff after a clean fetch = %s, want it back at base", got)
	}
}

func TestConsecutiveErrorsTriggerRecovery(t *testing.T) {
	c := newClock()
	fail := fmt.Errorf("%w: connection reset", browser.ErrTransport)
	tg := &target{sess: &browsertest.Session{Navigator: func(_ string, n int) (browsertest.Page, error) {
		if n < 3 {
			return browsertest.Page{}, fail
		}
		return page("open", 2), nil
	}}}
	m, st := newMonitor(testConfig(), tg, &resolver{}, c)

	got := m.Watch(context.Background(), time.Hour)
	if !got.Available || got.Cycles != 4 {
		t.Fatalf("status = %+v, want available on cycle 4", got)
	}
	if tg.restarts != 1 {
		t.Errorf("restarts = %d, want 1", tg.restarts)
	}
	// 60s*2^1, 60s*2^2, recovery pause, base delay
	want := []time.Duration{120 * time.Second, 240 * time.Second, 5 * time.Second, 10 * time.Second}
	if diff := cmp.Diff(want, c.Slept()); diff != "" {
		t.Errorf("delays (-want +got):\n%s", diff)
	}
	if st.ConsecutiveErrors() != 0 {
		t.Errorf("consecutive errors not reset")
	}
}

func TestRecoveryFailureIsTerminal(t *testing.T) {
	c := newClock()
	tg := &target{
		sess: &browsertest.Session{Navigator: func(string, int) (browsertest.Page, error) {
			return browsertest.Page{}, browser.ErrTransport
		}},
		restartErr: errors.New("chrome crashed"),
	}
	m, _ := newMonitor(testConfig(), tg, &resolver{}, c)

	got := m.Watch(context.Background(), time.Hour)
	if !errors.Is(got.Err, ErrRecoveryFailed) {
		t.Fatalf("Err = %v, want ErrRecoveryFailed", got.Err)
	}
	if got.Available || got.Cycles != 3 || !strings.Contains(got.ErrorDetail, "chrome crashed") {
		t.Errorf("status = %+v", got)
	}
}

func TestStopEndsBeforeNextCycle(t *testing.T) {
	c := newClock()
	tg := &target{sess: browsertest.NewSession(page("", 0))}
	var st *runstate.State
	m, st := newMonitor(testConfig(), tg, &resolver{}, c, WithCycleHook(func(r Result) {
		if r.Cycle == 2 {
			st.Stop().Request()
		}
	}))

	got := m.Watch(context.Background(), time.Hour)
	if !errors.Is(got.Err, ErrStopped) || got.Cycles != 2 {
		t.Fatalf("status = %+v, want stopped after 2 cycles", got)
	}
	if n := len(tg.sess.Navigations()); n != 2 {
		t.Errorf("navigations = %d, want 2", n)
	}
}

func TestCountSlots(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		elements   map[string]int
		optimistic bool
		want       int
	}{
		{name: "locator match", elements: map[string]int{slotLoc: 3}, want: 3},
		{name: "no-slot marker", content: "Book appointment", elements: map[string]int{".no-slots": 1}, optimistic: true, want: 0},
		{name: "no-slot phrase", content: "Fully booked. Book appointment later", optimistic: true, want: 0},
		{name: "optimistic guess", content: "Book Appointment", optimistic: true, want: 1},
		{name: "guess disabled", content: "Book Appointment", optimistic: false, want: 0},
		{name: "nothing", content: "hello", optimistic: true, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Slots.OptimisticGuess = tt.optimistic
			sess := browsertest.NewSession(browsertest.Page{Content: tt.content, Elements: tt.elements})
			_ = sess.Navigate(context.Background(), "u")
			m, _ := newMonitor(cfg, &target{sess: sess}, &resolver{}, newClock())
			got, err := m.countSlots(context.Background(), sess, tt.content)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("countSlots = %d, want %d", got, tt.want)
			}
		})
	}
}

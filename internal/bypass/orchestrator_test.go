package bypass

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/browser/browsertest"
	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

const wall = "Checking your browser before accessing the site"

type fakeTarget struct {
	sess      *browsertest.Session
	proxy     *proxy.Record
	rotations int
	restarts  []string
	switchErr error
	switched  int
}

func (f *fakeTarget) Session() browser.Session { return f.sess }
func (f *fakeTarget) Proxy() *proxy.Record     { return f.proxy }

func (f *fakeTarget) RotateIdentity(context.Context) error {
	f.rotations++
	return nil
}

func (f *fakeTarget) Restart(_ context.Context, rec *proxy.Record) error {
	f.proxy = rec
	key := "direct"
	if rec != nil {
		key = rec.Key()
	}
	f.restarts = append(f.restarts, key)
	return nil
}

func (f *fakeTarget) SwitchBackend(context.Context) error {
	if f.switchErr != nil {
		return f.switchErr
	}
	f.switched++
	return nil
}

// blockedUntil serves the challenge wall until clear() reports true.
func blockedUntil(clear func() bool) func(string, int) (browsertest.Page, error) {
	return func(string, int) (browsertest.Page, error) {
		if clear() {
			return browsertest.Page{Status: 200, Content: "<h1>Book appointment</h1>"}, nil
		}
		return browsertest.Page{Status: 200, Content: wall}, nil
	}
}

func testDeps(pool *proxy.Pool) Deps {
	return Deps{
		Detector:      challenge.NewDetector([]string{"checking your browser"}, []string{"too many requests"}),
		Pool:          pool,
		SettleDelays:  []time.Duration{5 * time.Second, 10 * time.Second},
		Quarantine:    30 * time.Minute,
		HealthTimeout: time.Second,
		RotationTries: 3,
		InteractionLocators: []string{
			`input[type="checkbox"]`,
		},
		Sleep:  browsertest.NoSleep,
		Logger: logging.Nop(),
	}
}

type countingStrategy struct {
	name    string
	clears  bool
	applied int
}

func (c *countingStrategy) Name() string { return c.name }
func (c *countingStrategy) Apply(context.Context, *Attempt) (bool, error) {
	c.applied++
	return c.clears, nil
}

var blocked = challenge.Verdict{Blocked: true, Family: challenge.FamilyBotChallenge}

func TestResolveCountsInvocationsNotStrategies(t *testing.T) {
	a := &countingStrategy{name: "a"}
	b := &countingStrategy{name: "b"}
	o := New([]Strategy{a, b}, runstate.New(time.Now()), nil)
	target := &fakeTarget{sess: browsertest.NewSession(browsertest.Page{})}

	for i := 0; i < 3; i++ {
		if o.Resolve(context.Background(), target, "https://example.test", blocked, 2) {
			t.Fatalf("resolve %d cleared with failing strategies", i+1)
		}
	}
	if a.applied != 2 || b.applied != 2 {
		t.Errorf("strategy passes = %d/%d, want 2/2", a.applied, b.applied)
	}
	if o.Attempts() != 3 {
		t.Errorf("Attempts() = %d, want 3", o.Attempts())
	}

	o.Reset()
	o.Resolve(context.Background(), target, "https://example.test", blocked, 2)
	if a.applied != 3 {
		t.Errorf("Reset did not re-enable strategies")
	}
}

func TestResolveShortCircuits(t *testing.T) {
	a := &countingStrategy{name: "a"}
	b := &countingStrategy{name: "b", clears: true}
	c := &countingStrategy{name: "c", clears: true}
	o := New([]Strategy{a, b, c}, nil, nil)

	if !o.Resolve(context.Background(), &fakeTarget{}, "u", blocked, 10) {
		t.Fatalf("Resolve should clear")
	}
	if got := []int{a.applied, b.applied, c.applied}; !cmp.Equal(got, []int{1, 1, 0}) {
		t.Errorf("applied = %v, want [1 1 0]", got)
	}
	if o.LastStrategy() != "b" {
		t.Errorf("LastStrategy() = %q", o.LastStrategy())
	}
}

func TestResolveHonoursStopFlag(t *testing.T) {
	a := &countingStrategy{name: "a", clears: true}
	st := runstate.New(time.Now())
	st.Stop().Request()
	o := New([]Strategy{a}, st, nil)
	if o.Resolve(context.Background(), &fakeTarget{}, "u", blocked, 10) {
		t.Fatalf("Resolve cleared after stop")
	}
	if a.applied != 0 {
		t.Errorf("strategy ran after stop was requested")
	}
}

func TestBuild(t *testing.T) {
	got, err := Build([]string{SessionRestart, IdentityRotation}, testDeps(nil))
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range got {
		names = append(names, s.Name())
	}
	if diff := cmp.Diff([]string{SessionRestart, IdentityRotation}, names); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if _, err := Build([]string{"telepathy"}, testDeps(nil)); err == nil {
		t.Errorf("unknown strategy accepted")
	}
}

func TestIdentityRotationRechecks(t *testing.T) {
	ft := &fakeTarget{}
	ft.sess = &browsertest.Session{Navigator: blockedUntil(func() bool { return ft.rotations > 0 })}
	strategies, _ := Build([]string{IdentityRotation}, testDeps(nil))

	o := New(strategies, nil, nil)
	if !o.Resolve(context.Background(), ft, "https://example.test/book", blocked, 10) {
		t.Fatalf("identity rotation should clear")
	}
	if diff := cmp.Diff([]string{"https://example.test/book"}, ft.sess.Navigations()); diff != "" {
		t.Errorf("navigations (-want +got):\n%s", diff)
	}
}

type healthByKey map[string]error

func (h healthByKey) Probe(_ context.Context, rec proxy.Record, _ time.Duration) error {
	return h[rec.Key()]
}

func TestProxyRotationQuarantinesEntryOnly(t *testing.T) {
	recs := []proxy.Record{
		{Host: "10.0.0.1", Port: 80},
		{Host: "10.0.0.2", Port: 80},
		{Host: "10.0.0.3", Port: 80},
	}
	pool := proxy.NewPool(recs, true,
		proxy.WithSeed(9),
		proxy.WithProber(healthByKey{recs[1].Key(): errors.New("connect refused")}))

	entry := recs[0]
	ft := &fakeTarget{proxy: &entry}
	ft.sess = &browsertest.Session{Navigator: blockedUntil(func() bool {
		return ft.proxy != nil && ft.proxy.Key() == recs[2].Key()
	})}

	s := proxyRotation{&checker{deps: testDeps(pool)}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: ft, URL: "u", Verdict: blocked})
	if err != nil || !cleared {
		t.Fatalf("Apply() = %v, %v; want cleared", cleared, err)
	}
	if _, ok := pool.QuarantinedUntil(recs[0]); !ok {
		t.Errorf("blocked entry proxy not quarantined")
	}
	if _, ok := pool.QuarantinedUntil(recs[1]); ok {
		t.Errorf("health-check failure must not quarantine")
	}
	if _, ok := pool.QuarantinedUntil(recs[2]); ok {
		t.Errorf("clearing proxy quarantined")
	}
	if ft.proxy.Key() != recs[2].Key() {
		t.Errorf("session left on %s", ft.proxy.Key())
	}
	for _, r := range ft.restarts {
		if r == recs[1].Key() {
			t.Errorf("restarted through unhealthy proxy")
		}
	}
}

func TestProxyRotationAllBlocked(t *testing.T) {
	recs := []proxy.Record{{Host: "a", Port: 1}, {Host: "b", Port: 2}, {Host: "c", Port: 3}}
	pool := proxy.NewPool(recs, true, proxy.WithSeed(2), proxy.WithProber(healthByKey{}))
	entry := recs[0]
	ft := &fakeTarget{proxy: &entry}
	ft.sess = &browsertest.Session{Navigator: blockedUntil(func() bool { return false })}

	s := proxyRotation{&checker{deps: testDeps(pool)}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: ft, URL: "u", Verdict: blocked})
	if err != nil || cleared {
		t.Fatalf("Apply() = %v, %v; want not cleared", cleared, err)
	}
	for _, r := range recs {
		if _, ok := pool.QuarantinedUntil(r); !ok {
			t.Errorf("%s should be quarantined after a confirmed block", r.Key())
		}
	}
	if len(ft.restarts) > 3 {
		t.Errorf("restarted %d times, want at most rotation tries", len(ft.restarts))
	}
}

func TestProxyRotationDisabledPool(t *testing.T) {
	s := proxyRotation{&checker{deps: testDeps(proxy.NewPool(nil, false))}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: &fakeTarget{}})
	if cleared || err != nil {
		t.Fatalf("disabled pool: Apply() = %v, %v", cleared, err)
	}
}

func TestBackendFallbackUnavailableIsSkipped(t *testing.T) {
	ft := &fakeTarget{
		sess:      browsertest.NewSession(browsertest.Page{Content: wall}),
		switchErr: fmt.Errorf("%w: no chrome", browser.ErrBackendUnavailable),
	}
	s := backendFallback{&checker{deps: testDeps(nil)}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: ft, URL: "u"})
	if cleared || err != nil {
		t.Fatalf("Apply() = %v, %v; want skipped", cleared, err)
	}
	if len(ft.sess.Navigations()) != 0 {
		t.Errorf("re-checked without switching")
	}
}

func TestInteractionClicksPresentControls(t *testing.T) {
	ft := &fakeTarget{}
	clicked := false
	ft.sess = &browsertest.Session{
		Navigator: func(string, int) (browsertest.Page, error) {
			if clicked {
				return browsertest.Page{Status: 200, Content: "ok"}, nil
			}
			return browsertest.Page{Status: 200, Content: wall, Elements: map[string]int{`input[type="checkbox"]`: 1}}, nil
		},
		ClickHandler: func(string) (*browsertest.Page, error) {
			clicked = true
			return nil, nil
		},
	}
	ctx := context.Background()
	if err := ft.sess.Navigate(ctx, "u"); err != nil {
		t.Fatal(err)
	}
	s := interaction{&checker{deps: testDeps(nil)}}
	cleared, err := s.Apply(ctx, &Attempt{Target: ft, URL: "u"})
	if err != nil || !cleared {
		t.Fatalf("Apply() = %v, %v", cleared, err)
	}

	none := &fakeTarget{sess: browsertest.NewSession(browsertest.Page{Content: wall})}
	_ = none.sess.Navigate(ctx, "u")
	if cleared, _ := s.Apply(ctx, &Attempt{Target: none, URL: "u"}); cleared {
		t.Errorf("cleared without anything to click")
	}
}

func TestProxyRotationStopsOnRequest(t *testing.T) {
	recs := []proxy.Record{{Host: "a", Port: 1}, {Host: "b", Port: 2}, {Host: "c", Port: 3}}
	pool := proxy.NewPool(recs, true, proxy.WithSeed(4), proxy.WithProber(healthByKey{}))
	stop := runstate.New(time.Now()).Stop()
	entry := recs[0]
	ft := &fakeTarget{proxy: &entry}
	ft.sess = &browsertest.Session{Navigator: func(string, int) (browsertest.Page, error) {
		stop.Request()
		return browsertest.Page{Status: 200, Content: wall}, nil
	}}

	s := proxyRotation{&checker{deps: testDeps(pool)}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: ft, URL: "u", Verdict: blocked, Stop: stop})
	if err != nil || cleared {
		t.Fatalf("Apply() = %v, %v; want stopped", cleared, err)
	}
	if len(ft.restarts) != 1 {
		t.Errorf("restarts = %v, want one before the stop", ft.restarts)
	}
	if _, ok := pool.QuarantinedUntil(*ft.proxy); ok {
		t.Errorf("candidate quarantined after stop")
	}
}

func TestSettleWakesOnStop(t *testing.T) {
	stop := runstate.New(time.Now()).Stop()
	entered := make(chan struct{})
	d := testDeps(nil)
	d.Sleep = func(ctx context.Context, _ time.Duration) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	go func() {
		<-entered
		stop.Request()
	}()

	sess := browsertest.NewSession(browsertest.Page{Content: wall})
	c := &checker{deps: d}
	cleared, err := c.recheck(context.Background(), &Attempt{Target: &fakeTarget{sess: sess}, URL: "u", Stop: stop}, 1)
	if err != nil || cleared {
		t.Fatalf("recheck() = %v, %v; want stopped", cleared, err)
	}
	if n := len(sess.Navigations()); n != 0 {
		t.Errorf("navigated %d times after stop", n)
	}
}

func TestStrategiesToleratePartialDeps(t *testing.T) {
	recs := []proxy.Record{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	pool := proxy.NewPool(recs, true, proxy.WithProber(healthByKey{}))
	entry := recs[0]
	ft := &fakeTarget{proxy: &entry}
	ft.sess = &browsertest.Session{Navigator: blockedUntil(func() bool { return true })}

	d := testDeps(pool)
	d.Logger = nil
	s := proxyRotation{&checker{deps: d}}
	cleared, err := s.Apply(context.Background(), &Attempt{Target: ft, URL: "u", Verdict: blocked})
	if err != nil || !cleared {
		t.Fatalf("Apply() = %v, %v; want cleared", cleared, err)
	}
}

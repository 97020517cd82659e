package bypass

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/challenge"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/runstate"
)

// Target is the session state a strategy may mutate. browser.Manager
// implements it.
type Target interface {
	Session() browser.Session
	Proxy() *proxy.Record
	RotateIdentity(ctx context.Context) error
	Restart(ctx context.Context, rec *proxy.Record) error
	SwitchBackend(ctx context.Context) error
}

// Attempt is one challenge event being worked on. Verdict is updated by
// every re-check. A nil Stop never fires.
type Attempt struct {
	Target  Target
	URL     string
	Verdict challenge.Verdict
	Stop    *runstate.Stop
}

func (a *Attempt) stopped() bool { return a.Stop != nil && a.Stop.Requested() }

// Strategy mutates the session, re-fetches the target and reports whether the
// challenge cleared. A strategy that does not apply returns false, nil.
type Strategy interface {
	Name() string
	Apply(ctx context.Context, a *Attempt) (bool, error)
}

const (
	IdentityRotation = "identity-rotation"
	ProxyRotation    = "proxy-rotation"
	SessionRestart   = "session-restart"
	BackendFallback  = "backend-fallback"
	Interaction      = "interaction"
)

// Deps is what the built-in strategies need.
type Deps struct {
	Detector            *challenge.Detector
	Pool                *proxy.Pool
	SettleDelays        []time.Duration
	Quarantine          time.Duration
	HealthTimeout       time.Duration
	RotationTries       int
	InteractionLocators []string
	Sleep               func(context.Context, time.Duration) error
	Logger              logging.Logger
}

// Build returns the named strategies in the given order.
func Build(names []string, d Deps) ([]Strategy, error) {
	if d.Sleep == nil {
		d.Sleep = browser.Sleep
	}
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.Pool == nil {
		d.Pool = proxy.NewPool(nil, false)
	}
	if d.RotationTries < 1 {
		d.RotationTries = 1
	}
	c := &checker{deps: d}

	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		switch n {
		case IdentityRotation:
			out = append(out, identityRotation{c})
		case ProxyRotation:
			out = append(out, proxyRotation{c})
		case SessionRestart:
			out = append(out, sessionRestart{c})
		case BackendFallback:
			out = append(out, backendFallback{c})
		case Interaction:
			out = append(out, interaction{c})
		default:
			return nil, fmt.Errorf("unknown bypass strategy %q", n)
		}
	}
	return out, nil
}

type checker struct {
	deps Deps
}

func (c *checker) log() logging.Logger {
	if c.deps.Logger == nil {
		return logging.Nop()
	}
	return c.deps.Logger
}

func (c *checker) sleep(ctx context.Context, d time.Duration) error {
	if c.deps.Sleep == nil {
		return browser.Sleep(ctx, d)
	}
	return c.deps.Sleep(ctx, d)
}

// settle waits the i-th settle delay, cut short by a stop request.
func (c *checker) settle(ctx context.Context, a *Attempt, i int) error {
	delays := c.deps.SettleDelays
	if len(delays) == 0 {
		return ctx.Err()
	}
	if i >= len(delays) {
		i = len(delays) - 1
	}
	if a.Stop == nil {
		return c.sleep(ctx, delays[i])
	}
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.Stop.Done():
			cancel()
		case <-sctx.Done():
		}
	}()
	return c.sleep(sctx, delays[i])
}

// recheck waits the i-th settle delay, reloads the target and classifies it.
// A stop request ends it uncleared without an error.
func (c *checker) recheck(ctx context.Context, a *Attempt, i int) (bool, error) {
	if a.stopped() {
		return false, nil
	}
	if err := c.settle(ctx, a, i); err != nil {
		if a.stopped() && ctx.Err() == nil {
			return false, nil
		}
		return false, err
	}
	sess := a.Target.Session()
	if sess == nil {
		return false, browser.ErrNoPage
	}
	if err := sess.Navigate(ctx, a.URL); err != nil {
		return false, err
	}
	content, err := sess.Content(ctx)
	if err != nil {
		return false, err
	}
	a.Verdict = c.deps.Detector.ClassifyResponse(sess.StatusCode(), content)
	return !a.Verdict.Blocked, nil
}

type identityRotation struct{ *checker }

func (identityRotation) Name() string { return IdentityRotation }

func (s identityRotation) Apply(ctx context.Context, a *Attempt) (bool, error) {
	if err := a.Target.RotateIdentity(ctx); err != nil {
		return false, fmt.Errorf("rotate identity: %w", err)
	}
	return s.recheck(ctx, a, 0)
}

// proxyRotation moves the session to other proxies. The proxy that was
// serving when the challenge hit is quarantined up front, as is every
// candidate that stays challenged. Candidates failing the health probe are
// only skipped.
type proxyRotation struct{ *checker }

func (proxyRotation) Name() string { return ProxyRotation }

func (s proxyRotation) Apply(ctx context.Context, a *Attempt) (bool, error) {
	pool := s.deps.Pool
	if pool == nil || !pool.Enabled() || pool.Len() == 0 {
		return false, nil
	}
	log := s.log()

	entry := a.Target.Proxy()
	tried := map[string]bool{}
	if entry != nil {
		pool.Quarantine(*entry, s.deps.Quarantine)
		tried[entry.Key()] = true
		log.Info("proxy quarantined", logging.String("proxy", entry.Key()), logging.Duration("for", s.deps.Quarantine))
	}

	exclude := entry
	for i := 0; i < s.deps.RotationTries; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if a.stopped() {
			return false, nil
		}
		cand, ok := pool.Rotate(exclude)
		if !ok {
			return false, nil
		}
		if tried[cand.Key()] {
			continue
		}
		tried[cand.Key()] = true
		exclude = &cand

		if !pool.HealthCheck(ctx, cand, s.deps.HealthTimeout) {
			log.Warn("proxy failed health check", logging.String("proxy", cand.Key()))
			continue
		}
		if err := a.Target.Restart(ctx, &cand); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn("restart through proxy failed", logging.String("proxy", cand.Key()), logging.Error(err))
			continue
		}
		cleared, err := s.recheck(ctx, a, i)
		if a.stopped() {
			return cleared, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			log.Warn("re-check through proxy failed", logging.String("proxy", cand.Key()), logging.Error(err))
			continue
		}
		if cleared {
			return true, nil
		}
		pool.Quarantine(cand, s.deps.Quarantine)
		log.Info("proxy quarantined", logging.String("proxy", cand.Key()), logging.Duration("for", s.deps.Quarantine))
	}
	return false, nil
}

type sessionRestart struct{ *checker }

func (sessionRestart) Name() string { return SessionRestart }

func (s sessionRestart) Apply(ctx context.Context, a *Attempt) (bool, error) {
	if err := a.Target.Restart(ctx, a.Target.Proxy()); err != nil {
		return false, fmt.Errorf("restart session: %w", err)
	}
	return s.recheck(ctx, a, 1)
}

type backendFallback struct{ *checker }

func (backendFallback) Name() string { return BackendFallback }

func (s backendFallback) Apply(ctx context.Context, a *Attempt) (bool, error) {
	if err := a.Target.SwitchBackend(ctx); err != nil {
		if errors.Is(err, browser.ErrBackendUnavailable) {
			return false, nil
		}
		return false, fmt.Errorf("switch backend: %w", err)
	}
	return s.recheck(ctx, a, 1)
}

// interaction clicks the first present element of each configured locator,
// the checkbox-and-continue shape most interstitials share.
type interaction struct{ *checker }

func (interaction) Name() string { return Interaction }

func (s interaction) Apply(ctx context.Context, a *Attempt) (bool, error) {
	sess := a.Target.Session()
	if sess == nil {
		return false, browser.ErrNoPage
	}
	clicked := 0
	for _, loc := range s.deps.InteractionLocators {
		n, err := sess.Count(ctx, loc)
		if err != nil || n == 0 {
			continue
		}
		if err := sess.Click(ctx, loc); err != nil {
			s.log().Debug("challenge interaction failed", logging.String("locator", loc), logging.Error(err))
			continue
		}
		clicked++
	}
	if clicked == 0 {
		return false, nil
	}
	return s.recheck(ctx, a, 0)
}

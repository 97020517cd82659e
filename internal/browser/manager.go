package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
)

// Manager owns the live session together with the identity and proxy it was
// started with. Restarting, rotating identity and switching backend all go
// through it so the three never drift apart.
type Manager struct {
	launchers    map[Backend]Launcher
	base         Options
	gen          *identity.Generator
	pool         *proxy.Pool
	restartPause time.Duration
	sleep        func(context.Context, time.Duration) error
	log          logging.Logger

	mu      sync.Mutex
	backend Backend
	sess    Session
	profile identity.Profile
	proxy   *proxy.Record
	closed  bool
}

type ManagerConfig struct {
	Backend      Backend
	Launchers    []Launcher
	Options      Options // Identity and Proxy are filled in per launch
	Generator    *identity.Generator
	Pool         *proxy.Pool
	RestartPause time.Duration
	// Sleep defaults to a context-aware timer.
	Sleep func(context.Context, time.Duration) error
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		launchers:    make(map[Backend]Launcher, len(cfg.Launchers)),
		base:         cfg.Options,
		gen:          cfg.Generator,
		pool:         cfg.Pool,
		restartPause: cfg.RestartPause,
		sleep:        cfg.Sleep,
		log:          cfg.Options.logger(),
		backend:      cfg.Backend,
	}
	for _, l := range cfg.Launchers {
		m.launchers[l.Backend()] = l
	}
	if m.gen == nil {
		m.gen = identity.NewGenerator(0)
	}
	if m.pool == nil {
		m.pool = proxy.NewPool(nil, false)
	}
	if m.sleep == nil {
		m.sleep = Sleep
	}
	return m
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Available reports whether the configured backend can run in this environment.
func (m *Manager) Available() error {
	l, ok := m.launchers[m.Backend()]
	if !ok {
		return fmt.Errorf("%w: %s backend not configured", ErrBackendUnavailable, m.Backend())
	}
	return l.Available()
}

// Start launches the first session with a fresh identity and, when the pool
// is enabled, a proxy drawn from it.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Available(); err != nil {
		return err
	}
	m.mu.Lock()
	m.profile = m.gen.Generate()
	m.mu.Unlock()

	var rec *proxy.Record
	if r, ok := m.pool.Pick(); ok {
		rec = &r
	}
	return m.launch(ctx, rec)
}

func (m *Manager) launch(ctx context.Context, rec *proxy.Record) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	l, ok := m.launchers[m.backend]
	opts := m.base
	opts.Identity = m.profile
	opts.Proxy = rec
	backend := m.backend
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s backend not configured", ErrBackendUnavailable, backend)
	}

	sess, err := l.Launch(ctx, opts)
	if err != nil {
		return fmt.Errorf("launch %s session: %w", backend, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		sess.Close()
		return ErrClosed
	}
	m.sess = sess
	m.proxy = rec
	if rec != nil {
		m.pool.Acquire(*rec)
	}
	proxied := "direct"
	if rec != nil {
		proxied = rec.Key()
	}
	m.log.Info("session launched",
		logging.String("backend", string(backend)),
		logging.String("proxy", proxied))
	return nil
}

func (m *Manager) closeSessionLocked() error {
	var err error
	if m.sess != nil {
		err = m.sess.Close()
		m.sess = nil
	}
	if m.proxy != nil {
		m.pool.Release(*m.proxy)
		m.proxy = nil
	}
	return err
}

// Restart tears down the current session, pauses, and relaunches through rec
// (nil for a direct connection). The identity is kept.
func (m *Manager) Restart(ctx context.Context, rec *proxy.Record) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.closeSessionLocked(); err != nil {
		m.log.Warn("close session before restart", logging.Error(err))
	}
	m.mu.Unlock()

	if err := m.sleep(ctx, m.restartPause); err != nil {
		return err
	}
	return m.launch(ctx, rec)
}

// RotateIdentity generates a new profile and applies it to the live session.
func (m *Manager) RotateIdentity(ctx context.Context) error {
	m.mu.Lock()
	sess := m.sess
	profile := m.gen.Generate()
	m.mu.Unlock()
	if sess == nil {
		return ErrNoPage
	}
	if err := sess.SetIdentity(ctx, profile); err != nil {
		return err
	}
	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()
	return nil
}

// SwitchBackend relaunches on the other backend with the current identity
// and proxy.
func (m *Manager) SwitchBackend(ctx context.Context) error {
	m.mu.Lock()
	alt := BackendChrome
	if m.backend == BackendChrome {
		alt = BackendHTTP
	}
	l, ok := m.launchers[alt]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s backend not configured", ErrBackendUnavailable, alt)
	}
	if err := l.Available(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var rec *proxy.Record
	if m.proxy != nil {
		r := *m.proxy
		rec = &r
	}
	if err := m.closeSessionLocked(); err != nil {
		m.log.Warn("close session before backend switch", logging.Error(err))
	}
	m.backend = alt
	m.mu.Unlock()
	return m.launch(ctx, rec)
}

func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func (m *Manager) Identity() identity.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Proxy returns a copy of the current proxy, nil when direct.
func (m *Manager) Proxy() *proxy.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proxy == nil {
		return nil
	}
	r := *m.proxy
	return &r
}

func (m *Manager) Pool() *proxy.Pool { return m.pool }

func (m *Manager) Backend() Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// Close releases the session and its proxy. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	err := m.closeSessionLocked()
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	return err
}

// Package browsertest provides scriptable in-memory sessions for tests.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
)

// Page is what a fake session shows after a navigation or click.
type Page struct {
	Content string
	Status  int
	// Elements maps a locator to how many nodes it matches.
	Elements map[string]int
	Texts    map[string]string
}

func (p Page) count(locator string) int { return p.Elements[locator] }

// Session records every call. Navigator decides what each navigation loads;
// when nil every URL loads an empty 200 page.
type Session struct {
	Kind browser.Backend
	// Navigator is called with the target URL and how many navigations
	// this session has seen before it.
	Navigator func(url string, n int) (Page, error)
	// ClickHandler may return a new page; nil keeps the current one.
	ClickHandler func(locator string) (*Page, error)
	FillErr      map[string]error
	Proxy        string

	mu          sync.Mutex
	current     Page
	loaded      bool
	navigations []string
	filled      map[string]string
	selected    map[string]string
	clicked     []string
	identities  []identity.Profile
	closed      int
}

var _ browser.Session = (*Session)(nil)

func NewSession(page Page) *Session {
	return &Session{
		Navigator: func(string, int) (Page, error) { return page, nil },
	}
}

func (s *Session) Backend() browser.Backend {
	if s.Kind == "" {
		return browser.BackendHTTP
	}
	return s.Kind
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	n := len(s.navigations)
	s.navigations = append(s.navigations, url)
	nav := s.Navigator
	s.mu.Unlock()

	page := Page{Status: 200}
	if nav != nil {
		p, err := nav(url, n)
		if err != nil {
			return err
		}
		page = p
	}
	s.mu.Lock()
	s.current, s.loaded = page, true
	s.mu.Unlock()
	return nil
}

func (s *Session) Content(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return "", browser.ErrNoPage
	}
	return s.current.Content, nil
}

func (s *Session) StatusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Status
}

func (s *Session) Count(_ context.Context, locator string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.count(locator), nil
}

func (s *Session) require(locator string) error {
	if s.current.count(locator) == 0 {
		return fmt.Errorf("%w: %s", browser.ErrNotFound, locator)
	}
	return nil
}

func (s *Session) Fill(_ context.Context, locator, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(locator); err != nil {
		return err
	}
	if err := s.FillErr[locator]; err != nil {
		return err
	}
	if s.filled == nil {
		s.filled = map[string]string{}
	}
	s.filled[locator] = value
	return nil
}

func (s *Session) Select(_ context.Context, locator, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(locator); err != nil {
		return err
	}
	if s.selected == nil {
		s.selected = map[string]string{}
	}
	s.selected[locator] = value
	return nil
}

func (s *Session) Click(_ context.Context, locator string) error {
	s.mu.Lock()
	if err := s.require(locator); err != nil {
		s.mu.Unlock()
		return err
	}
	s.clicked = append(s.clicked, locator)
	h := s.ClickHandler
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	page, err := h(locator)
	if err != nil {
		return err
	}
	if page != nil {
		s.mu.Lock()
		s.current = *page
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) WaitFor(_ context.Context, locator string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.require(locator)
}

func (s *Session) Text(_ context.Context, locator string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(locator); err != nil {
		return "", err
	}
	return s.current.Texts[locator], nil
}

func (s *Session) SetIdentity(_ context.Context, p identity.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, p)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *Session) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navigations...)
}

func (s *Session) Filled() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.filled))
	for k, v := range s.filled {
		out[k] = v
	}
	return out
}

func (s *Session) Selected() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.selected))
	for k, v := range s.selected {
		out[k] = v
	}
	return out
}

func (s *Session) Clicked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicked...)
}

func (s *Session) Identities() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.identities)
}

func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Launcher hands out sessions built by Factory, recording each launch.
type Launcher struct {
	Kind        browser.Backend
	Unavailable error
	LaunchErr   error
	// MaxLaunches > 0 makes every launch past that count fail with LaunchErr
	// (or a generic error).
	MaxLaunches int
	// Factory builds the n-th session; nil yields empty-page sessions.
	Factory func(opts browser.Options, n int) *Session

	mu       sync.Mutex
	launches []browser.Options
	sessions []*Session
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Backend() browser.Backend {
	if l.Kind == "" {
		return browser.BackendHTTP
	}
	return l.Kind
}

func (l *Launcher) Available() error { return l.Unavailable }

func (l *Launcher) Launch(_ context.Context, opts browser.Options) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.launches)
	if l.MaxLaunches > 0 && n >= l.MaxLaunches {
		if l.LaunchErr != nil {
			return nil, l.LaunchErr
		}
		return nil, fmt.Errorf("launch %d refused", n+1)
	}
	if l.LaunchErr != nil && l.MaxLaunches == 0 {
		return nil, l.LaunchErr
	}
	l.launches = append(l.launches, opts)
	var s *Session
	if l.Factory != nil {
		s = l.Factory(opts, n)
	} else {
		s = NewSession(Page{Status: 200})
	}
	if s.Kind == "" {
		s.Kind = l.Backend()
	}
	if opts.Proxy != nil {
		s.Proxy = opts.Proxy.Key()
	}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *Launcher) Launches() []browser.Options {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]browser.Options(nil), l.launches...)
}

func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// NoSleep is a sleep func that returns immediately unless ctx is done.
func NoSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

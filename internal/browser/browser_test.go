package browser_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yourneighborhoodchef/slotwatch/internal/browser"
	"github.com/yourneighborhoodchef/slotwatch/internal/browser/browsertest"
	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
)

const bookingPage = `<html><body>
<form id="book" action="/submit" method="post">
  <input type="hidden" name="csrf" value="tok123">
  <input name="first_name" id="first_name">
  <textarea name="notes"></textarea>
  <select name="nationality" id="nationality">
    <option value="">--</option>
    <option value="GW">Guinea-Bissau</option>
    <option value="PT">Portugal</option>
  </select>
  <input type="checkbox" name="consent" value="yes" id="consent">
  <button type="submit" name="action" value="book" id="go">Book</button>
</form>
<a id="next" href="/other">next</a>
</body></html>`

func newSite(t *testing.T, got chan<- map[string][]string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, bookingPage)
	})
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- r.PostForm
		fmt.Fprint(w, `<div class="booking-confirmation">ok <span class="booking-reference"> REF-42 </span></div>`)
	})
	mux.HandleFunc("/other", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `<p>slow down</p>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func launchHTTP(t *testing.T) browser.Session {
	t.Helper()
	s, err := browser.NewHTTPLauncher().Launch(context.Background(), browser.Options{
		Identity:       identity.NewGenerator(7).Generate(),
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHTTPSessionSubmitsForm(t *testing.T) {
	got := make(chan map[string][]string, 1)
	srv := newSite(t, got)
	s := launchHTTP(t)
	ctx := context.Background()

	if err := s.Navigate(ctx, srv.URL+"/book"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if s.StatusCode() != http.StatusOK {
		t.Fatalf("status = %d", s.StatusCode())
	}
	if n, _ := s.Count(ctx, "#first_name"); n != 1 {
		t.Fatalf("Count(#first_name) = %d", n)
	}
	if err := s.Fill(ctx, "#first_name", "Amina"); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := s.Fill(ctx, "textarea[name=notes]", "window seat"); err != nil {
		t.Fatalf("Fill textarea: %v", err)
	}
	if err := s.Select(ctx, "#nationality", "Portugal"); err != nil {
		t.Fatalf("Select by label: %v", err)
	}
	if err := s.Click(ctx, "#consent"); err != nil {
		t.Fatalf("Click checkbox: %v", err)
	}
	if err := s.Click(ctx, "#go"); err != nil {
		t.Fatalf("Click submit: %v", err)
	}

	want := map[string][]string{
		"csrf":        {"tok123"},
		"first_name":  {"Amina"},
		"notes":       {"window seat"},
		"nationality": {"PT"},
		"consent":     {"yes"},
		"action":      {"book"},
	}
	if diff := cmp.Diff(want, <-got); diff != "" {
		t.Errorf("posted form mismatch (-want +got):\n%s", diff)
	}
	if err := s.WaitFor(ctx, ".booking-confirmation", time.Second); err != nil {
		t.Fatalf("WaitFor confirmation: %v", err)
	}
	ref, err := s.Text(ctx, ".booking-reference")
	if err != nil || ref != "REF-42" {
		t.Fatalf("Text() = %q, %v", ref, err)
	}
}

func TestHTTPSessionLinksAndErrors(t *testing.T) {
	srv := newSite(t, make(chan map[string][]string, 1))
	s := launchHTTP(t)
	ctx := context.Background()

	if _, err := s.Content(ctx); !errors.Is(err, browser.ErrNoPage) {
		t.Fatalf("Content before navigation = %v, want ErrNoPage", err)
	}
	if err := s.Navigate(ctx, srv.URL+"/book"); err != nil {
		t.Fatal(err)
	}
	if err := s.Fill(ctx, "#missing", "x"); !errors.Is(err, browser.ErrNotFound) {
		t.Errorf("Fill missing = %v, want ErrNotFound", err)
	}
	if err := s.Select(ctx, "#nationality", "Narnia"); !errors.Is(err, browser.ErrNotFound) {
		t.Errorf("Select unknown option = %v, want ErrNotFound", err)
	}
	if err := s.Fill(ctx, "#book", "x"); !errors.Is(err, browser.ErrNotInteractive) {
		t.Errorf("Fill on form = %v, want ErrNotInteractive", err)
	}
	if err := s.Click(ctx, "#next"); err != nil {
		t.Fatalf("Click link: %v", err)
	}
	if s.StatusCode() != http.StatusTooManyRequests {
		t.Errorf("status after link = %d", s.StatusCode())
	}
	body, _ := s.Content(ctx)
	if body != "<p>slow down</p>" {
		t.Errorf("Content() = %q", body)
	}
}

func TestHTTPSessionTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s := launchHTTP(t)
	err := s.Navigate(context.Background(), url)
	if !errors.Is(err, browser.ErrTransport) {
		t.Fatalf("Navigate to closed server = %v, want ErrTransport", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Navigate(context.Background(), url); !errors.Is(err, browser.ErrClosed) {
		t.Errorf("Navigate after Close = %v, want ErrClosed", err)
	}
}

func newManager(launchers ...browser.Launcher) (*browser.Manager, *proxy.Pool) {
	pool := proxy.NewPool([]proxy.Record{
		{Host: "10.0.0.1", Port: 8080},
		{Host: "10.0.0.2", Port: 8080},
	}, true, proxy.WithSeed(1))
	m := browser.NewManager(browser.ManagerConfig{
		Backend:   browser.BackendHTTP,
		Launchers: launchers,
		Generator: identity.NewGenerator(3),
		Pool:      pool,
		Sleep:     browsertest.NoSleep,
	})
	return m, pool
}

func TestManagerLifecycle(t *testing.T) {
	l := &browsertest.Launcher{}
	m, pool := newManager(l)
	ctx := context.Background()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := m.Proxy()
	if first == nil {
		t.Fatalf("enabled pool should give the first session a proxy")
	}
	if m.Identity().IsZero() {
		t.Fatalf("Start must generate an identity")
	}

	before := m.Identity()
	if err := m.RotateIdentity(ctx); err != nil {
		t.Fatalf("RotateIdentity: %v", err)
	}
	if m.Identity() == before {
		t.Errorf("identity unchanged after rotation")
	}
	if n := l.Sessions()[0].Identities(); n != 1 {
		t.Errorf("session saw %d identity changes, want 1", n)
	}

	next, _ := pool.Rotate(first)
	if err := m.Restart(ctx, &next); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := m.Proxy(); got == nil || got.Key() != next.Key() {
		t.Fatalf("Proxy() after restart = %v, want %s", got, next.Key())
	}
	if l.Sessions()[0].Closed() != 1 {
		t.Errorf("old session not closed on restart")
	}
	// the first proxy was released, so it is rotatable again
	if again, _ := pool.Rotate(&next); again.Key() != first.Key() {
		t.Errorf("released proxy not eligible: got %s", again.Key())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := m.Restart(ctx, nil); !errors.Is(err, browser.ErrClosed) {
		t.Errorf("Restart after Close = %v, want ErrClosed", err)
	}
}

func TestManagerSwitchBackend(t *testing.T) {
	httpL := &browsertest.Launcher{Kind: browser.BackendHTTP}
	chromeL := &browsertest.Launcher{Kind: browser.BackendChrome}
	m, _ := newManager(httpL, chromeL)
	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	proxyBefore := m.Proxy()
	if err := m.SwitchBackend(ctx); err != nil {
		t.Fatalf("SwitchBackend: %v", err)
	}
	if m.Backend() != browser.BackendChrome || m.Session().Backend() != browser.BackendChrome {
		t.Errorf("backend = %s / %s, want chrome", m.Backend(), m.Session().Backend())
	}
	if got := m.Proxy(); got == nil || got.Key() != proxyBefore.Key() {
		t.Errorf("proxy changed across backend switch")
	}

	solo, _ := newManager(&browsertest.Launcher{})
	if err := solo.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := solo.SwitchBackend(ctx); !errors.Is(err, browser.ErrBackendUnavailable) {
		t.Errorf("SwitchBackend without alternative = %v", err)
	}
}

func TestManagerStartUnavailable(t *testing.T) {
	l := &browsertest.Launcher{Unavailable: fmt.Errorf("%w: no chrome", browser.ErrBackendUnavailable)}
	m, _ := newManager(l)
	if err := m.Start(context.Background()); !errors.Is(err, browser.ErrBackendUnavailable) {
		t.Fatalf("Start = %v, want ErrBackendUnavailable", err)
	}
	if len(l.Launches()) != 0 {
		t.Errorf("launched despite unavailable backend")
	}
}

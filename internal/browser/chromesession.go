package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
)

var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
	"chrome",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

type chromeLauncher struct {
	execPath string
}

// NewChromeLauncher drives a local Chrome or Chromium. execPath may be empty
// to search the usual install locations.
func NewChromeLauncher(execPath string) Launcher {
	return &chromeLauncher{execPath: execPath}
}

func (l *chromeLauncher) Backend() Backend { return BackendChrome }

func (l *chromeLauncher) resolve() (string, error) {
	if l.execPath != "" {
		if _, err := os.Stat(l.execPath); err != nil {
			return "", fmt.Errorf("%w: chrome at %s: %v", ErrBackendUnavailable, l.execPath, err)
		}
		return l.execPath, nil
	}
	for _, c := range chromeCandidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no chrome or chromium executable found", ErrBackendUnavailable)
}

func (l *chromeLauncher) Available() error {
	_, err := l.resolve()
	return err
}

func (l *chromeLauncher) Launch(ctx context.Context, opts Options) (Session, error) {
	path, err := l.resolve()
	if err != nil {
		return nil, err
	}
	p := opts.Identity
	flags := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if p.UserAgent != "" {
		flags = append(flags, chromedp.UserAgent(p.UserAgent))
	}
	if p.Viewport.Width > 0 {
		flags = append(flags, chromedp.WindowSize(p.Viewport.Width, p.Viewport.Height))
	}
	if opts.Proxy != nil {
		flags = append(flags, chromedp.ProxyServer(opts.Proxy.Server()))
	}

	// The browser outlives the launching call, so it hangs off Background.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), flags...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &chromeSession{
		ctx:      tabCtx,
		cancel:   func() { tabCancel(); allocCancel() },
		opts:     opts,
		log:      opts.logger(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		identity: p,
	}
	s.listen()

	startup := []chromedp.Action{network.Enable(), emulation.SetAutomationOverride(false)}
	if opts.Proxy != nil && opts.Proxy.HasCredentials() {
		startup = append(startup, fetch.Enable().WithHandleAuthRequests(true))
	}
	startup = append(startup, s.identityActions(p)...)
	if err := s.run(ctx, opts.timeout(), startup...); err != nil {
		s.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	s.log.Info("chrome session started",
		logging.Bool("headless", opts.Headless),
		logging.Bool("proxied", opts.Proxy != nil))
	return s, nil
}

type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options
	log    logging.Logger
	rng    *rand.Rand

	mu       sync.Mutex
	status   int
	identity identity.Profile
	scriptID page.ScriptIdentifier

	closeOnce sync.Once
	closed    bool
}

func (s *chromeSession) listen() {
	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			if ev.Type == network.ResourceTypeDocument {
				s.mu.Lock()
				s.status = int(ev.Response.Status)
				s.mu.Unlock()
			}
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(s.ctx, fetch.ContinueRequest(ev.RequestID))
			}()
		case *fetch.EventAuthRequired:
			rec := s.opts.Proxy
			if rec == nil {
				return
			}
			go func() {
				_ = chromedp.Run(s.ctx, fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: rec.Username,
					Password: rec.Password,
				}))
			}()
		}
	})
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
// It does not pace; only calls that reach the site take a token.
func (s *chromeSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return err
}

func (s *chromeSession) identityActions(p identity.Profile) []chromedp.Action {
	if p.IsZero() {
		return nil
	}
	ua := emulation.SetUserAgentOverride(p.UserAgent).
		WithAcceptLanguage(p.AcceptLanguage).
		WithPlatform(p.Platform)
	actions := []chromedp.Action{ua}
	if p.Viewport.Width > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(
			int64(p.Viewport.Width), int64(p.Viewport.Height), p.Viewport.PixelRatio, false))
	}
	if p.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(p.Timezone))
	}
	actions = append(actions,
		network.SetExtraHTTPHeaders(extraHeaders(p)),
		chromedp.ActionFunc(func(ctx context.Context) error { return s.installStealth(ctx, p) }),
	)
	return actions
}

// extraHeaders carries the identity's client hints on every request. An
// identity without hints clears the previous set.
func extraHeaders(p identity.Profile) network.Headers {
	h := network.Headers{}
	for k, v := range p.ClientHints() {
		h[k] = v
	}
	return h
}

// installStealth replaces the previous identity's init script so only one
// runs on each new document.
func (s *chromeSession) installStealth(ctx context.Context, p identity.Profile) error {
	s.mu.Lock()
	prev := s.scriptID
	s.mu.Unlock()
	if prev != "" {
		if err := page.RemoveScriptToEvaluateOnNewDocument(prev).Do(ctx); err != nil {
			return err
		}
	}
	id, err := page.AddScriptToEvaluateOnNewDocument(p.StealthScript()).Do(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.scriptID = id
	s.mu.Unlock()
	return nil
}

func (s *chromeSession) Backend() Backend { return BackendChrome }

func (s *chromeSession) StatusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	s.status = 0
	s.mu.Unlock()
	if err := s.opts.Pacer.Wait(ctx); err != nil {
		return err
	}
	err := s.run(ctx, s.opts.timeout(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *chromeSession) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, s.opts.timeout(), chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *chromeSession) Count(ctx context.Context, locator string) (int, error) {
	quoted, err := json.Marshal(locator)
	if err != nil {
		return 0, err
	}
	var n int
	expr := fmt.Sprintf("document.querySelectorAll(%s).length", quoted)
	if err := s.run(ctx, s.opts.timeout(), chromedp.Evaluate(expr, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *chromeSession) present(ctx context.Context, locator string) error {
	n, err := s.Count(ctx, locator)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return nil
}

func (s *chromeSession) typingDelay() time.Duration {
	lo, hi := s.opts.TypingDelayMin, s.opts.TypingDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rng.Int63n(int64(hi-lo)))
}

// Fill types the value one key at a time with a randomized delay per key.
func (s *chromeSession) Fill(ctx context.Context, locator, value string) error {
	if err := s.present(ctx, locator); err != nil {
		return err
	}
	actions := []chromedp.Action{chromedp.Clear(locator, chromedp.ByQuery)}
	for _, r := range value {
		actions = append(actions,
			chromedp.SendKeys(locator, string(r), chromedp.ByQuery),
			chromedp.Sleep(s.typingDelay()),
		)
	}
	budget := s.opts.timeout() + time.Duration(len(actions))*s.opts.TypingDelayMax
	return s.run(ctx, budget, actions...)
}

func (s *chromeSession) Select(ctx context.Context, locator, value string) error {
	if err := s.present(ctx, locator); err != nil {
		return err
	}
	sel, _ := json.Marshal(locator)
	val, _ := json.Marshal(value)
	// match by option value first, then by visible label
	expr := fmt.Sprintf(`(function(){
  const el = document.querySelector(%s);
  if (!el || !el.options) return false;
  const want = %s;
  let opt = Array.from(el.options).find(o => o.value === want);
  if (!opt) opt = Array.from(el.options).find(o => o.text.trim().toLowerCase() === want.toLowerCase());
  if (!opt) return false;
  el.value = opt.value;
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
})()`, sel, val)
	var ok bool
	if err := s.run(ctx, s.opts.timeout(), chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: option %q in %s", ErrNotFound, value, locator)
	}
	return nil
}

func (s *chromeSession) Click(ctx context.Context, locator string) error {
	if err := s.present(ctx, locator); err != nil {
		return err
	}
	if err := s.opts.Pacer.Wait(ctx); err != nil {
		return err
	}
	return s.run(ctx, s.opts.timeout(), chromedp.Click(locator, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromeSession) WaitFor(ctx context.Context, locator string, timeout time.Duration) error {
	err := s.run(ctx, timeout, chromedp.WaitVisible(locator, chromedp.ByQuery))
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: %s within %s", ErrNotFound, locator, timeout)
	}
	return err
}

func (s *chromeSession) Text(ctx context.Context, locator string) (string, error) {
	if err := s.present(ctx, locator); err != nil {
		return "", err
	}
	var text string
	if err := s.run(ctx, s.opts.timeout(), chromedp.Text(locator, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (s *chromeSession) SetIdentity(ctx context.Context, p identity.Profile) error {
	if err := s.run(ctx, s.opts.timeout(), s.identityActions(p)...); err != nil {
		return fmt.Errorf("apply identity: %w", err)
	}
	s.mu.Lock()
	s.identity = p
	s.mu.Unlock()
	return nil
}

func (s *chromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
	})
	return nil
}

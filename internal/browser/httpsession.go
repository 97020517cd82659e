package browser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/ratelimit"
)

type httpLauncher struct{}

// NewHTTPLauncher returns the tls-client backend. It needs nothing installed.
func NewHTTPLauncher() Launcher { return httpLauncher{} }

func (httpLauncher) Backend() Backend { return BackendHTTP }
func (httpLauncher) Available() error { return nil }

func (httpLauncher) Launch(_ context.Context, opts Options) (Session, error) {
	s := &httpSession{
		jar:     tls_client.NewCookieJar(),
		opts:    opts,
		profile: opts.Identity,
		pacer:   opts.Pacer,
		log:     opts.logger(),
	}
	if err := s.rebuildClient(); err != nil {
		return nil, err
	}
	return s, nil
}

// httpSession keeps the last fetched document in memory. Form interaction
// edits that document and Click serializes the enclosing form the way a
// browser would submit it.
type httpSession struct {
	client  tls_client.HttpClient
	jar     tls_client.CookieJar
	opts    Options
	profile identity.Profile
	pacer   *ratelimit.TokenJar
	log     logging.Logger

	url    string
	status int
	body   string
	doc    *goquery.Document
	closed bool
}

func tlsProfileFor(b identity.Browser) profiles.ClientProfile {
	switch b {
	case identity.BrowserFirefox:
		return profiles.Firefox_120
	case identity.BrowserSafari:
		return profiles.Safari_16_0
	default:
		return profiles.Chrome_120
	}
}

func (s *httpSession) rebuildClient() error {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(s.opts.timeout() / time.Second)),
		tls_client.WithClientProfile(tlsProfileFor(s.profile.Browser)),
		tls_client.WithCookieJar(s.jar),
	}
	if s.opts.Proxy != nil {
		options = append(options, tls_client.WithProxyUrl(s.opts.Proxy.URL()))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return fmt.Errorf("build http client: %w", err)
	}
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	s.client = client
	return nil
}

func (s *httpSession) Backend() Backend { return BackendHTTP }

func (s *httpSession) StatusCode() int { return s.status }

func (s *httpSession) Navigate(ctx context.Context, rawURL string) error {
	if s.closed {
		return ErrClosed
	}
	target, err := s.resolve(rawURL)
	if err != nil {
		return err
	}
	return s.do(ctx, http.MethodGet, target, nil)
}

func (s *httpSession) do(ctx context.Context, method, target string, form url.Values) error {
	if err := s.pacer.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout())
	defer cancel()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = s.profile.Headers(s.url)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if u, err := url.Parse(target); err == nil {
			req.Header.Set("Origin", u.Scheme+"://"+u.Host)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrTransport, method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrTransport, target, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", target, err)
	}

	s.url = target
	if resp.Request != nil && resp.Request.URL != nil {
		s.url = resp.Request.URL.String()
	}
	s.status = resp.StatusCode
	s.body = string(raw)
	s.doc = doc
	s.log.Debug("fetched page",
		logging.String("method", method),
		logging.String("url", s.url),
		logging.Int("status", s.status),
		logging.Int("bytes", len(raw)))
	return nil
}

func (s *httpSession) resolve(ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("bad url %q: %w", ref, err)
	}
	if s.url == "" {
		return r.String(), nil
	}
	base, err := url.Parse(s.url)
	if err != nil {
		return r.String(), nil
	}
	return base.ResolveReference(r).String(), nil
}

func (s *httpSession) page() (*goquery.Document, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.doc == nil {
		return nil, ErrNoPage
	}
	return s.doc, nil
}

func (s *httpSession) find(locator string) (*goquery.Selection, error) {
	doc, err := s.page()
	if err != nil {
		return nil, err
	}
	sel := doc.Find(locator).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return sel, nil
}

func (s *httpSession) Content(context.Context) (string, error) {
	if _, err := s.page(); err != nil {
		return "", err
	}
	return s.body, nil
}

func (s *httpSession) Count(_ context.Context, locator string) (int, error) {
	doc, err := s.page()
	if err != nil {
		return 0, err
	}
	return doc.Find(locator).Length(), nil
}

func (s *httpSession) Fill(_ context.Context, locator, value string) error {
	el, err := s.find(locator)
	if err != nil {
		return err
	}
	switch goquery.NodeName(el) {
	case "input":
		el.SetAttr("value", value)
	case "textarea":
		el.SetText(value)
	default:
		return fmt.Errorf("%w: fill %s", ErrNotInteractive, locator)
	}
	return nil
}

func (s *httpSession) Select(_ context.Context, locator, value string) error {
	el, err := s.find(locator)
	if err != nil {
		return err
	}
	if goquery.NodeName(el) != "select" {
		return fmt.Errorf("%w: select %s", ErrNotInteractive, locator)
	}
	var match *goquery.Selection
	el.Find("option").EachWithBreak(func(_ int, opt *goquery.Selection) bool {
		if optionValue(opt) == value || strings.EqualFold(strings.TrimSpace(opt.Text()), value) {
			match = opt
			return false
		}
		return true
	})
	if match == nil {
		return fmt.Errorf("%w: option %q in %s", ErrNotFound, value, locator)
	}
	el.Find("option").RemoveAttr("selected")
	match.SetAttr("selected", "selected")
	return nil
}

func (s *httpSession) Click(ctx context.Context, locator string) error {
	el, err := s.find(locator)
	if err != nil {
		return err
	}
	switch goquery.NodeName(el) {
	case "a":
		href, ok := el.Attr("href")
		if !ok {
			return fmt.Errorf("%w: link without href %s", ErrNotInteractive, locator)
		}
		return s.Navigate(ctx, href)
	case "form":
		return s.submit(ctx, el, nil)
	case "button":
		if t := strings.ToLower(el.AttrOr("type", "submit")); t != "submit" {
			return fmt.Errorf("%w: %s button %s", ErrNotInteractive, t, locator)
		}
		return s.submitFrom(ctx, el)
	case "input":
		switch strings.ToLower(el.AttrOr("type", "text")) {
		case "submit", "image":
			return s.submitFrom(ctx, el)
		case "checkbox", "radio":
			if _, on := el.Attr("checked"); on && el.AttrOr("type", "") == "checkbox" {
				el.RemoveAttr("checked")
			} else {
				el.SetAttr("checked", "checked")
			}
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotInteractive, locator)
}

func (s *httpSession) submitFrom(ctx context.Context, submitter *goquery.Selection) error {
	form := submitter.Closest("form")
	if form.Length() == 0 {
		if id, ok := submitter.Attr("form"); ok {
			form = s.doc.Find("form#" + id).First()
		}
	}
	if form.Length() == 0 {
		return fmt.Errorf("%w: submit control outside a form", ErrNotInteractive)
	}
	return s.submit(ctx, form, submitter)
}

func (s *httpSession) submit(ctx context.Context, form, submitter *goquery.Selection) error {
	values := formValues(form)
	if submitter != nil {
		if name := submitter.AttrOr("name", ""); name != "" {
			values.Add(name, submitter.AttrOr("value", ""))
		}
	}

	target, err := s.resolve(form.AttrOr("action", ""))
	if err != nil {
		return err
	}
	if strings.EqualFold(form.AttrOr("method", "get"), "post") {
		return s.do(ctx, http.MethodPost, target, values)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("bad form action %q: %w", target, err)
	}
	u.RawQuery = values.Encode()
	return s.do(ctx, http.MethodGet, u.String(), nil)
}

func formValues(form *goquery.Selection) url.Values {
	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, f *goquery.Selection) {
		name := f.AttrOr("name", "")
		if name == "" {
			return
		}
		if _, disabled := f.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(f) {
		case "input":
			switch strings.ToLower(f.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
			case "checkbox", "radio":
				if _, on := f.Attr("checked"); on {
					values.Add(name, f.AttrOr("value", "on"))
				}
			default:
				values.Add(name, f.AttrOr("value", ""))
			}
		case "textarea":
			values.Add(name, f.Text())
		case "select":
			opt := f.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = f.Find("option").First()
			}
			if opt.Length() > 0 {
				values.Add(name, optionValue(opt))
			}
		}
	})
	return values
}

func optionValue(opt *goquery.Selection) string {
	if v, ok := opt.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(opt.Text())
}

// WaitFor checks the loaded document once; without a script engine the page
// will not change on its own.
func (s *httpSession) WaitFor(ctx context.Context, locator string, _ time.Duration) error {
	n, err := s.Count(ctx, locator)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, locator)
	}
	return nil
}

func (s *httpSession) Text(_ context.Context, locator string) (string, error) {
	el, err := s.find(locator)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(el.Text()), nil
}

func (s *httpSession) SetIdentity(_ context.Context, p identity.Profile) error {
	if s.closed {
		return ErrClosed
	}
	family := s.profile.Browser
	s.profile = p
	if p.Browser != family {
		return s.rebuildClient()
	}
	return nil
}

func (s *httpSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.client.CloseIdleConnections()
	s.doc = nil
	return nil
}

// Package browser is the browsing capability the orchestrator drives: navigate,
// read page content, query and interact with elements by CSS locator, present
// an identity, and egress through a proxy. Two backends implement it: a
// TLS-fingerprinted HTTP client that interprets HTML forms itself, and a real
// Chrome instance driven over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/logging"
	"github.com/yourneighborhoodchef/slotwatch/internal/proxy"
	"github.com/yourneighborhoodchef/slotwatch/internal/ratelimit"
)

type Backend string

const (
	BackendHTTP   Backend = "http"
	BackendChrome Backend = "chrome"
)

var (
	// ErrTransport wraps connection failures and timeouts.
	ErrTransport          = errors.New("transport error")
	ErrNotFound           = errors.New("element not found")
	ErrNotInteractive     = errors.New("element not interactive")
	ErrNoPage             = errors.New("no page loaded")
	ErrClosed             = errors.New("session closed")
	ErrBackendUnavailable = errors.New("automation backend unavailable")
)

// Session is one live browsing context. Implementations are not safe for
// concurrent use; callers run one operation at a time.
type Session interface {
	Backend() Backend
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	// StatusCode of the last document response, 0 when unknown.
	StatusCode() int
	Count(ctx context.Context, locator string) (int, error)
	Fill(ctx context.Context, locator, value string) error
	Select(ctx context.Context, locator, value string) error
	Click(ctx context.Context, locator string) error
	WaitFor(ctx context.Context, locator string, timeout time.Duration) error
	Text(ctx context.Context, locator string) (string, error)
	SetIdentity(ctx context.Context, p identity.Profile) error
	Close() error
}

type Launcher interface {
	Backend() Backend
	// Available reports ErrBackendUnavailable when the backend cannot run here.
	Available() error
	Launch(ctx context.Context, opts Options) (Session, error)
}

type Options struct {
	Headless       bool
	Identity       identity.Profile
	Proxy          *proxy.Record
	RequestTimeout time.Duration
	Pacer          *ratelimit.TokenJar
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration
	Logger         logging.Logger
}

func (o Options) timeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return o.RequestTimeout
}

func (o Options) logger() logging.Logger {
	if o.Logger == nil {
		return logging.Nop()
	}
	return o.Logger
}

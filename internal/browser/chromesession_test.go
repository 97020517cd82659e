package browser

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/go-cmp/cmp"

	"github.com/yourneighborhoodchef/slotwatch/internal/identity"
	"github.com/yourneighborhoodchef/slotwatch/internal/ratelimit"
)

func TestChromePacesOnlySiteRequests(t *testing.T) {
	jar := ratelimit.NewTokenJar(0.001, 5)
	defer jar.Stop()
	// no browser is attached, so every DevTools call fails fast
	s := &chromeSession{
		ctx:    context.Background(),
		cancel: func() {},
		opts:   Options{Pacer: jar, RequestTimeout: time.Second},
	}
	ctx := context.Background()
	tokens := func() int {
		n, _, _ := jar.Stats()
		return n
	}

	_, _ = s.Count(ctx, ".appointment-slot")
	_, _ = s.Content(ctx)
	_, _ = s.Text(ctx, ".booking-reference")
	if got := tokens(); got != 5 {
		t.Fatalf("DOM reads took %d tokens", 5-got)
	}
	_ = s.Navigate(ctx, "https://example.test/book")
	if got := tokens(); got != 4 {
		t.Errorf("navigate left %d tokens, want 4", got)
	}
}

func TestExtraHeadersCarryClientHints(t *testing.T) {
	g := identity.NewGenerator(5)
	var p identity.Profile
	for p.SecCHUA == "" {
		p = g.Generate()
	}
	want := network.Headers{}
	for k, v := range p.ClientHints() {
		want[k] = v
	}
	got := extraHeaders(p)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("headers (-want +got):\n%s", diff)
	}
	if got["Sec-CH-UA"] != p.SecCHUA {
		t.Errorf("Sec-CH-UA = %v", got["Sec-CH-UA"])
	}
	if n := len(extraHeaders(identity.Profile{})); n != 0 {
		t.Errorf("zero identity sends %d hint headers", n)
	}
}

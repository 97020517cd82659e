package identity

import (
	"strings"
	"testing"

	http "github.com/bogdanfinn/fhttp"
)

func TestGenerateConsistency(t *testing.T) {
	g := NewGenerator(42)
	for i := 0; i < 500; i++ {
		p := g.Generate()
		if p.IsZero() {
			t.Fatalf("profile %d has no user agent", i)
		}
		if p.Viewport.Width == 0 || p.Viewport.Height == 0 {
			t.Fatalf("profile %d has empty viewport", i)
		}
		if p.Timezone == "" || p.AcceptLanguage == "" || p.Platform == "" {
			t.Fatalf("profile %d missing locale/platform fields: %+v", i, p)
		}
		switch p.Browser {
		case BrowserChrome, BrowserEdge:
			if p.SecCHUA == "" {
				t.Fatalf("chromium profile without Sec-CH-UA: %s", p.UserAgent)
			}
		case BrowserFirefox, BrowserSafari:
			if p.SecCHUA != "" {
				t.Fatalf("%s profile should not send Sec-CH-UA", p.Browser)
			}
		default:
			t.Fatalf("unknown browser %q", p.Browser)
		}
		if p.Browser == BrowserSafari && p.Platform != "MacIntel" {
			t.Fatalf("safari on %s", p.Platform)
		}
	}
}

func TestGenerateVariesAcrossCalls(t *testing.T) {
	g := NewGenerator(7)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		p := g.Generate()
		seen[p.UserAgent+"|"+p.Timezone+"|"+p.AcceptLanguage] = true
	}
	if len(seen) < 10 {
		t.Errorf("expected varied identities, got %d distinct of 50", len(seen))
	}
}

func TestSameSeedSameProfiles(t *testing.T) {
	a, b := NewGenerator(99), NewGenerator(99)
	for i := 0; i < 20; i++ {
		pa, pb := a.Generate(), b.Generate()
		if pa.UserAgent != pb.UserAgent || pa.Viewport != pb.Viewport {
			t.Fatalf("seeded generators diverged at %d", i)
		}
	}
}

func TestLanguages(t *testing.T) {
	p := Profile{AcceptLanguage: "pt-PT,pt;q=0.9,en;q=0.8"}
	got := strings.Join(p.Languages(), ",")
	if got != "pt-PT,pt,en" {
		t.Errorf("Languages() = %q", got)
	}
}

func TestHeaders(t *testing.T) {
	g := NewGenerator(3)
	var p Profile
	for {
		p = g.Generate()
		if p.Browser == BrowserChrome {
			break
		}
	}

	h := p.Headers("")
	if h.Get("User-Agent") != p.UserAgent {
		t.Errorf("User-Agent = %q", h.Get("User-Agent"))
	}
	if h.Get("Sec-Fetch-Site") != "none" || h.Get("Referer") != "" {
		t.Errorf("first navigation should have no referer, got site=%q referer=%q",
			h.Get("Sec-Fetch-Site"), h.Get("Referer"))
	}
	if h.Get("Sec-CH-UA-Platform") != `"`+p.PlatformHint+`"` {
		t.Errorf("Sec-CH-UA-Platform = %q", h.Get("Sec-CH-UA-Platform"))
	}
	if len(h[http.HeaderOrderKey]) == 0 {
		t.Errorf("header order missing")
	}

	h = p.Headers("https://example.test/login")
	if h.Get("Referer") != "https://example.test/login" || h.Get("Sec-Fetch-Site") != "same-origin" {
		t.Errorf("follow-up navigation headers wrong: %v", h)
	}
}

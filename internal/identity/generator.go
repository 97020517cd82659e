package identity

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

type Browser string

const (
	BrowserChrome  Browser = "chrome"
	BrowserEdge    Browser = "edge"
	BrowserFirefox Browser = "firefox"
	BrowserSafari  Browser = "safari"
)

type Viewport struct {
	Width      int
	Height     int
	PixelRatio float64
}

type NetworkHints struct {
	EffectiveType string
	Downlink      float64
	RTT           int
	SaveData      bool
}

// Profile is one browsing identity. It is a value: rotation replaces it, nothing mutates it.
type Profile struct {
	UserAgent      string
	SecCHUA        string // empty for browsers that don't send client hints
	Browser        Browser
	Platform       string // navigator.platform
	PlatformHint   string // Sec-CH-UA-Platform value
	Viewport       Viewport
	AcceptLanguage string
	Timezone       string
	Concurrency    int
	DeviceMemory   int
	Network        NetworkHints

	// optional hints this identity sends, fixed at generation
	sendViewport bool
	sendNetwork  bool
	sendMemory   bool
	cacheControl string
}

// Languages returns the language tags in AcceptLanguage order, without q-values.
func (p Profile) Languages() []string {
	var out []string
	for _, part := range strings.Split(p.AcceptLanguage, ",") {
		tag := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}

func (p Profile) IsZero() bool { return p.UserAgent == "" }

var (
	viewportOpts = []Viewport{
		{1920, 1080, 1}, {1366, 768, 1}, {1440, 900, 2}, {1536, 864, 1.25},
		{1280, 720, 1}, {1600, 900, 1}, {2560, 1440, 1}, {1680, 1050, 2},
	}
	langOpts = []string{
		"en-US,en;q=0.9",
		"en-GB,en;q=0.9,en-US;q=0.8",
		"pt-PT,pt;q=0.9,en;q=0.8",
		"pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7",
		"fr-FR,fr;q=0.9,en;q=0.8",
		"es-ES,es;q=0.9,en;q=0.8",
		"en-US,en;q=0.9,pt;q=0.8",
	}
	timezoneOpts = []string{
		"Europe/Lisbon", "Africa/Bissau", "Europe/London", "Europe/Paris",
		"Europe/Madrid", "America/New_York", "Africa/Dakar",
	}
	concurrencyOpts = []int{4, 6, 8, 12, 16}
	memoryOpts      = []int{4, 8, 16}
	effTypeOpts     = []string{"3g", "4g", "4g", "4g"}
	cacheOpts       = []string{"max-age=0", "no-cache", ""}
)

// Generator draws profiles from fixed candidate sets. Safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator seeds from the clock when seed is 0.
func NewGenerator(seed int64) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Generate() Profile {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.rng

	ua, browser, platform, hint := g.randomUA()
	mem := memoryOpts[r.Intn(len(memoryOpts))]

	return Profile{
		UserAgent:      ua,
		SecCHUA:        secCHUA(ua, browser),
		Browser:        browser,
		Platform:       platform,
		PlatformHint:   hint,
		Viewport:       viewportOpts[r.Intn(len(viewportOpts))],
		AcceptLanguage: langOpts[r.Intn(len(langOpts))],
		Timezone:       timezoneOpts[r.Intn(len(timezoneOpts))],
		Concurrency:    concurrencyOpts[r.Intn(len(concurrencyOpts))],
		DeviceMemory:   mem,
		Network: NetworkHints{
			EffectiveType: effTypeOpts[r.Intn(len(effTypeOpts))],
			Downlink:      float64(int((r.Float64()*9.9+0.1)*10)) / 10,
			RTT:           (r.Intn(6) + 1) * 50,
			SaveData:      r.Float64() < 0.05,
		},
		sendViewport: r.Float64() < 0.7,
		sendNetwork:  r.Float64() < 0.4,
		sendMemory:   r.Float64() < 0.3,
		cacheControl: cacheOpts[r.Intn(len(cacheOpts))],
	}
}

func (g *Generator) randomUA() (ua string, b Browser, platform, hint string) {
	r := g.rng
	chromeMaj := r.Intn(11) + 120

	type osInfo struct{ token, platform, hint string }
	oses := []osInfo{
		{"Windows NT 10.0; Win64; x64", "Win32", "Windows"},
		{"Macintosh; Intel Mac OS X 10_15_7", "MacIntel", "macOS"},
		{"X11; Linux x86_64", "Linux x86_64", "Linux"},
	}
	os := oses[r.Intn(len(oses))]

	switch r.Intn(5) {
	case 0, 1: // Chrome
		return fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36",
			os.token, chromeMaj,
		), BrowserChrome, os.platform, os.hint
	case 2: // Edge
		os = oses[r.Intn(2)]
		return fmt.Sprintf(
			"Mozilla/5.0 (%s) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%d.0.0.0 Safari/537.36 Edg/%d.0.0.0",
			os.token, chromeMaj, chromeMaj,
		), BrowserEdge, os.platform, os.hint
	case 3: // Firefox
		rv := r.Intn(12) + 115
		token := strings.Replace(os.token, "Intel Mac OS X 10_15_7", "Intel Mac OS X 10.15", 1)
		return fmt.Sprintf(
			"Mozilla/5.0 (%s; rv:%d.0) Gecko/20100101 Firefox/%d.0",
			token, rv, rv,
		), BrowserFirefox, os.platform, os.hint
	default: // Safari, macOS only
		maj := r.Intn(3) + 16
		minor := r.Intn(7)
		return fmt.Sprintf(
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%d.%d Safari/605.1.15",
			maj, minor,
		), BrowserSafari, "MacIntel", "macOS"
	}
}

func secCHUA(ua string, b Browser) string {
	if b != BrowserChrome && b != BrowserEdge {
		return ""
	}
	const fallback = "124"
	ver := fallback
	if idx := strings.Index(ua, "Chrome/"); idx != -1 {
		rest := ua[idx+7:]
		if j := strings.Index(rest, "."); j != -1 {
			ver = rest[:j]
		}
	}
	brand := "Google Chrome"
	if b == BrowserEdge {
		brand = "Microsoft Edge"
	}
	return fmt.Sprintf(`"Not:A-Brand";v="24", "Chromium";v="%s", "%s";v="%s"`, ver, brand, ver)
}

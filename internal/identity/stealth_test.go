package identity

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// stealthPayload pulls the JSON literal back out of the generated script.
func stealthPayload(t *testing.T, script string) stealthValues {
	t.Helper()
	const prefix = "(() => {\n  const v = "
	if !strings.HasPrefix(script, prefix) {
		t.Fatalf("unexpected script prefix: %.40q", script)
	}
	rest := script[len(prefix):]
	end := strings.Index(rest, ";\n")
	if end < 0 {
		t.Fatalf("no payload terminator")
	}
	var v stealthValues
	if err := json.Unmarshal([]byte(rest[:end]), &v); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return v
}

func TestStealthScriptChromium(t *testing.T) {
	p := Profile{
		UserAgent:      "Mozilla/5.0 Chrome/126.0.0.0",
		SecCHUA:        `"Chromium";v="126"`,
		Platform:       "Win32",
		AcceptLanguage: "pt-PT,pt;q=0.9,en;q=0.8",
		Concurrency:    12,
		DeviceMemory:   16,
		Network:        NetworkHints{EffectiveType: "4g", Downlink: 7.5, RTT: 100},
	}
	script := p.StealthScript()
	for _, prop := range []string{"'webdriver'", "'hardwareConcurrency'", "'deviceMemory'", "'languages'", "'connection'"} {
		if !strings.Contains(script, prop) {
			t.Errorf("script does not override %s", prop)
		}
	}
	want := stealthValues{
		Languages:    []string{"pt-PT", "pt", "en"},
		Platform:     "Win32",
		Concurrency:  12,
		DeviceMemory: 8,
		Connection:   &connectionValues{EffectiveType: "4g", Downlink: 7.5, RTT: 100},
	}
	if diff := cmp.Diff(want, stealthPayload(t, script)); diff != "" {
		t.Errorf("payload (-want +got):\n%s", diff)
	}
}

func TestStealthScriptNonChromium(t *testing.T) {
	p := Profile{UserAgent: "Mozilla/5.0 Firefox/127.0", Platform: "Linux x86_64", AcceptLanguage: "en-US,en;q=0.9", Concurrency: 8, DeviceMemory: 8}
	got := stealthPayload(t, p.StealthScript())
	if got.DeviceMemory != 0 || got.Connection != nil {
		t.Errorf("chromium-only properties set for firefox: %+v", got)
	}
	if got.Concurrency != 8 || len(got.Languages) != 2 {
		t.Errorf("payload = %+v", got)
	}
}

func TestClientHints(t *testing.T) {
	g := NewGenerator(11)
	var chromium, firefox Profile
	for chromium.IsZero() || firefox.IsZero() {
		p := g.Generate()
		switch {
		case p.SecCHUA != "" && chromium.IsZero():
			chromium = p
		case p.Browser == BrowserFirefox && firefox.IsZero():
			firefox = p
		}
	}

	hints := chromium.ClientHints()
	h := chromium.Headers("")
	for k, v := range hints {
		if h.Get(k) != v {
			t.Errorf("%s = %q, navigation header has %q", k, v, h.Get(k))
		}
	}
	if hints["Sec-CH-UA"] != chromium.SecCHUA {
		t.Errorf("Sec-CH-UA = %q", hints["Sec-CH-UA"])
	}
	if _, ok := hints["User-Agent"]; ok {
		t.Errorf("User-Agent leaked into client hints")
	}
	if _, ok := firefox.ClientHints()["Sec-CH-UA"]; ok {
		t.Errorf("firefox identity sends Sec-CH-UA")
	}
}

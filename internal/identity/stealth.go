package identity

import (
	"encoding/json"
	"fmt"
)

var clientHintHeaders = []string{
	"Sec-CH-UA",
	"Sec-CH-UA-Mobile",
	"Sec-CH-UA-Platform",
	"Sec-CH-Viewport-Width",
	"Sec-CH-Viewport-Height",
	"Sec-CH-DPR",
	"ECT",
	"Downlink",
	"RTT",
	"Device-Memory",
	"Save-Data",
}

// ClientHints returns the hint headers this identity sends on every request,
// keyed by canonical header name. User-Agent and Accept-Language are not
// included.
func (p Profile) ClientHints() map[string]string {
	h := p.Headers("")
	out := make(map[string]string)
	for _, k := range clientHintHeaders {
		if v := h.Get(k); v != "" {
			out[k] = v
		}
	}
	return out
}

type connectionValues struct {
	EffectiveType string  `json:"effectiveType"`
	Downlink      float64 `json:"downlink"`
	RTT           int     `json:"rtt"`
	SaveData      bool    `json:"saveData"`
}

type stealthValues struct {
	Languages    []string          `json:"languages"`
	Platform     string            `json:"platform"`
	Concurrency  int               `json:"concurrency"`
	DeviceMemory int               `json:"deviceMemory,omitempty"`
	Connection   *connectionValues `json:"connection,omitempty"`
}

const stealthTemplate = `(() => {
  const v = %s;
  const def = (obj, key, value) => {
    try { Object.defineProperty(obj, key, { get: () => value, configurable: true }); } catch (e) {}
  };
  const nav = Object.getPrototypeOf(navigator);
  def(nav, 'webdriver', undefined);
  def(nav, 'languages', Object.freeze(v.languages.slice()));
  if (v.languages.length) def(nav, 'language', v.languages[0]);
  if (v.platform) def(nav, 'platform', v.platform);
  if (v.concurrency) def(nav, 'hardwareConcurrency', v.concurrency);
  if (v.deviceMemory) def(nav, 'deviceMemory', v.deviceMemory);
  if (v.connection) def(nav, 'connection', Object.freeze(Object.assign({ type: 'wifi', onchange: null }, v.connection)));
  if (!window.chrome && v.deviceMemory) window.chrome = { runtime: {} };
})();`

// StealthScript returns JavaScript to run before any page script. It hides
// navigator.webdriver and makes the navigator properties agree with the
// identity. Chromium-only properties are set only for Chromium identities.
func (p Profile) StealthScript() string {
	v := stealthValues{
		Languages:   p.Languages(),
		Platform:    p.Platform,
		Concurrency: p.Concurrency,
	}
	if v.Languages == nil {
		v.Languages = []string{}
	}
	if p.SecCHUA != "" {
		v.DeviceMemory = p.DeviceMemory
		if v.DeviceMemory > 8 {
			v.DeviceMemory = 8
		}
		v.Connection = &connectionValues{
			EffectiveType: p.Network.EffectiveType,
			Downlink:      p.Network.Downlink,
			RTT:           p.Network.RTT,
			SaveData:      p.Network.SaveData,
		}
	}
	b, _ := json.Marshal(v)
	return fmt.Sprintf(stealthTemplate, b)
}

package identity

import (
	"fmt"
	"strconv"

	http "github.com/bogdanfinn/fhttp"
)

var headerOrder = []string{
	"Cache-Control",
	"Sec-CH-UA",
	"Sec-CH-UA-Mobile",
	"Sec-CH-UA-Platform",
	"Upgrade-Insecure-Requests",
	"User-Agent",
	"Accept",
	"Sec-Fetch-Site",
	"Sec-Fetch-Mode",
	"Sec-Fetch-User",
	"Sec-Fetch-Dest",
	"Referer",
	"Accept-Encoding",
	"Accept-Language",
	"Sec-CH-Viewport-Width",
	"Sec-CH-Viewport-Height",
	"Sec-CH-DPR",
	"ECT",
	"Downlink",
	"RTT",
	"Save-Data",
	"Device-Memory",
	"Content-Type",
	"Origin",
}

const navAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"

// Headers renders a top-level document navigation request for this identity.
// referer may be empty for the first navigation of a session.
func (p Profile) Headers(referer string) http.Header {
	h := http.Header{}
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", navAccept)
	h.Set("Accept-Language", p.AcceptLanguage)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-User", "?1")
	if referer == "" {
		h.Set("Sec-Fetch-Site", "none")
	} else {
		h.Set("Sec-Fetch-Site", "same-origin")
		h.Set("Referer", referer)
	}
	if p.cacheControl != "" {
		h.Set("Cache-Control", p.cacheControl)
	}

	if p.SecCHUA != "" {
		h.Set("Sec-CH-UA", p.SecCHUA)
		h.Set("Sec-CH-UA-Mobile", "?0")
		h.Set("Sec-CH-UA-Platform", `"`+p.PlatformHint+`"`)

		if p.sendViewport {
			h.Set("Sec-CH-Viewport-Width", strconv.Itoa(p.Viewport.Width))
			h.Set("Sec-CH-Viewport-Height", strconv.Itoa(p.Viewport.Height))
			h.Set("Sec-CH-DPR", strconv.FormatFloat(p.Viewport.PixelRatio, 'f', -1, 64))
		}
		if p.sendNetwork {
			h.Set("ECT", p.Network.EffectiveType)
			h.Set("Downlink", fmt.Sprintf("%.1f", p.Network.Downlink))
			h.Set("RTT", strconv.Itoa(p.Network.RTT))
		}
		if p.sendMemory {
			mem := p.DeviceMemory
			if mem > 8 {
				mem = 8
			}
			h.Set("Device-Memory", strconv.Itoa(mem))
		}
	}
	if p.Network.SaveData {
		h.Set("Save-Data", "on")
	}

	h[http.HeaderOrderKey] = headerOrder
	return h
}

package fetch

import (
	"math/rand/v2"
	"net/http"
)

// Profile is one coherent browser fingerprint: the User-Agent and its
// matching client-hint headers plus the viewport a rendered session should
// use. Mixing a Chrome UA with mismatched sec-ch-ua values is itself a bot
// signal, so the pieces travel together.
type Profile struct {
	Name            string
	UserAgent       string
	SecChUA         string
	SecChUAMobile   string
	SecChUAPlatform string
	ViewportWidth   int
	ViewportHeight  int
}

// Mobile reports whether the profile presents as a handheld device.
func (p Profile) Mobile() bool { return p.SecChUAMobile == "?1" }

var profiles = []Profile{
	{
		Name:            "chrome131-windows",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecChUA:         `"Chromium";v="131", "Not_A Brand";v="24", "Google Chrome";v="131"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
		ViewportWidth:   1920,
		ViewportHeight:  1080,
	},
	{
		Name:            "chrome131-macos",
		UserAgent:       "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecChUA:         `"Chromium";v="131", "Not_A Brand";v="24", "Google Chrome";v="131"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"macOS"`,
		ViewportWidth:   1440,
		ViewportHeight:  900,
	},
	{
		Name:            "edge131-windows",
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		SecChUA:         `"Chromium";v="131", "Not_A Brand";v="24", "Microsoft Edge";v="131"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
		ViewportWidth:   1920,
		ViewportHeight:  1080,
	},
	{
		Name:            "chrome130-linux",
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
		SecChUA:         `"Chromium";v="130", "Not_A Brand";v="24", "Google Chrome";v="130"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Linux"`,
		ViewportWidth:   1920,
		ViewportHeight:  1080,
	},
	{
		Name:            "safari-iphone",
		UserAgent:       "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
		SecChUA:         `"Not_A Brand";v="8", "Chromium";v="120"`,
		SecChUAMobile:   "?1",
		SecChUAPlatform: `"iOS"`,
		ViewportWidth:   393,
		ViewportHeight:  852,
	},
}

// Profiles returns the fingerprint set. The slice is shared; do not mutate.
func Profiles() []Profile { return profiles }

// RandomProfile picks one fingerprint at random.
func RandomProfile() Profile {
	return profiles[rand.IntN(len(profiles))]
}

// ApplyStealth sets the stealth header set for a profile on a request.
// Accept-Encoding is deliberately left to the transport so responses come
// back transparently decompressed.
func ApplyStealth(h http.Header, p Profile, referer string) {
	h.Set("User-Agent", p.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("DNT", "1")
	h.Set("Connection", "keep-alive")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Cache-Control", "max-age=0")
	h.Set("sec-ch-ua", p.SecChUA)
	h.Set("sec-ch-ua-mobile", p.SecChUAMobile)
	h.Set("sec-ch-ua-platform", p.SecChUAPlatform)
	if referer != "" {
		h.Set("Referer", referer)
	}
}

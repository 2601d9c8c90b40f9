// Package fingerprint generates synthetic browser fingerprints.
//
// Anti-bot systems correlate navigator properties with each other: a Windows
// user agent paired with a "MacIntel" platform, or a Safari UA reporting 32
// logical cores, is a reliable automation signal. To avoid that class of
// mismatch the generator draws userAgent, platform, hardwareConcurrency, and
// deviceMemory jointly from a fixed set of browser archetypes, so the four
// values always describe a machine that could exist. Screen resolution,
// color depth, and timezone are weakly correlated in real traffic and are
// drawn independently from their own enumerations.
//
// Canvas-style randomisation is approximated with an opaque 32-character
// token regenerated per fingerprint, standing in for the canvas hash a real
// browser would produce.
//
// Callers may override any field at generation time. Overrides are applied
// verbatim, after the archetype draw, with no consistency re-validation: a
// caller that asks for a lone userAgent override accepts the risk of an
// incoherent bundle.
package fingerprint

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand"
	"sync"
	"time"
)

// Fingerprint is an immutable, internally-consistent description of a
// synthetic client. Field names (via JSON tags) follow the navigator
// properties they emulate.
type Fingerprint struct {
	UserAgent           string `json:"userAgent"`
	Platform            string `json:"platform"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	DeviceMemory        int    `json:"deviceMemory"`
	AcceptLanguage      string `json:"acceptLanguage"`
	AcceptEncoding      string `json:"acceptEncoding"`
	Timezone            string `json:"timezone"`
	ScreenResolution    string `json:"screenResolution"`
	ColorDepth          int    `json:"colorDepth"`
	WebGLVendor         string `json:"webGLVendor"`
	WebGLRenderer       string `json:"webGLRenderer"`
	Canvas              string `json:"canvas"`
	WebRTC              bool   `json:"webRTC"`
}

// Overrides carries caller-supplied partial fingerprint input. String fields
// use "" as absent; numeric and boolean fields use pointers so an explicit
// zero/false can be distinguished from unset when decoded from JSON.
type Overrides struct {
	UserAgent           string `json:"userAgent,omitempty"`
	Platform            string `json:"platform,omitempty"`
	HardwareConcurrency *int   `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        *int   `json:"deviceMemory,omitempty"`
	AcceptLanguage      string `json:"acceptLanguage,omitempty"`
	AcceptEncoding      string `json:"acceptEncoding,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	ScreenResolution    string `json:"screenResolution,omitempty"`
	ColorDepth          *int   `json:"colorDepth,omitempty"`
	WebGLVendor         string `json:"webGLVendor,omitempty"`
	WebGLRenderer       string `json:"webGLRenderer,omitempty"`
	Canvas              string `json:"canvas,omitempty"`
	WebRTC              *bool  `json:"webRTC,omitempty"`
}

// ─── Archetypes and enumerations ──────────────────────────────────────────────

// archetype fixes the four mutually-dependent navigator values for one
// browser/OS pairing. hardwareConcurrency and deviceMemory are values a real
// machine running that browser would plausibly report.
type archetype struct {
	userAgent           string
	platform            string
	hardwareConcurrency int
	deviceMemory        int
}

// archetypes lists the browser families the generator can imitate. User
// agents track the Chrome 120 / Firefox 121 era to stay coherent with the
// outbound TLS and HTTP/2 fingerprints.
var archetypes = []archetype{
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "Win32",
		hardwareConcurrency: 8,
		deviceMemory:        8,
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "MacIntel",
		hardwareConcurrency: 10,
		deviceMemory:        16,
	},
	{
		userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		platform:            "Linux x86_64",
		hardwareConcurrency: 12,
		deviceMemory:        8,
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) " +
			"Gecko/20100101 Firefox/121.0",
		platform:            "Win32",
		hardwareConcurrency: 8,
		deviceMemory:        8,
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) " +
			"Gecko/20100101 Firefox/121.0",
		platform:            "MacIntel",
		hardwareConcurrency: 10,
		deviceMemory:        16,
	},
	{
		userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 " +
			"(KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		platform:            "MacIntel",
		hardwareConcurrency: 8,
		deviceMemory:        16,
	},
	{
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
		platform:            "Win32",
		hardwareConcurrency: 16,
		deviceMemory:        32,
	},
}

// screenResolutions lists the most common desktop sizes reported by real
// clients, most frequent first.
var screenResolutions = []string{
	"1920x1080",
	"1366x768",
	"1536x864",
	"1440x900",
	"2560x1440",
	"1280x720",
	"3840x2160",
}

// colorDepths are the bit depths real displays report.
var colorDepths = []int{24, 30, 32}

// timezones lists common client IANA zone names.
var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Berlin",
	"Europe/Paris",
	"Asia/Tokyo",
	"Australia/Sydney",
}

// Fixed defaults for the fields that carry no cross-field constraint.
const (
	defaultAcceptLanguage = "en-US,en;q=0.9"
	defaultAcceptEncoding = "gzip, deflate, br"
	defaultWebGLVendor    = "Google Inc. (Intel)"
	defaultWebGLRenderer  = "ANGLE (Intel, Intel(R) UHD Graphics 630 Direct3D11 vs_5_0 ps_5_0, D3D11)"

	canvasAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	canvasLength   = 32
)

// ─── Generator ────────────────────────────────────────────────────────────────

// Generator produces fingerprints from its own random source. A mutex guards
// the source because math/rand.Rand is not safe for concurrent use.
type Generator struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewGenerator returns a Generator seeded from crypto/rand, falling back to
// the wall clock if the system entropy source fails.
func NewGenerator() *Generator {
	var b [8]byte
	seed := time.Now().UnixNano()
	if _, err := rand.Read(b[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(b[:])) // #nosec G115 – seed wrap is harmless
	}
	return NewGeneratorWithSeed(seed)
}

// NewGeneratorWithSeed returns a Generator with a deterministic source.
// Two generators built from the same seed produce identical fingerprint
// sequences, which tests rely on.
func NewGeneratorWithSeed(seed int64) *Generator {
	return &Generator{rng: mrand.New(mrand.NewSource(seed))} // #nosec G404 – fingerprints are not secrets
}

// Generate draws a fingerprint: one archetype uniformly, then independent
// uniform draws for screen resolution, color depth, and timezone, a fresh
// canvas token, and fixed defaults for the remaining fields. overrides may
// be nil; present override fields replace the drawn values verbatim.
func (g *Generator) Generate(overrides *Overrides) Fingerprint {
	g.mu.Lock()
	arch := archetypes[g.rng.Intn(len(archetypes))]
	fp := Fingerprint{
		UserAgent:           arch.userAgent,
		Platform:            arch.platform,
		HardwareConcurrency: arch.hardwareConcurrency,
		DeviceMemory:        arch.deviceMemory,
		AcceptLanguage:      defaultAcceptLanguage,
		AcceptEncoding:      defaultAcceptEncoding,
		Timezone:            timezones[g.rng.Intn(len(timezones))],
		ScreenResolution:    screenResolutions[g.rng.Intn(len(screenResolutions))],
		ColorDepth:          colorDepths[g.rng.Intn(len(colorDepths))],
		WebGLVendor:         defaultWebGLVendor,
		WebGLRenderer:       defaultWebGLRenderer,
		Canvas:              canvasToken(g.rng),
		WebRTC:              false,
	}
	g.mu.Unlock()

	fp.apply(overrides)
	return fp
}

// apply copies every present override field onto fp. No archetype
// re-validation happens here: overrides win verbatim.
func (fp *Fingerprint) apply(o *Overrides) {
	if o == nil {
		return
	}
	if o.UserAgent != "" {
		fp.UserAgent = o.UserAgent
	}
	if o.Platform != "" {
		fp.Platform = o.Platform
	}
	if o.HardwareConcurrency != nil {
		fp.HardwareConcurrency = *o.HardwareConcurrency
	}
	if o.DeviceMemory != nil {
		fp.DeviceMemory = *o.DeviceMemory
	}
	if o.AcceptLanguage != "" {
		fp.AcceptLanguage = o.AcceptLanguage
	}
	if o.AcceptEncoding != "" {
		fp.AcceptEncoding = o.AcceptEncoding
	}
	if o.Timezone != "" {
		fp.Timezone = o.Timezone
	}
	if o.ScreenResolution != "" {
		fp.ScreenResolution = o.ScreenResolution
	}
	if o.ColorDepth != nil {
		fp.ColorDepth = *o.ColorDepth
	}
	if o.WebGLVendor != "" {
		fp.WebGLVendor = o.WebGLVendor
	}
	if o.WebGLRenderer != "" {
		fp.WebGLRenderer = o.WebGLRenderer
	}
	if o.Canvas != "" {
		fp.Canvas = o.Canvas
	}
	if o.WebRTC != nil {
		fp.WebRTC = *o.WebRTC
	}
}

// canvasToken draws canvasLength characters uniformly from canvasAlphabet.
func canvasToken(rng *mrand.Rand) string {
	b := make([]byte, canvasLength)
	for i := range b {
		b[i] = canvasAlphabet[rng.Intn(len(canvasAlphabet))]
	}
	return string(b)
}

// UserAgents returns the user-agent string of every archetype. The header
// spoofing layer draws from this list so spoofed and generated identities
// come from the same browser families.
func UserAgents() []string {
	out := make([]string, len(archetypes))
	for i, a := range archetypes {
		out[i] = a.userAgent
	}
	return out
}

// defaultGenerator backs the package-level Generate for callers that do not
// need seed control.
var (
	defaultGenerator     *Generator
	defaultGeneratorOnce sync.Once
)

// Generate draws a fingerprint from a process-wide generator seeded from
// crypto/rand. Safe for concurrent use.
func Generate(overrides *Overrides) Fingerprint {
	defaultGeneratorOnce.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator.Generate(overrides)
}

package fingerprint

import (
	"math"
	mrand "math/rand"
	"strconv"
	"strings"
	"time"
)

// ─── Telemetry types ──────────────────────────────────────────────────────────

// Screen is the device geometry a sensor script would read from
// window.screen.
type Screen struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	AvailWidth  int `json:"availWidth"`
	AvailHeight int `json:"availHeight"`
	ColorDepth  int `json:"colorDepth"`
	PixelDepth  int `json:"pixelDepth"`
}

// PointerSample is one event in the synthetic pointer trail.
type PointerSample struct {
	// X and Y are viewport coordinates with sub-pixel precision.
	X float64 `json:"x"`
	Y float64 `json:"y"`
	// T is milliseconds elapsed since recording started.
	T int64 `json:"t"`
	// EventType: 0 = move, 1 = down, 2 = up.
	EventType int `json:"e"`
}

// Telemetry is the signal bundle anti-bot sensor scripts collect client-side:
// screen metrics, navigator properties, timezone offset, a pointer-movement
// time series, and a canvas hash.
//
// Every property another script could cross-check is derived from the
// session's Fingerprint rather than drawn fresh, so telemetry and headers
// always describe the same machine. Only the behavioural noise – the pointer
// trail – comes from the generator's random source.
type Telemetry struct {
	Platform            string `json:"platform"`
	Language            string `json:"language"`
	Languages           string `json:"languages"`
	HardwareConcurrency int    `json:"hardwareConcurrency"`
	DeviceMemory        int    `json:"deviceMemory"`

	// PluginsLength is navigator.plugins.length. Chromium and Firefox both
	// pin it to the five built-in PDF viewer entries.
	PluginsLength  int  `json:"pluginsLength"`
	CookiesEnabled bool `json:"cookiesEnabled"`
	MaxTouchPoints int  `json:"maxTouchPoints"`
	// WebDriver must always report false; navigator.webdriver is the first
	// property every detector reads.
	WebDriver bool `json:"webDriver"`

	Screen Screen `json:"screen"`

	// TimezoneOffset is minutes behind UTC, matching the JS
	// Date.getTimezoneOffset() sign convention (positive = west of UTC).
	TimezoneOffset int `json:"timezoneOffset"`

	// PointerTrail traces a plausibly human cursor path ending in a click.
	PointerTrail []PointerSample `json:"pointerTrail"`

	// CanvasHash repeats the fingerprint's canvas token so a detector that
	// reconciles sensor data with a rendered canvas sees one identity.
	CanvasHash string `json:"canvasHash"`

	// Seq is the caller-maintained page-load counter; detectors flag replays
	// of the same sequence number.
	Seq int `json:"seq"`

	// Timestamp is Unix milliseconds at generation.
	Timestamp int64 `json:"timestamp"`
}

// timezoneOffsets maps the generator's IANA zone names to standard-time
// getTimezoneOffset() minutes. Zones ahead of UTC are negative.
var timezoneOffsets = map[string]int{
	"America/New_York":    300,
	"America/Chicago":     360,
	"America/Denver":      420,
	"America/Los_Angeles": 480,
	"Europe/London":       0,
	"Europe/Berlin":       -60,
	"Europe/Paris":        -60,
	"Asia/Tokyo":          -540,
	"Australia/Sydney":    -600,
}

// ─── Generation ───────────────────────────────────────────────────────────────

// Telemetry renders the sensor-visible view of fp. seq should be the page
// loads the session has performed so far; callers typically pass the
// session's request count.
func (g *Generator) Telemetry(fp Fingerprint, seq int) Telemetry {
	screen := screenFromResolution(fp.ScreenResolution, fp.ColorDepth)

	g.mu.Lock()
	trail := pointerTrail(g.rng, screen.Width, screen.Height)
	g.mu.Unlock()

	return Telemetry{
		Platform:            fp.Platform,
		Language:            primaryLanguage(fp.AcceptLanguage),
		Languages:           languageList(fp.AcceptLanguage),
		HardwareConcurrency: fp.HardwareConcurrency,
		DeviceMemory:        fp.DeviceMemory,
		PluginsLength:       5,
		CookiesEnabled:      true,
		MaxTouchPoints:      0,
		WebDriver:           false,
		Screen:              screen,
		TimezoneOffset:      timezoneOffsets[fp.Timezone],
		PointerTrail:        trail,
		CanvasHash:          fp.Canvas,
		Seq:                 seq,
		Timestamp:           time.Now().UnixMilli(),
	}
}

// screenFromResolution expands a "WxH" resolution into full screen geometry.
// availHeight loses the taskbar strip every desktop OS reserves. Malformed
// input falls back to the most common desktop size.
func screenFromResolution(resolution string, colorDepth int) Screen {
	w, h := 1920, 1080
	if ws, hs, ok := strings.Cut(resolution, "x"); ok {
		if pw, err := strconv.Atoi(ws); err == nil && pw > 0 {
			if ph, err := strconv.Atoi(hs); err == nil && ph > 0 {
				w, h = pw, ph
			}
		}
	}
	if colorDepth <= 0 {
		colorDepth = 24
	}
	return Screen{
		Width:       w,
		Height:      h,
		AvailWidth:  w,
		AvailHeight: h - 40,
		ColorDepth:  colorDepth,
		PixelDepth:  colorDepth,
	}
}

// primaryLanguage extracts the first tag of an Accept-Language header:
// "en-US,en;q=0.9" yields "en-US".
func primaryLanguage(acceptLanguage string) string {
	first := acceptLanguage
	if i := strings.IndexByte(first, ','); i >= 0 {
		first = first[:i]
	}
	if i := strings.IndexByte(first, ';'); i >= 0 {
		first = first[:i]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return "en-US"
	}
	return first
}

// languageList strips the q-values from an Accept-Language header:
// "en-US,en;q=0.9" yields "en-US,en".
func languageList(acceptLanguage string) string {
	parts := strings.Split(acceptLanguage, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if i := strings.IndexByte(part, ';'); i >= 0 {
			part = part[:i]
		}
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return "en-US"
	}
	return strings.Join(out, ",")
}

// pointerTrail produces samples tracing a smooth, non-linear arc across the
// viewport, ending in a click.
//
// The shape:
//  1. Start in the upper-left quadrant, end near the page centre.
//  2. Two off-axis control points bend the path into a curved arc.
//  3. Samples follow the cubic Bézier at ease-in-out spacing with sub-pixel
//     jitter on position and timing, imitating hand tremor.
//  4. A down/up pair at the endpoint closes the gesture.
func pointerTrail(rng *mrand.Rand, screenW, screenH int) []PointerSample {
	const (
		minPoints = 18
		maxPoints = 45
	)
	n := minPoints + rng.Intn(maxPoints-minPoints+1)

	x0 := float64(50 + rng.Intn(screenW/4))
	y0 := float64(50 + rng.Intn(screenH/4))
	x3 := float64(screenW/4 + rng.Intn(screenW/2))
	y3 := float64(screenH/4 + rng.Intn(screenH/2))

	x1 := x0 + float64(rng.Intn(screenW/3)+screenW/6)
	y1 := y0 - float64(rng.Intn(screenH/4)+30)
	x2 := x3 - float64(rng.Intn(screenW/3)+screenW/6)
	y2 := y3 + float64(rng.Intn(screenH/4)+30)

	samples := make([]PointerSample, 0, n+2)

	baseT := int64(800 + rng.Intn(1200))
	elapsed := int64(0)

	for i := 0; i < n; i++ {
		rawT := float64(i) / float64(n-1)
		bt := easeInOut(rawT)
		x, y := cubicBezier(bt, x0, y0, x1, y1, x2, y2, x3, y3)

		x += (rng.Float64() - 0.5) * 1.2
		y += (rng.Float64() - 0.5) * 1.2

		// Faster mid-gesture, slower near the target, like a real hand
		// decelerating onto a button.
		speed := 0.5 + math.Sin(math.Pi*rawT)
		delay := int64(math.Round(12 / (speed + 0.1)))
		delay += int64(rng.Intn(6)) - 2
		if delay < 4 {
			delay = 4
		}
		elapsed += delay

		samples = append(samples, PointerSample{
			X:         math.Round(x*100) / 100,
			Y:         math.Round(y*100) / 100,
			T:         baseT + elapsed,
			EventType: 0,
		})
	}

	lastT := samples[len(samples)-1].T
	samples = append(samples,
		PointerSample{X: x3, Y: y3, T: lastT + int64(20+rng.Intn(40)), EventType: 1},
		PointerSample{X: x3, Y: y3, T: lastT + int64(80+rng.Intn(120)), EventType: 2},
	)
	return samples
}

// cubicBezier evaluates the cubic Bézier curve at parameter t in [0,1].
func cubicBezier(t, x0, y0, x1, y1, x2, y2, x3, y3 float64) (float64, float64) {
	u := 1 - t
	x := u*u*u*x0 + 3*u*u*t*x1 + 3*u*t*t*x2 + t*t*t*x3
	y := u*u*u*y0 + 3*u*u*t*y1 + 3*u*t*t*y2 + t*t*t*y3
	return x, y
}

// easeInOut maps t in [0,1] through a smooth cubic ease-in-out curve.
func easeInOut(t float64) float64 {
	return t * t * (3 - 2*t)
}

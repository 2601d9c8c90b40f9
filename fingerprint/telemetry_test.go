package fingerprint_test

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

func TestTelemetry_DerivedFromFingerprint(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(7)
	fp := g.Generate(nil)
	tele := g.Telemetry(fp, 3)

	if tele.Platform != fp.Platform {
		t.Errorf("platform: got %q, want fingerprint's %q", tele.Platform, fp.Platform)
	}
	if tele.HardwareConcurrency != fp.HardwareConcurrency {
		t.Errorf("hardwareConcurrency: got %d, want %d", tele.HardwareConcurrency, fp.HardwareConcurrency)
	}
	if tele.DeviceMemory != fp.DeviceMemory {
		t.Errorf("deviceMemory: got %d, want %d", tele.DeviceMemory, fp.DeviceMemory)
	}
	if tele.CanvasHash != fp.Canvas {
		t.Errorf("canvasHash: got %q, want the fingerprint's canvas token", tele.CanvasHash)
	}
	if tele.Seq != 3 {
		t.Errorf("seq: got %d, want 3", tele.Seq)
	}

	wantRes := strings.Split(fp.ScreenResolution, "x")
	if got := tele.Screen; len(wantRes) == 2 {
		if strconv.Itoa(got.Width) != wantRes[0] || strconv.Itoa(got.Height) != wantRes[1] {
			t.Errorf("screen: got %dx%d, want %s", got.Width, got.Height, fp.ScreenResolution)
		}
		if got.AvailHeight >= got.Height {
			t.Errorf("availHeight %d should lose the taskbar strip from %d", got.AvailHeight, got.Height)
		}
		if got.ColorDepth != fp.ColorDepth || got.PixelDepth != fp.ColorDepth {
			t.Errorf("depths: got %d/%d, want fingerprint's %d", got.ColorDepth, got.PixelDepth, fp.ColorDepth)
		}
	}
}

func TestTelemetry_LanguageDerivation(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(8)
	fp := g.Generate(&fingerprint.Overrides{AcceptLanguage: "de-DE,de;q=0.9,en;q=0.8"})
	tele := g.Telemetry(fp, 1)

	if tele.Language != "de-DE" {
		t.Errorf("language: got %q, want de-DE", tele.Language)
	}
	if tele.Languages != "de-DE,de,en" {
		t.Errorf("languages: got %q, want de-DE,de,en", tele.Languages)
	}
}

func TestTelemetry_TimezoneOffsets(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(9)
	cases := map[string]int{
		"America/Los_Angeles": 480,
		"Europe/Berlin":       -60,
		"Asia/Tokyo":          -540,
		"Europe/London":       0,
	}
	for zone, want := range cases {
		fp := g.Generate(&fingerprint.Overrides{Timezone: zone})
		if got := g.Telemetry(fp, 1).TimezoneOffset; got != want {
			t.Errorf("%s: offset got %d, want %d", zone, got, want)
		}
	}
}

func TestTelemetry_PointerTrail(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(10)
	tele := g.Telemetry(g.Generate(nil), 1)
	trail := tele.PointerTrail

	if len(trail) < 20 {
		t.Fatalf("expected at least 20 samples, got %d", len(trail))
	}
	for i := 1; i < len(trail); i++ {
		if trail[i].T < trail[i-1].T {
			t.Errorf("timestamps not monotonically increasing at index %d", i)
		}
	}

	// The gesture must end in a down/up click pair.
	n := len(trail)
	if trail[n-2].EventType != 1 {
		t.Errorf("second-to-last event should be down (1), got %d", trail[n-2].EventType)
	}
	if trail[n-1].EventType != 2 {
		t.Errorf("last event should be up (2), got %d", trail[n-1].EventType)
	}
}

func TestTelemetry_PointerTrailNonLinear(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(11)
	trail := g.Telemetry(g.Generate(nil), 1).PointerTrail
	if len(trail) < 3 {
		t.Skip("not enough samples to check non-linearity")
	}

	// A straight-line path is a bot tell; measure the maximum perpendicular
	// deviation from the start→end chord.
	x0, y0 := trail[0].X, trail[0].Y
	xN, yN := trail[len(trail)-1].X, trail[len(trail)-1].Y
	maxDev := 0.0
	for _, s := range trail[1 : len(trail)-1] {
		dx, dy := xN-x0, yN-y0
		length := math.Sqrt(dx*dx + dy*dy)
		if length < 1 {
			continue
		}
		dev := math.Abs((s.X-x0)*dy-(s.Y-y0)*dx) / length
		if dev > maxDev {
			maxDev = dev
		}
	}
	if maxDev < 1.0 {
		t.Errorf("pointer path appears to be a straight line (max deviation %.3f px)", maxDev)
	}
}

func TestTelemetry_WebDriverFalse(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(12)
	if g.Telemetry(g.Generate(nil), 1).WebDriver {
		t.Error("webDriver must always report false")
	}
}

func TestTelemetry_Serialisable(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(13)
	tele := g.Telemetry(g.Generate(nil), 42)

	b, err := json.Marshal(tele)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	var got fingerprint.Telemetry
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("json.Unmarshal: %v", err)
	}
	if got.Seq != 42 {
		t.Errorf("seq: got %d, want 42", got.Seq)
	}
	if got.PluginsLength != 5 {
		t.Errorf("pluginsLength: got %d, want 5", got.PluginsLength)
	}
}

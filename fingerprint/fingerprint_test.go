package fingerprint_test

import (
	"strings"
	"testing"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

// knownArchetype reports whether the four jointly-drawn fields of fp match
// one coherent browser archetype.
func knownArchetype(fp fingerprint.Fingerprint) bool {
	type quad struct {
		ua, platform string
		cores, mem   int
	}
	known := []quad{
		{"Chrome/120.0.0.0 Safari/537.36", "Win32", 8, 8},
		{"Mac OS X 10_15_7) AppleWebKit/537.36", "MacIntel", 10, 16},
		{"X11; Linux x86_64", "Linux x86_64", 12, 8},
		{"Firefox/121.0", "Win32", 8, 8},
		{"Firefox/121.0", "MacIntel", 10, 16},
		{"Version/17.1 Safari/605.1.15", "MacIntel", 8, 16},
		{"Edg/120.0.0.0", "Win32", 16, 32},
	}
	for _, k := range known {
		if strings.Contains(fp.UserAgent, k.ua) && fp.Platform == k.platform &&
			fp.HardwareConcurrency == k.cores && fp.DeviceMemory == k.mem {
			return true
		}
	}
	return false
}

func TestGenerate_ArchetypeConsistency(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(1)
	for i := 0; i < 200; i++ {
		fp := g.Generate(nil)
		if !knownArchetype(fp) {
			t.Fatalf("iteration %d: inconsistent archetype: ua=%q platform=%q cores=%d mem=%d",
				i, fp.UserAgent, fp.Platform, fp.HardwareConcurrency, fp.DeviceMemory)
		}
	}
}

func TestGenerate_CanvasToken(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(2)
	a := g.Generate(nil)
	b := g.Generate(nil)

	if len(a.Canvas) != 32 {
		t.Errorf("canvas length: got %d, want 32", len(a.Canvas))
	}
	for _, c := range a.Canvas {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			t.Errorf("canvas contains %q, want [a-z0-9]", c)
		}
	}
	if a.Canvas == b.Canvas {
		t.Error("two generated canvas tokens should differ")
	}
}

func TestGenerate_Defaults(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(3)
	fp := g.Generate(nil)

	if fp.AcceptLanguage == "" || fp.AcceptEncoding == "" {
		t.Error("accept-language/accept-encoding defaults missing")
	}
	if fp.WebGLVendor == "" || fp.WebGLRenderer == "" {
		t.Error("WebGL vendor/renderer defaults missing")
	}
	if fp.WebRTC {
		t.Error("WebRTC should default to false")
	}
	if fp.Timezone == "" || fp.ScreenResolution == "" || fp.ColorDepth == 0 {
		t.Error("independently-drawn fields missing")
	}
}

func TestGenerate_OverridesVerbatim(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(4)
	cores := 99
	depth := 16
	rtc := true
	fp := g.Generate(&fingerprint.Overrides{
		UserAgent:           "CustomAgent/1.0",
		Platform:            "MadeUpOS",
		HardwareConcurrency: &cores,
		ColorDepth:          &depth,
		WebRTC:              &rtc,
		Canvas:              "fixedtoken",
	})

	// Overrides apply verbatim with no consistency re-validation, even when
	// they describe a machine that cannot exist.
	if fp.UserAgent != "CustomAgent/1.0" {
		t.Errorf("UserAgent: got %q", fp.UserAgent)
	}
	if fp.Platform != "MadeUpOS" {
		t.Errorf("Platform: got %q", fp.Platform)
	}
	if fp.HardwareConcurrency != 99 {
		t.Errorf("HardwareConcurrency: got %d, want 99", fp.HardwareConcurrency)
	}
	if fp.ColorDepth != 16 {
		t.Errorf("ColorDepth: got %d, want 16", fp.ColorDepth)
	}
	if !fp.WebRTC {
		t.Error("WebRTC override not applied")
	}
	if fp.Canvas != "fixedtoken" {
		t.Errorf("Canvas: got %q, want fixedtoken", fp.Canvas)
	}
}

func TestGenerate_UnsetOverrideFieldsFilled(t *testing.T) {
	g := fingerprint.NewGeneratorWithSeed(5)
	fp := g.Generate(&fingerprint.Overrides{UserAgent: "OnlyUA/2.0"})

	if fp.UserAgent != "OnlyUA/2.0" {
		t.Errorf("UserAgent: got %q", fp.UserAgent)
	}
	if fp.Platform == "" || fp.HardwareConcurrency == 0 || fp.DeviceMemory == 0 {
		t.Error("unset fields should be filled from the archetype draw")
	}
	if len(fp.Canvas) != 32 {
		t.Errorf("canvas length: got %d, want 32", len(fp.Canvas))
	}
}

func TestGenerate_SeededReproducible(t *testing.T) {
	a := fingerprint.NewGeneratorWithSeed(42).Generate(nil)
	b := fingerprint.NewGeneratorWithSeed(42).Generate(nil)
	if a != b {
		t.Errorf("same seed should produce identical fingerprints:\n%+v\n%+v", a, b)
	}
}

func TestGenerate_PackageLevel(t *testing.T) {
	fp := fingerprint.Generate(nil)
	if !knownArchetype(fp) {
		t.Errorf("package-level Generate produced inconsistent archetype: %+v", fp)
	}
}

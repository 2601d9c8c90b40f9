package emulation_test

import (
	"strings"
	"testing"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/emulation"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

func TestScripts_CatalogComplete(t *testing.T) {
	scripts := emulation.Scripts()
	if len(scripts) != 4 {
		t.Fatalf("expected 4 payloads, got %d", len(scripts))
	}
	for i, s := range scripts {
		if strings.TrimSpace(s) == "" {
			t.Errorf("script %d is empty", i)
		}
		if !strings.Contains(s, "__emulationProfile") {
			t.Errorf("script %d does not read the profile object", i)
		}
	}
}

func TestScripts_CallersMayAppend(t *testing.T) {
	a := emulation.Scripts()
	a[0] = "mutated"
	if emulation.Scripts()[0] == "mutated" {
		t.Error("Scripts must return a fresh slice per call")
	}
}

func TestNamed_MatchesCatalog(t *testing.T) {
	named := emulation.Named()
	for _, key := range []string{"navigator", "screen", "webgl", "canvas"} {
		if named[key] == "" {
			t.Errorf("catalog entry %q missing", key)
		}
	}
	if len(named) != len(emulation.Scripts()) {
		t.Errorf("named catalog has %d entries, Scripts has %d", len(named), len(emulation.Scripts()))
	}
}

func TestProfileScript_EmbedsFingerprint(t *testing.T) {
	gen := fingerprint.NewGeneratorWithSeed(3)
	fp := gen.Generate(nil)

	script := emulation.ProfileScript(fp)
	if !strings.HasPrefix(script, "window.__emulationProfile = {") {
		t.Errorf("unexpected bootstrap shape: %q", script)
	}
	if !strings.Contains(script, fp.UserAgent) {
		t.Error("bootstrap should carry the session user agent")
	}
	if !strings.Contains(script, fp.Canvas) {
		t.Error("bootstrap should carry the canvas token")
	}
}

func TestForFingerprint_BootstrapFirst(t *testing.T) {
	gen := fingerprint.NewGeneratorWithSeed(4)
	fp := gen.Generate(nil)

	scripts := emulation.ForFingerprint(fp)
	if len(scripts) != len(emulation.Scripts())+1 {
		t.Fatalf("expected bootstrap plus catalog, got %d scripts", len(scripts))
	}
	if !strings.HasPrefix(scripts[0], "window.__emulationProfile") {
		t.Error("bootstrap must come first so the payloads can read it")
	}
}

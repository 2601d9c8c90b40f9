// Package emulation ships the browser-environment override scripts the proxy
// injects into HTML responses.
//
// The payloads are opaque to the rest of the system: the pipeline splices
// them into pages without caring what they contain. Each script reads the
// session's fingerprint from window.__emulationProfile, which ProfileScript
// seeds, and overrides the matching browser surface (navigator, screen,
// WebGL, canvas) so in-page probes agree with the headers the proxy sent.
package emulation

import (
	_ "embed"
	"encoding/json"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
)

//go:embed scripts/navigator.js
var navigatorJS string

//go:embed scripts/screen.js
var screenJS string

//go:embed scripts/webgl.js
var webglJS string

//go:embed scripts/canvas.js
var canvasJS string

// Scripts returns the override payloads in injection order. The slice is
// rebuilt per call so callers may append to it freely.
func Scripts() []string {
	return []string{navigatorJS, screenJS, webglJS, canvasJS}
}

// Named returns the catalog keyed by script name, for the listing endpoint.
func Named() map[string]string {
	return map[string]string{
		"navigator": navigatorJS,
		"screen":    screenJS,
		"webgl":     webglJS,
		"canvas":    canvasJS,
	}
}

// ProfileScript renders the bootstrap snippet that publishes fp to the page
// before the override payloads run.
func ProfileScript(fp fingerprint.Fingerprint) string {
	b, err := json.Marshal(fp)
	if err != nil {
		// The fingerprint struct is plain data; this cannot happen outside
		// of a future field gaining an unmarshalable type.
		b = []byte("{}")
	}
	return "window.__emulationProfile = " + string(b) + ";"
}

// ForFingerprint returns ProfileScript(fp) followed by the full catalog, in
// the order the injection path splices them into a page.
func ForFingerprint(fp fingerprint.Fingerprint) []string {
	return append([]string{ProfileScript(fp)}, Scripts()...)
}

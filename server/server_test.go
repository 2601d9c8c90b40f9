package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/client"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/emulation"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/fingerprint"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/metrics"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/proxy"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/server"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/session"
	"github.com/shoutenbeepon-wq/rammerhead-proxy/spoof"
)

// newTestServer wires a full stack behind an httptest listener. m and g may
// be nil when the test does not exercise metrics.
func newTestServer(t *testing.T, m *metrics.Metrics, g prometheus.Gatherer) (*httptest.Server, *session.Store) {
	t.Helper()
	c, err := client.New(client.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	fingerprints := fingerprint.NewGeneratorWithSeed(1)
	store := session.NewStore(session.Options{
		Capacity:     32,
		Fingerprints: fingerprints,
	})
	p := proxy.New(proxy.Options{
		Client:     c,
		Engine:     spoof.NewEngineWithSeed(1),
		Store:      store,
		Metrics:    m,
		ScriptsFor: emulation.ForFingerprint,
	})
	srv := server.New(server.Options{
		Store:        store,
		Pipeline:     p,
		Metrics:      m,
		Gatherer:     g,
		Fingerprints: fingerprints,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestSessions_CreateAndFetch(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status: got %d", resp.StatusCode)
	}

	var created struct {
		SessionID   string                  `json:"sessionId"`
		Fingerprint fingerprint.Fingerprint `json:"browserFingerprint"`
		CreatedAt   time.Time               `json:"createdAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if len(created.SessionID) != 32 {
		t.Errorf("session id %q should be 32 hex chars", created.SessionID)
	}
	if created.Fingerprint.UserAgent == "" {
		t.Error("generated fingerprint missing from create response")
	}
	if created.CreatedAt.IsZero() {
		t.Error("createdAt missing from create response")
	}

	var details session.Details
	dResp := getJSON(t, ts.URL+"/api/sessions/"+created.SessionID, &details)
	if dResp.StatusCode != http.StatusOK {
		t.Fatalf("details status: got %d", dResp.StatusCode)
	}
	if details.ID != created.SessionID || details.RequestCount != 0 {
		t.Errorf("details mismatch: %+v", details)
	}

	var stats session.Stats
	getJSON(t, ts.URL+"/api/sessions", &stats)
	if stats.ActiveSessions != 1 || stats.TotalSessions != 1 {
		t.Errorf("stats: %+v", stats)
	}
	if len(stats.SessionIDs) != 1 || stats.SessionIDs[0] != created.SessionID {
		t.Errorf("session ids: %v", stats.SessionIDs)
	}
}

func TestSessions_CreateWithOverrides(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	body := `{"fingerprint":{"userAgent":"custom-ua","timezone":"Europe/Paris"}}`
	resp, err := http.Post(ts.URL+"/api/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var created struct {
		Fingerprint fingerprint.Fingerprint `json:"browserFingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Fingerprint.UserAgent != "custom-ua" {
		t.Errorf("override lost: %q", created.Fingerprint.UserAgent)
	}
	if created.Fingerprint.Timezone != "Europe/Paris" {
		t.Errorf("timezone override lost: %q", created.Fingerprint.Timezone)
	}
}

func TestSessions_NotFound(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/api/sessions/"+strings.Repeat("0", 32), &body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Error("404 body should carry an error field")
	}
}

func TestSessions_Delete(t *testing.T) {
	ts, store := newTestServer(t, nil, nil)
	sess := store.Create(nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/sessions/"+sess.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: got %d", resp.StatusCode)
	}
	if store.Count() != 0 {
		t.Error("session should be gone from the store")
	}

	again, err := http.DefaultClient.Do(req.Clone(context.Background()))
	if err != nil {
		t.Fatal(err)
	}
	defer again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: got %d, want 404", again.StatusCode)
	}
}

func TestSessions_Telemetry(t *testing.T) {
	ts, store := newTestServer(t, nil, nil)
	sess := store.Create(nil)

	var tele fingerprint.Telemetry
	resp := getJSON(t, ts.URL+"/api/sessions/"+sess.ID+"/telemetry", &tele)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	if tele.Platform != sess.Fingerprint.Platform {
		t.Errorf("platform: got %q, want the session fingerprint's %q",
			tele.Platform, sess.Fingerprint.Platform)
	}
	if tele.CanvasHash != sess.Fingerprint.Canvas {
		t.Error("canvasHash must repeat the session's canvas token")
	}
	if len(tele.PointerTrail) == 0 {
		t.Error("pointer trail missing from telemetry")
	}

	missing := getJSON(t, ts.URL+"/api/sessions/"+strings.Repeat("0", 32)+"/telemetry", nil)
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: got %d, want 404", missing.StatusCode)
	}
}

func TestProxy_QueryForm(t *testing.T) {
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = io.WriteString(w, "proxied")
	}))
	defer upstream.Close()

	ts, _ := newTestServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/proxy?url=" + upstream.URL + "&userAgent=pinned-ua")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "proxied" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if gotUA != "pinned-ua" {
		t.Errorf("userAgent query param should pin the outbound UA, got %q", gotUA)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("proxied responses must carry CORS headers")
	}
}

func TestProxy_PostEnvelope(t *testing.T) {
	var gotMethod, gotHeader string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Trace")
	}))
	defer upstream.Close()

	ts, store := newTestServer(t, nil, nil)
	sess := store.Create(nil)

	env := map[string]any{
		"url":       upstream.URL,
		"sessionId": sess.ID,
		"headers":   map[string]string{"X-Trace": "envelope"},
	}
	payload, _ := json.Marshal(env)
	resp, err := http.Post(ts.URL+"/proxy", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if gotMethod != http.MethodGet {
		t.Errorf("envelope fetch must go out as GET, got %s", gotMethod)
	}
	if gotHeader != "envelope" {
		t.Errorf("header override lost: %q", gotHeader)
	}

	details := store.Details(sess.ID)
	if details == nil || details.RequestCount != 1 {
		t.Error("envelope request should land in the session history")
	}
}

func TestProxy_PostInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp, err := http.Post(ts.URL+"/proxy", "application/json", strings.NewReader("{broken"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("400 body should carry an error field")
	}
}

func TestProxy_Preflight(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/proxy", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Errorf("preflight body must be empty, got %q", body)
	}
	if resp.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight must carry CORS headers")
	}
}

func TestProxy_WebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	ts, _ := newTestServer(t, nil, nil)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/proxy?url=" + upstream.URL

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	mt, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(msg, []byte{0x01, 0x02}) {
		t.Errorf("echo: type=%d msg=%v", mt, msg)
	}
}

// mirrorTestServer is newTestServer with a forward origin configured.
func mirrorTestServer(t *testing.T, origin string) *httptest.Server {
	t.Helper()
	c, err := client.New(client.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore(session.Options{Fingerprints: fingerprint.NewGeneratorWithSeed(1)})
	p := proxy.New(proxy.Options{
		Client: c,
		Engine: spoof.NewEngineWithSeed(1),
		Store:  store,
	})
	srv := server.New(server.Options{
		Store:         store,
		Pipeline:      p,
		ForwardOrigin: origin,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestMirror_PathAndQuerySubstituted(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = io.WriteString(w, "mirrored")
	}))
	defer upstream.Close()

	ts := mirrorTestServer(t, upstream.URL+"/discarded?drop=1")

	resp, err := http.Get(ts.URL + "/site/page?q=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "mirrored" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	if gotPath != "/site/page" {
		t.Errorf("inbound path should replace the origin's, got %q", gotPath)
	}
	if gotQuery != "q=2" {
		t.Errorf("inbound query should replace the origin's, got %q", gotQuery)
	}
}

func TestMirror_DisabledIs404(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	resp, err := http.Get(ts.URL + "/site/page")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestEmulationScripts(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	var body struct {
		Scripts []string `json:"scripts"`
	}
	resp := getJSON(t, ts.URL+"/api/emulation/scripts", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if len(body.Scripts) != len(emulation.Scripts()) {
		t.Errorf("script count: got %d, want %d", len(body.Scripts), len(emulation.Scripts()))
	}
	for i, script := range body.Scripts {
		if script == "" {
			t.Errorf("script %d is empty", i)
		}
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	var body map[string]string
	resp := getJSON(t, ts.URL+"/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health: %d %v", resp.StatusCode, body)
	}
}

func TestStats_AfterTraffic(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ts, _ := newTestServer(t, m, reg)

	warm, err := http.Get(ts.URL + "/proxy?url=" + upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	warm.Body.Close()

	var snap struct {
		TotalRequests  uint64 `json:"totalRequests"`
		Success        uint64 `json:"success"`
		ActiveSessions int    `json:"activeSessions"`
	}
	getJSON(t, ts.URL+"/api/stats", &snap)
	if snap.TotalRequests != 1 || snap.Success != 1 {
		t.Errorf("stats after one request: %+v", snap)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ts, _ := newTestServer(t, m, reg)

	warm, err := http.Get(ts.URL + "/proxy?url=" + upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	warm.Body.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "proxy_requests_total") {
		t.Error("Prometheus exposition should include the request counter")
	}
}

func TestStatsStream_EmitsEvents(t *testing.T) {
	ts, _ := newTestServer(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stats/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("content type: got %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "event:") {
		t.Errorf("first SSE line: got %q", line)
	}
}

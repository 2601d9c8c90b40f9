package client_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/shoutenbeepon-wq/rammerhead-proxy/client"
)

func TestNew_Defaults(t *testing.T) {
	c, err := client.New(client.Config{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c == nil {
		t.Fatal("New returned nil client")
	}
	if c.Jar != nil {
		t.Error("client must not carry a cookie jar, sessions own their cookies")
	}
	if c.Timeout != 10*time.Second {
		t.Errorf("timeout: got %v, want 10s", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport: got %T, want *http.Transport", c.Transport)
	}
	if tr.ResponseHeaderTimeout != 30*time.Second {
		t.Errorf("response header timeout: got %v, want 30s default", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != 100 || tr.MaxConnsPerHost != 200 {
		t.Errorf("pool limits: got idlePerHost=%d connsPerHost=%d",
			tr.MaxIdleConnsPerHost, tr.MaxConnsPerHost)
	}
}

func TestNew_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/next" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Redirect(w, r, "/next", http.StatusFound)
	}))
	defer srv.Close()

	c, err := client.New(client.Config{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Get(srv.URL + "/start")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status: got %d, want 302 passed through", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Error("Location header should survive for the browser to act on")
	}
}

func TestNew_InvalidProxy(t *testing.T) {
	_, err := client.New(client.Config{Proxy: "://bad-proxy"})
	if err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestNew_ProxyFuncWired(t *testing.T) {
	called := false
	c, err := client.New(client.Config{
		ProxyFunc: func(*http.Request) (*url.URL, error) { called = true; return nil, nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport: got %T, want *http.Transport", c.Transport)
	}
	if tr.Proxy == nil {
		t.Fatal("proxy function should be attached to the transport")
	}
	if _, err := tr.Proxy(&http.Request{}); err != nil {
		t.Fatalf("proxy func: %v", err)
	}
	if !called {
		t.Error("transport should invoke the supplied proxy function")
	}
}

func TestNew_ParrotTransport(t *testing.T) {
	c, err := client.New(client.Config{TLSParrot: true, HelloID: utls.HelloChrome_120})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Transport.(*http.Transport); ok {
		t.Error("parrot mode must not use the plain transport")
	}
}

func TestNew_ParrotRejectsProxy(t *testing.T) {
	_, err := client.New(client.Config{TLSParrot: true, Proxy: "http://127.0.0.1:9"})
	if err == nil {
		t.Error("parroting through an upstream proxy should be rejected")
	}
}

// Package upstream provides thread-safe rotation over a list of upstream
// proxies the forwarder can dial through.
package upstream

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Rotator holds a list of upstream proxy URLs and rotates through them in a
// round-robin fashion.
//
// Thread-safety: a sync.Mutex serialises all mutations of index, so Next may
// be called from any number of goroutines simultaneously without data races.
type Rotator struct {
	proxies []*url.URL
	index   int
	mutex   sync.Mutex
}

// LoadFile reads a newline-delimited list of proxy addresses from path and
// stores them in r. Lines that are blank or begin with '#' are ignored.
// Addresses without a scheme get "http://" prepended, so plain "host:port"
// entries work. Every surviving line must parse as a URL.
//
// LoadFile replaces any previously loaded proxies. It is the caller's
// responsibility not to call LoadFile concurrently with Next.
func (r *Rotator) LoadFile(path string) error {
	f, err := os.Open(path) // #nosec G304 – path is an operator-supplied config value
	if err != nil {
		return fmt.Errorf("upstream: open %q: %w", path, err)
	}
	defer f.Close()

	var loaded []*url.URL
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "http://" + line
		}
		u, err := url.Parse(line)
		if err != nil {
			return fmt.Errorf("upstream: parse proxy %q: %w", line, err)
		}
		loaded = append(loaded, u)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("upstream: read %q: %w", path, err)
	}

	r.mutex.Lock()
	r.proxies = loaded
	r.index = 0
	r.mutex.Unlock()
	return nil
}

// Next returns the next proxy in the rotation and advances the internal
// index. If no proxies are loaded it returns nil, signalling the caller to
// make a direct connection.
//
// The rotation is performed under the mutex so concurrent callers each
// receive a distinct proxy and the index never wraps incorrectly.
func (r *Rotator) Next() *url.URL {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.proxies) == 0 {
		return nil
	}
	u := r.proxies[r.index]
	r.index = (r.index + 1) % len(r.proxies)
	return u
}

// Count returns the number of loaded proxies.
func (r *Rotator) Count() int {
	r.mutex.Lock()
	n := len(r.proxies)
	r.mutex.Unlock()
	return n
}

// ProxyFunc adapts the rotator to the http.Transport.Proxy signature. Each
// outbound request draws the next upstream; an empty rotation yields nil,
// which the transport treats as a direct connection.
func (r *Rotator) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(*http.Request) (*url.URL, error) {
		return r.Next(), nil
	}
}

package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// browserFamily indexes the per-family parrot tables. The zero value is
// Chrome, the most common archetype.
type browserFamily int

const (
	familyChrome browserFamily = iota
	familyFirefox
	familySafari
	familyEdge
)

// familyForUserAgent classifies ua by its vendor token. Edge advertises both
// "Chrome/" and "Edg/", so the Edg check runs first; a "Safari/" token
// without a Chrome token means real Safari.
func familyForUserAgent(ua string) browserFamily {
	switch {
	case strings.Contains(ua, "Edg/"):
		return familyEdge
	case strings.Contains(ua, "Firefox/"):
		return familyFirefox
	case strings.Contains(ua, "Chrome/"), strings.Contains(ua, "CriOS/"):
		return familyChrome
	case strings.Contains(ua, "Safari/"):
		return familySafari
	default:
		return familyChrome
	}
}

// helloIDs maps each family to the uTLS parrot closest to the fingerprint
// generator's archetypes (Chrome 120 / Firefox 121 / Safari 17 / Edge 120
// era).
var helloIDs = map[browserFamily]utls.ClientHelloID{
	familyChrome:  utls.HelloChrome_120,
	familyFirefox: utls.HelloFirefox_120,
	familySafari:  utls.HelloSafari_16_0,
	familyEdge:    utls.HelloEdge_106,
}

// HelloIDForUserAgent returns the ClientHello parrot matching the browser a
// User-Agent header claims to be, so the TLS handshake and the request
// headers tell the same story. Unrecognised agents get the Chrome parrot.
func HelloIDForUserAgent(ua string) utls.ClientHelloID {
	return helloIDs[familyForUserAgent(ua)]
}

// UTLSDialer returns a DialTLSContext-compatible function that performs the
// TLS handshake with the uTLS library, presenting the ClientHello of the
// browser described by helloID instead of the crypto/tls default. Origins
// that fingerprint the handshake (JA3/JA4) then see a real browser rather
// than a Go client.
//
// The returned dialer is safe for concurrent use and wires directly into an
// http2.Transport.DialTLSContext field. tlsCfg may be nil; when present, its
// ServerName overrides the SNI derived from addr.
func UTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
		sni, err := sniForAddr(addr, tlsCfg)
		if err != nil {
			return nil, err
		}

		var d net.Dialer
		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}

		conn, err := parrotHandshake(ctx, raw, sni, helloID, tlsCfg != nil && tlsCfg.InsecureSkipVerify)
		if err != nil {
			_ = raw.Close()
			return nil, err
		}
		return conn, nil
	}
}

// UTLSDialerHTTP1 is identical to UTLSDialer but returns a function whose
// signature matches http.Transport.DialTLSContext, which does not receive a
// *tls.Config argument (the SNI is derived solely from the addr parameter).
func UTLSDialerHTTP1(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	inner := UTLSDialer(helloID)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return inner(ctx, network, addr, nil)
	}
}

// sniForAddr picks the SNI hostname: the caller's ServerName when set (the
// http2 layer passes its TLSClientConfig through), otherwise the host part
// of addr.
func sniForAddr(addr string, tlsCfg *tls.Config) (string, error) {
	if tlsCfg != nil && tlsCfg.ServerName != "" {
		return tlsCfg.ServerName, nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("client: parse addr %q: %w", addr, err)
	}
	return host, nil
}

// parrotHandshake upgrades raw to TLS presenting helloID's ClientHello. For
// ids with a published parrot table the full ClientHelloSpec is applied
// explicitly: GREASE placeholders, the browser's cipher-suite order, and its
// extension ordering. Ids without a table fall back to uTLS's own preset at
// handshake time.
func parrotHandshake(ctx context.Context, raw net.Conn, sni string, helloID utls.ClientHelloID, insecure bool) (net.Conn, error) {
	// The applied preset overrides most of a caller's tls.Config, so only
	// the fields uTLS still respects are carried over.
	cfg := &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure, // #nosec G402 – caller-controlled
	}

	conn := utls.UClient(raw, cfg, helloID)
	if spec, err := utls.UTLSIdToSpec(helloID); err == nil {
		if err := conn.ApplyPreset(&spec); err != nil {
			return nil, fmt.Errorf("client: apply %s preset: %w", helloID.Str(), err)
		}
	}

	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("client: TLS handshake with %s: %w", sni, err)
	}
	return conn, nil
}

package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// wsHandshakeTimeout bounds the upstream upgrade handshake.
const wsHandshakeTimeout = 12 * time.Second

// wsUpgrader accepts the client side of the relay. CheckOrigin admits every
// origin: the proxy exists to serve cross-origin callers.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// ForwardWebSocket relays a client upgrade to the target origin and then
// shuttles messages in both directions until either side closes.
//
// The upstream is dialed first so a refused origin turns into a plain 502
// before the client connection is ever hijacked. Header spoofing is not
// applied to WebSocket traffic: only the client's own user agent, the
// session's cookies, and a same-origin Origin header travel upstream.
func (p *Pipeline) ForwardWebSocket(w http.ResponseWriter, r *http.Request, preq *Request) {
	start := time.Now()

	target, err := wsTarget(preq.Target)
	if err != nil {
		p.respondError(w, http.StatusBadRequest, "invalid target URL", err.Error())
		return
	}
	sess := p.resolveSession(preq.SessionID)

	header := http.Header{}
	if ua := preq.Header.Get("User-Agent"); ua != "" {
		header.Set("User-Agent", ua)
	}
	header.Set("Origin", wsOrigin(target))
	if sess != nil {
		if cookie := sess.CookieHeader(target.Hostname()); cookie != "" {
			header.Set("Cookie", cookie)
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	upstreamConn, resp, err := dialer.Dial(target.String(), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		p.log.Warnf("websocket dial failed: target=%s err=%v", target.Host, err)
		p.respondError(w, http.StatusBadGateway, "upstream websocket dial failed", err.Error())
		return
	}
	defer upstreamConn.Close()

	// Carry the negotiated subprotocol back to the client.
	var respHeader http.Header
	if sub := upstreamConn.Subprotocol(); sub != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {sub}}
	}
	clientConn, err := wsUpgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already answered the client with an error status.
		p.log.Warnf("client websocket upgrade failed: %v", err)
		return
	}
	defer clientConn.Close()

	if p.metrics != nil {
		p.metrics.IncWSConnections()
		defer p.metrics.DecWSConnections()
	}
	p.log.Debugf("websocket relay open: target=%s session=%s", target.Host, preq.SessionID)

	errc := make(chan error, 2)
	go func() { errc <- relayMessages(clientConn, upstreamConn) }()
	go func() { errc <- relayMessages(upstreamConn, clientConn) }()
	err = <-errc

	// Propagate the close frame to whichever peer is still up, echoing the
	// initiator's close code when there is one.
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		closeMsg = websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	deadline := time.Now().Add(time.Second)
	_ = clientConn.WriteControl(websocket.CloseMessage, closeMsg, deadline)
	_ = upstreamConn.WriteControl(websocket.CloseMessage, closeMsg, deadline)

	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		p.log.Debugf("websocket relay ended: %v", err)
	}

	if preq.SessionID != "" {
		p.store.LogRequest(preq.SessionID, "WS", preq.Target,
			http.StatusSwitchingProtocols, time.Since(start))
	}
}

// relayMessages copies messages from src to dst until either side fails.
func relayMessages(dst, src *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}

// wsTarget normalises the target to a ws/wss URL, accepting http/https
// spellings of the same origin.
func wsTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("target URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("target URL has no host")
	}
	return u, nil
}

// wsOrigin renders the http(s) origin matching a ws(s) target.
func wsOrigin(ws *url.URL) string {
	scheme := "http"
	if ws.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + ws.Host
}

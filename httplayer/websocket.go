package httplayer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/denisvmedia/go-proxycore/service"
)

// Hijacked carries the raw client connection into an upgrade handshake
// handler. The transport serving the request stores it as a Context
// extension before invoking the layer stack.
type Hijacked struct {
	Conn       net.Conn
	ReadWriter *bufio.ReadWriter
}

// WebSocketBridge is a HandshakeHandler that completes the RFC 6455
// handshake with the client and re-initiates it toward the origin,
// relaying messages in both directions.
//
// When the client offers permessage-deflate the bridge mirrors the
// extension on both legs, so compressed traffic stays compressed across
// the hop in either direction.
type WebSocketBridge struct {
	// Dialer dials the origin; nil uses a dialer derived from
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Inspect, when set, observes every relayed message and may rewrite
	// it. clientToOrigin is true for client-to-origin traffic.
	Inspect func(clientToOrigin bool, messageType int, data []byte) []byte
}

// Handshake implements HandshakeHandler. The 101 response is written to
// the hijacked connection directly; the returned response records the
// switch for the layer stack and must not be re-serialized.
func (b *WebSocketBridge) Handshake(ctx *service.Context, req *http.Request) (*http.Response, *http.Request, error) {
	logger := slog.Default().With(
		"in", "httplayer.WebSocketBridge.Handshake",
		"host", req.Host,
	)

	hijacked, ok := service.Get[Hijacked](ctx.Extensions())
	if !ok {
		return nil, nil, fmt.Errorf("websocket bridge: no hijacked connection in context")
	}

	deflateOffered := headerContainsExtension(req.Header, "permessage-deflate")

	dialer := b.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}
	dialer.EnableCompression = deflateOffered
	dialer.Subprotocols = req.Header.Values("Sec-Websocket-Protocol")

	originURL := *req.URL
	switch originURL.Scheme {
	case "https", "wss":
		originURL.Scheme = "wss"
	default:
		originURL.Scheme = "ws"
	}
	if originURL.Host == "" {
		originURL.Host = req.Host
	}

	forwardHeader := make(http.Header)
	for name, values := range req.Header {
		switch strings.ToLower(name) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			// The dialer generates its own handshake headers.
			continue
		}
		forwardHeader[name] = values
	}

	origin, originResp, err := dialer.Dial(originURL.String(), forwardHeader)
	if err != nil {
		if originResp != nil {
			return originResp, nil, nil
		}
		return nil, nil, fmt.Errorf("websocket bridge: dial origin: %w", err)
	}

	upgrader := websocket.Upgrader{
		EnableCompression: deflateOffered,
		Subprotocols:      []string{origin.Subprotocol()},
		CheckOrigin:       func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(&hijackedResponseWriter{hijacked: hijacked}, req, nil)
	if err != nil {
		origin.Close()
		return nil, nil, fmt.Errorf("websocket bridge: upgrade client: %w", err)
	}

	logger.Debug("websocket bridged", "origin", originURL.String(), "deflate", deflateOffered)

	done := make(chan struct{}, 2)
	relay := func(src, dst *websocket.Conn, clientToOrigin bool) {
		defer func() { done <- struct{}{} }()
		for {
			messageType, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			if b.Inspect != nil {
				data = b.Inspect(clientToOrigin, messageType, data)
				if data == nil {
					continue
				}
			}
			if err := dst.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}

	go relay(client, origin, true)
	go relay(origin, client, false)
	go func() {
		select {
		case <-done:
		case <-ctx.Guard().Done():
		}
		client.Close()
		origin.Close()
	}()

	return switchingProtocols(req), nil, nil
}

func switchingProtocols(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode: http.StatusSwitchingProtocols,
		Status:     "101 Switching Protocols",
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
}

func headerContainsExtension(h http.Header, ext string) bool {
	for _, value := range h.Values("Sec-Websocket-Extensions") {
		for _, offer := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(offer, ";")
			if strings.EqualFold(strings.TrimSpace(name), ext) {
				return true
			}
		}
	}
	return false
}

// hijackedResponseWriter adapts a raw connection to the ResponseWriter +
// Hijacker pair gorilla's Upgrader writes the handshake through.
type hijackedResponseWriter struct {
	hijacked Hijacked
	header   http.Header
}

func (w *hijackedResponseWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *hijackedResponseWriter) Write(b []byte) (int, error) {
	return w.hijacked.Conn.Write(b)
}

func (w *hijackedResponseWriter) WriteHeader(int) {}

func (w *hijackedResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := w.hijacked.ReadWriter
	if rw == nil {
		rw = bufio.NewReadWriter(
			bufio.NewReader(w.hijacked.Conn),
			bufio.NewWriter(w.hijacked.Conn),
		)
	}
	return w.hijacked.Conn, rw, nil
}

var (
	_ http.ResponseWriter = (*hijackedResponseWriter)(nil)
	_ http.Hijacker       = (*hijackedResponseWriter)(nil)
	_ io.Writer           = (*hijackedResponseWriter)(nil)
)

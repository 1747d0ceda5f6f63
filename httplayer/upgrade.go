package httplayer

import (
	"net/http"
	"strings"

	"github.com/denisvmedia/go-proxycore/service"
)

// HandshakeHandler completes a matched upgrade. It returns the response
// to send toward the client and, optionally, a rehydrated request to
// forward to the inner service instead of the original. Returning a nil
// response with a non-nil request means "forward, nothing to reply yet".
type HandshakeHandler func(ctx *service.Context, req *http.Request) (*http.Response, *http.Request, error)

// Upgrade matches an HTTP method (plus an optional extra predicate) and
// hands matching requests to a handshake handler. Requests that do not
// match are forwarded untouched.
func Upgrade(method string, matcher func(*http.Request) bool, handler HandshakeHandler) Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			if req.Method != method || (matcher != nil && !matcher(req)) {
				return next.Serve(ctx, req)
			}

			resp, rehydrated, err := handler(ctx, req)
			if err != nil {
				return nil, err
			}
			if rehydrated != nil {
				return next.Serve(ctx, rehydrated)
			}
			return resp, nil
		})
	}
}

// IsWebSocketUpgrade matches requests asking for an RFC 6455 upgrade.
func IsWebSocketUpgrade(req *http.Request) bool {
	return headerContainsToken(req.Header, "Connection", "upgrade") &&
		headerContainsToken(req.Header, "Upgrade", "websocket")
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, item := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(item), token) {
				return true
			}
		}
	}
	return false
}

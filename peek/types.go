package peek

import (
	"net"
	"net/http"
	"strconv"

	"github.com/denisvmedia/go-proxycore/internal/helper"
)

// ProxyTarget is the authority a connection or request is destined for.
type ProxyTarget struct {
	Host string
	Port uint16
}

// Authority renders the target as host:port.
func (t ProxyTarget) Authority() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// TransportContext describes the intended protocol and authority of a
// connection, derived from its first message and cached in the request
// Context to avoid re-parsing.
type TransportContext struct {
	Scheme string
	Target ProxyTarget
}

// Secure reports whether the transport scheme implies TLS.
func (t TransportContext) Secure() bool {
	switch t.Scheme {
	case "https", "wss", "h2":
		return true
	}
	return false
}

// RequestContext carries the peer socket information of the connection a
// request arrived on.
type RequestContext struct {
	RemoteAddr net.Addr
	LocalAddr  net.Addr
}

// TransportContextFromRequest derives the transport context from the
// first message of a connection: the request's scheme and authority,
// with the well-known port filled in when the authority omits one.
func TransportContextFromRequest(req *http.Request) TransportContext {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if req.URL != nil && req.URL.Scheme != "" {
		scheme = req.URL.Scheme
	}

	authority := req.Host
	if authority == "" && req.URL != nil {
		// CanonicalAddr always yields a ":port" suffix for known schemes.
		authority = helper.CanonicalAddr(req.URL)
	}

	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		host = authority
		portStr = helper.DefaultPort(scheme)
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)

	return TransportContext{
		Scheme: scheme,
		Target: ProxyTarget{Host: host, Port: uint16(port)},
	}
}

// Package forwarded builds and extends RFC 7239 Forwarded headers, plus
// the legacy X-Forwarded-* and Via variants emitted by proxies that
// predate the standard.
package forwarded

import (
	"net/http"
	"strings"
)

// DefaultNode is the "by" identity used when none is configured.
const DefaultNode = "rama"

// Element is a single hop entry in a Forwarded chain.
type Element struct {
	By    string
	For   string
	Host  string
	Proto string
}

// needsQuoting reports whether an RFC 7239 value must be rendered as a
// quoted-string rather than a token. Host:port pairs and bracketed IPv6
// addresses both contain ':' and therefore always quote.
func needsQuoting(v string) bool {
	return strings.ContainsAny(v, ":[]")
}

func writePair(b *strings.Builder, key, value string) {
	if b.Len() > 0 {
		b.WriteByte(';')
	}
	b.WriteString(key)
	b.WriteByte('=')
	if needsQuoting(value) {
		b.WriteByte('"')
		b.WriteString(value)
		b.WriteByte('"')
	} else {
		b.WriteString(value)
	}
}

// String renders the element in by;for;host;proto order, omitting empty
// parameters.
func (e Element) String() string {
	var b strings.Builder
	if e.By != "" {
		writePair(&b, "by", e.By)
	}
	if e.For != "" {
		writePair(&b, "for", e.For)
	}
	if e.Host != "" {
		writePair(&b, "host", e.Host)
	}
	if e.Proto != "" {
		writePair(&b, "proto", e.Proto)
	}
	return b.String()
}

// Append adds el to the request's Forwarded chain, preserving any existing
// elements. Multiple Forwarded header lines are first collapsed into one.
func Append(h http.Header, el Element) {
	chain := strings.Join(h.Values("Forwarded"), ", ")
	h.Del("Forwarded")
	if chain == "" {
		h.Set("Forwarded", el.String())
		return
	}
	h.Set("Forwarded", chain+", "+el.String())
}

// AppendXForwardedFor appends the peer IP to X-Forwarded-For.
func AppendXForwardedFor(h http.Header, peerIP string) {
	prior := strings.Join(h.Values("X-Forwarded-For"), ", ")
	h.Del("X-Forwarded-For")
	if prior == "" {
		h.Set("X-Forwarded-For", peerIP)
		return
	}
	h.Set("X-Forwarded-For", prior+", "+peerIP)
}

// SetXForwardedHost records the original authority, keeping the first
// value observed along the chain.
func SetXForwardedHost(h http.Header, host string) {
	if h.Get("X-Forwarded-Host") == "" {
		h.Set("X-Forwarded-Host", host)
	}
}

// SetXForwardedProto records the original scheme, keeping the first value
// observed along the chain.
func SetXForwardedProto(h http.Header, proto string) {
	if h.Get("X-Forwarded-Proto") == "" {
		h.Set("X-Forwarded-Proto", proto)
	}
}

// AppendVia appends this hop to the Via chain. entry is the
// "protocol-version node" pair, e.g. "1.1 rama".
func AppendVia(h http.Header, entry string) {
	prior := strings.Join(h.Values("Via"), ", ")
	h.Del("Via")
	if prior == "" {
		h.Set("Via", entry)
		return
	}
	h.Set("Via", prior+", "+entry)
}

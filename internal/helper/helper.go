package helper

import (
	"net"
	"net/url"

	"github.com/tidwall/match"
)

var portMap = map[string]string{
	"http":   "80",
	"https":  "443",
	"ws":     "80",
	"wss":    "443",
	"socks5": "1080",
}

// CanonicalAddr returns url.Host but always with a ":port" suffix.
func CanonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = portMap[u.Scheme]
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// DefaultPort returns the well-known port for a scheme, or "" if unknown.
func DefaultPort(scheme string) string {
	return portMap[scheme]
}

// https://github.com/mitmproxy/mitmproxy/blob/main/mitmproxy/net/tls.py is_tls_record_magic
func IsTLS(buf []byte) bool {
	if buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03 {
		return true
	}
	return false
}

// MatchHost reports whether address (host or host:port) matches any of the
// patterns. Patterns may carry a glob per tidwall/match ("*.example.com")
// and an optional ":port" that, when present, must match exactly.
func MatchHost(address string, hosts []string) bool {
	addrHost, addrPort, err := net.SplitHostPort(address)
	if err != nil {
		addrHost = address
		addrPort = ""
	}
	for _, pattern := range hosts {
		patHost, patPort, err := net.SplitHostPort(pattern)
		if err != nil {
			patHost = pattern
			patPort = ""
		}
		if patPort != "" && patPort != addrPort {
			continue
		}
		if match.Match(addrHost, patHost) {
			return true
		}
	}
	return false
}

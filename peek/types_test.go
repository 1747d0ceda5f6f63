package peek_test

import (
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/peek"
)

func TestProxyTargetAuthority(t *testing.T) {
	c := qt.New(t)

	target := peek.ProxyTarget{Host: "www.example.com", Port: 443}
	c.Assert(target.Authority(), qt.Equals, "www.example.com:443")

	v6 := peek.ProxyTarget{Host: "::1", Port: 8080}
	c.Assert(v6.Authority(), qt.Equals, "[::1]:8080")
}

func TestTransportContextSecure(t *testing.T) {
	c := qt.New(t)

	c.Assert(peek.TransportContext{Scheme: "https"}.Secure(), qt.IsTrue)
	c.Assert(peek.TransportContext{Scheme: "wss"}.Secure(), qt.IsTrue)
	c.Assert(peek.TransportContext{Scheme: "http"}.Secure(), qt.IsFalse)
}

func TestTransportContextFromRequest(t *testing.T) {
	c := qt.New(t)

	req := httptest.NewRequest("GET", "https://www.example.com/path", nil)
	tc := peek.TransportContextFromRequest(req)
	c.Assert(tc.Scheme, qt.Equals, "https")
	c.Assert(tc.Target.Host, qt.Equals, "www.example.com")
	c.Assert(tc.Target.Port, qt.Equals, uint16(443))

	req = httptest.NewRequest("GET", "http://api.example.org:8080/x", nil)
	tc = peek.TransportContextFromRequest(req)
	c.Assert(tc.Scheme, qt.Equals, "http")
	c.Assert(tc.Target.Authority(), qt.Equals, "api.example.org:8080")
}

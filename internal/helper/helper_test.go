package helper_test

import (
	"net/url"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/internal/helper"
)

func TestCanonicalAddrAddsDefaultHTTPPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("http://example.com/path")
	c.Assert(helper.CanonicalAddr(u), qt.Equals, "example.com:80")
}

func TestCanonicalAddrAddsDefaultHTTPSPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("https://example.com/path")
	c.Assert(helper.CanonicalAddr(u), qt.Equals, "example.com:443")
}

func TestCanonicalAddrAddsDefaultSocksPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("socks5://example.com")
	c.Assert(helper.CanonicalAddr(u), qt.Equals, "example.com:1080")
}

func TestCanonicalAddrPreservesExplicitPort(t *testing.T) {
	c := qt.New(t)

	u, _ := url.Parse("http://example.com:8080/path")
	c.Assert(helper.CanonicalAddr(u), qt.Equals, "example.com:8080")
}

func TestDefaultPort(t *testing.T) {
	c := qt.New(t)

	c.Assert(helper.DefaultPort("http"), qt.Equals, "80")
	c.Assert(helper.DefaultPort("https"), qt.Equals, "443")
	c.Assert(helper.DefaultPort("ws"), qt.Equals, "80")
	c.Assert(helper.DefaultPort("wss"), qt.Equals, "443")
	c.Assert(helper.DefaultPort("socks5"), qt.Equals, "1080")
	c.Assert(helper.DefaultPort("gopher"), qt.Equals, "")
}

func TestIsTLSDetectsTLSHandshake(t *testing.T) {
	c := qt.New(t)

	bufTLS := []byte{0x16, 0x03, 0x03, 0x00}
	c.Assert(helper.IsTLS(bufTLS), qt.IsTrue)
}

func TestIsTLSRejectsNonTLS(t *testing.T) {
	c := qt.New(t)

	bufNonTLS := []byte{0x15, 0x03, 0x04, 0x00}
	c.Assert(helper.IsTLS(bufNonTLS), qt.IsFalse)
}

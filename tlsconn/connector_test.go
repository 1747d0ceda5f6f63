package tlsconn_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/cert"
	"github.com/denisvmedia/go-proxycore/peek"
	"github.com/denisvmedia/go-proxycore/service"
	"github.com/denisvmedia/go-proxycore/tlsconn"
)

// startTLSServer serves a single handshake-and-echo exchange on the given
// conn, presenting a forged certificate for host.
func startTLSServer(t *testing.T, ca cert.CA, conn net.Conn, host string) {
	t.Helper()
	leaf, err := ca.GetCert(host)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		srv := tls.Server(conn, &tls.Config{
			Certificates: []tls.Certificate{*leaf},
			NextProtos:   []string{"h2", "http/1.1"},
		})
		if err := srv.Handshake(); err != nil {
			return
		}
		buf := make([]byte, 32)
		n, err := srv.Read(buf)
		if err != nil {
			return
		}
		srv.Write(buf[:n])
		srv.Close()
	}()
}

func secureCtx(host string, port uint16, rootCA *x509.Certificate, keepChain bool) *service.Context {
	ctx := service.NewContext(context.Background())
	ctx.Extensions().Set(peek.TransportContext{
		Scheme: "https",
		Target: peek.ProxyTarget{Host: host, Port: port},
	})
	pool := x509.NewCertPool()
	pool.AddCert(rootCA)
	ctx.Extensions().Set(&tlsconn.ConnectorData{
		NextProtos:           []string{"h2", "http/1.1"},
		RootCAs:              pool,
		KeepPeerCertificates: keepChain,
	})
	return ctx
}

func TestAutoSecureHandshake(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	client, server := net.Pipe()
	startTLSServer(t, ca, server, "www.example.com")

	ctx := secureCtx("www.example.com", 443, ca.GetRootCA(), false)
	stream, err := tlsconn.NewAuto().Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	c.Assert(stream.Secured(), qt.IsTrue)

	_, err = stream.Write([]byte("ping"))
	c.Assert(err, qt.IsNil)
	buf := make([]byte, 4)
	_, err = stream.Read(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "ping")

	params, ok := service.Get[tlsconn.NegotiatedParameters](ctx.Extensions())
	c.Assert(ok, qt.IsTrue)
	c.Assert(params.ALPN, qt.Equals, "h2")
	c.Assert(params.Version >= tls.VersionTLS12, qt.IsTrue)
	c.Assert(params.PeerCertificates, qt.IsNil, qt.Commentf("chain retention is opt-in"))
}

func TestAutoPlainPassthrough(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer server.Close()

	ctx := service.NewContext(context.Background())
	ctx.Extensions().Set(peek.TransportContext{
		Scheme: "http",
		Target: peek.ProxyTarget{Host: "www.example.com", Port: 80},
	})

	stream, err := tlsconn.NewAuto().Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	c.Assert(stream.Secured(), qt.IsFalse)

	_, ok := service.Get[tlsconn.NegotiatedParameters](ctx.Extensions())
	c.Assert(ok, qt.IsFalse, qt.Commentf("no handshake, no parameters"))
	client.Close()
}

func TestSecureKeepsPeerChain(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	client, server := net.Pipe()
	startTLSServer(t, ca, server, "www.example.com")

	ctx := secureCtx("www.example.com", 443, ca.GetRootCA(), true)
	stream, err := tlsconn.NewSecure().Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	defer stream.Close()

	params, ok := service.Get[tlsconn.NegotiatedParameters](ctx.Extensions())
	c.Assert(ok, qt.IsTrue)
	c.Assert(len(params.PeerCertificates) > 0, qt.IsTrue)
	c.Assert(params.PeerCertificates[0].Subject.CommonName, qt.Equals, "www.example.com")
}

func TestTunnelWithoutRequestPassesThrough(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx := service.NewContext(context.Background())
	stream, err := tlsconn.NewTunnel().Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	c.Assert(stream.Secured(), qt.IsFalse)
}

func TestTunnelHonorsHostPatterns(t *testing.T) {
	c := qt.New(t)

	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	// A tunnel request for a host outside the configured patterns stays
	// plain.
	ctx := service.NewContext(context.Background())
	ctx.Extensions().Set(tlsconn.TunnelRequest{Host: "other.test"})

	stream, err := tlsconn.NewTunnel("*.example.com").Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	c.Assert(stream.Secured(), qt.IsFalse)
}

func TestTunnelRequestedHandshake(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	client, server := net.Pipe()
	startTLSServer(t, ca, server, "edge.example.com")

	pool := x509.NewCertPool()
	pool.AddCert(ca.GetRootCA())

	ctx := service.NewContext(context.Background())
	ctx.Extensions().Set(tlsconn.TunnelRequest{Host: "edge.example.com"})
	ctx.Extensions().Set(&tlsconn.ConnectorData{RootCAs: pool})

	stream, err := tlsconn.NewTunnel("*.example.com").Serve(ctx, client)
	c.Assert(err, qt.IsNil)
	defer stream.Close()
	c.Assert(stream.Secured(), qt.IsTrue)
}

func TestClientHelloConnectorData(t *testing.T) {
	c := qt.New(t)

	hello := tlsconn.ClientHello{Info: &tls.ClientHelloInfo{
		ServerName:        "www.example.com",
		SupportedProtos:   []string{"h2", "http/1.1"},
		CipherSuites:      []uint16{tls.TLS_AES_128_GCM_SHA256},
		SupportedVersions: []uint16{tls.VersionTLS13, tls.VersionTLS12},
	}}

	data := hello.ConnectorData()
	c.Assert(data.ServerName, qt.Equals, "www.example.com")
	c.Assert(data.NextProtos, qt.DeepEquals, []string{"h2", "http/1.1"})
	c.Assert(data.MinVersion, qt.Equals, uint16(tls.VersionTLS12))
	c.Assert(data.MaxVersion, qt.Equals, uint16(tls.VersionTLS13))
}

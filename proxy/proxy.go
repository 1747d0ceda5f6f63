// Package proxy composes the core building blocks into a runnable
// intercepting listener: a single port peek-routes TLS, cleartext
// HTTP/2, HTTP/1 and SOCKS5 traffic, terminates TLS with certificates
// forged by the configured CA, and serves the intercepted streams
// through the HTTP/2 state machine and the caller's layer stack.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/denisvmedia/go-proxycore/cert"
	"github.com/denisvmedia/go-proxycore/http2srv"
	"github.com/denisvmedia/go-proxycore/httplayer"
	"github.com/denisvmedia/go-proxycore/internal/helper"
	"github.com/denisvmedia/go-proxycore/peek"
	"github.com/denisvmedia/go-proxycore/service"
	"github.com/denisvmedia/go-proxycore/socks5"
	"github.com/denisvmedia/go-proxycore/tlsconn"
	"github.com/denisvmedia/go-proxycore/version"
)

// Config configures a Proxy. Every field is optional: an empty Addr
// listens on ":http", a nil HTTP answers every intercepted stream with
// 502, a nil HTTP1 installs the built-in CONNECT entry, and a nil SOCKS5
// or Fallback rejects that traffic class.
type Config struct {
	Addr string

	// HTTP is the inner service intercepted HTTP/2 streams are
	// dispatched to.
	HTTP http2srv.Handler

	// H2 tunes the HTTP/2 server state machine.
	H2 http2srv.Config

	// HTTP1 optionally handles cleartext HTTP/1.x connections. Nil
	// installs the built-in CONNECT tunnel entry.
	HTTP1 peek.Handler

	// Authenticate, when set, gates the built-in CONNECT entry behind
	// Basic proxy authentication.
	Authenticate httplayer.CredentialCheck

	// SOCKS5 optionally serves SOCKS5 traffic arriving on the same
	// listener.
	SOCKS5 *socks5.Acceptor

	// Fallback receives connections no classifier matched. Nil rejects.
	Fallback peek.Handler
}

// Proxy is a single-listener intercepting proxy.
type Proxy struct {
	Version string

	config Config
	ca     cert.CA
	h2     *http2srv.Server
	router *peek.Router
	guard  *service.Guard

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	connWG sync.WaitGroup
}

// NewProxy creates a proxy from config and the CA used to forge
// termination certificates.
func NewProxy(config Config, ca cert.CA) (*Proxy, error) {
	if config.HTTP == nil {
		config.HTTP = http2srv.HandlerFunc(func(_ *service.Context, req *http2srv.Request) (*http2srv.Response, error) {
			return &http2srv.Response{
				Status:        http.StatusBadGateway,
				ContentLength: 0,
			}, nil
		})
	}

	p := &Proxy{
		Version: version.Version,
		config:  config,
		ca:      ca,
		h2:      http2srv.NewServer(config.H2),
		guard:   service.NewGuard(context.Background()),
	}

	h2Handler := peek.HandlerFunc(func(ctx *service.Context, conn net.Conn) error {
		return p.h2.ServeConn(ctx, conn, p.config.HTTP)
	})

	var socksHandler peek.Handler
	if config.SOCKS5 != nil {
		socksHandler = config.SOCKS5
	}

	http1 := config.HTTP1
	if http1 == nil {
		http1 = peek.HandlerFunc(p.handleHTTP1)
	}

	p.router = &peek.Router{
		TLS:      peek.HandlerFunc(p.terminateTLS),
		HTTP2:    h2Handler,
		HTTP1:    http1,
		SOCKS5:   socksHandler,
		Fallback: config.Fallback,
	}

	return p, nil
}

// Start listens on the configured address and serves until Close or
// Shutdown. It blocks.
func (p *Proxy) Start() error {
	addr := p.config.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	p.ln = ln
	p.mu.Unlock()

	slog.Info("proxy listening", "addr", ln.Addr())
	return p.serve(ln)
}

// Addr returns the bound listener address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

func (p *Proxy) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		p.connWG.Add(1)
		go func() {
			defer p.connWG.Done()
			ctx := service.NewContext(p.guard.Context())
			if _, err := p.router.Serve(ctx, conn); err != nil {
				slog.Debug("connection ended with error",
					"in", "proxy.Proxy.serve",
					"remote_addr", conn.RemoteAddr(),
					"error", err,
				)
			}
			ctx.Guard().Cancel()
			conn.Close()
		}()
	}
}

// terminateTLS terminates the client's TLS with a forged certificate and
// routes the decrypted stream: h2 by ALPN or preface, otherwise the
// HTTP/1 handler or fallback.
func (p *Proxy) terminateTLS(ctx *service.Context, conn net.Conn) error {
	logger := slog.Default().With(
		"in", "proxy.Proxy.terminateTLS",
		"remote_addr", conn.RemoteAddr(),
	)

	tlsConn := tls.Server(conn, &tls.Config{
		NextProtos:   []string{"h2", "http/1.1"},
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Retain the offer so outbound TLS can mirror it.
			ctx.Extensions().Set(tlsconn.ClientHello{Info: hello})

			name := hello.ServerName
			if name == "" {
				if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
					name = host
				}
			}
			return p.ca.GetCert(name)
		},
	})
	if err := tlsConn.HandshakeContext(ctx.Std()); err != nil {
		return err
	}

	state := tlsConn.ConnectionState()
	ctx.Extensions().Set(tlsconn.NegotiatedParameters{
		Version: state.Version,
		ALPN:    state.NegotiatedProtocol,
	})
	if state.ServerName != "" {
		ctx.Extensions().Set(peek.TransportContext{
			Scheme: "https",
			Target: peek.ProxyTarget{Host: state.ServerName, Port: 443},
		})
	}
	logger.Debug("tls terminated", "server_name", state.ServerName, "alpn", state.NegotiatedProtocol)

	if state.NegotiatedProtocol == "h2" {
		return p.h2.ServeConn(ctx, tlsConn, p.config.HTTP)
	}

	inner := &peek.Router{
		HTTP2:    peek.HandlerFunc(func(ctx *service.Context, c net.Conn) error { return p.h2.ServeConn(ctx, c, p.config.HTTP) }),
		HTTP1:    p.config.HTTP1,
		Fallback: p.config.Fallback,
	}
	_, err := inner.Serve(ctx, tlsConn)
	return err
}

// Close stops the proxy immediately, cancelling every connection.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closed = true
	ln := p.ln
	p.mu.Unlock()

	p.guard.Cancel()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Shutdown stops accepting and waits for active connections to finish,
// up to the context deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ln := p.ln
	p.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		p.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.guard.Cancel()
		return ctx.Err()
	}
}

// GetCertificate returns the CA root certificate for installing into a
// client trust store.
func (p *Proxy) GetCertificate() x509.Certificate {
	return *p.ca.GetRootCA()
}

// GetCertificateByCN forges (or fetches from cache) the leaf for a
// common name.
func (p *Proxy) GetCertificateByCN(commonName string) (*tls.Certificate, error) {
	return p.ca.GetCert(commonName)
}

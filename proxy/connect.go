package proxy

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/denisvmedia/go-proxycore/httplayer"
	"github.com/denisvmedia/go-proxycore/peek"
	"github.com/denisvmedia/go-proxycore/service"
)

// handleHTTP1 is the default cleartext HTTP/1 entry: it accepts a
// CONNECT request, optionally enforces proxy authentication, replies
// 200 and feeds the tunneled bytes back through the peek router so TLS
// gets terminated and HTTP/2 served inside the tunnel.
func (p *Proxy) handleHTTP1(ctx *service.Context, conn net.Conn) error {
	logger := slog.Default().With(
		"in", "proxy.Proxy.handleHTTP1",
		"remote_addr", conn.RemoteAddr(),
	)

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return fmt.Errorf("read http/1 request: %w", err)
	}

	if req.Method != http.MethodConnect {
		io.WriteString(conn, "HTTP/1.1 405 Method Not Allowed\r\nAllow: CONNECT\r\nContent-Length: 0\r\n\r\n")
		return nil
	}

	if p.config.Authenticate != nil {
		username, password, ok := httplayer.ParseBasicProxyAuth(req.Header.Get("Proxy-Authorization"))
		if !ok || !p.config.Authenticate(username, password) {
			logger.Debug("proxy authentication failed", "host", req.Host)
			io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\nContent-Length: 0\r\n\r\n")
			return nil
		}
		ctx.Extensions().Set(httplayer.User{Name: username})
	}

	ctx.Extensions().Set(peek.TransportContextFromRequest(req))
	logger.Debug("connect tunnel accepted", "authority", req.Host)

	if _, err := io.WriteString(conn, "HTTP/1.1 200 OK\r\n\r\n"); err != nil {
		return fmt.Errorf("write connect response: %w", err)
	}

	// The request reader may have buffered the first tunnel bytes.
	tunneled := &bufferedConn{Conn: conn, r: br}
	inner := &peek.Router{
		TLS: peek.HandlerFunc(p.terminateTLS),
		HTTP2: peek.HandlerFunc(func(ctx *service.Context, c net.Conn) error {
			return p.h2.ServeConn(ctx, c, p.config.HTTP)
		}),
		Fallback: p.config.Fallback,
	}
	_, err = inner.Serve(ctx, peek.NewConn(tunneled))
	return err
}

// bufferedConn re-emits bytes a bufio.Reader consumed past the request
// head before exposing the underlying connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

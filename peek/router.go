package peek

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/samber/lo"

	"github.com/denisvmedia/go-proxycore/internal/helper"
	"github.com/denisvmedia/go-proxycore/service"
)

// Protocol identifies what a connection's first bytes look like.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolHTTP1
	ProtocolHTTP2
	ProtocolSOCKS5
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTLS:
		return "tls"
	case ProtocolHTTP1:
		return "http/1.x"
	case ProtocolHTTP2:
		return "http/2"
	case ProtocolSOCKS5:
		return "socks5"
	default:
		return "unknown"
	}
}

// H2Preface is the exact byte sequence an HTTP/2 client sends first in
// prior-knowledge mode.
const H2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// PrefixLen is the most bytes the router peeks: the HTTP/2 preface is the
// longest prefix any rule needs.
const PrefixLen = len(H2Preface)

// httpMethods is the method keyword family sniffed for HTTP/1.x, each with
// its trailing space. Extension methods are deliberately absent; they fall
// through to the fallback handler.
var httpMethods = []string{
	"GET ",
	"POST ",
	"PUT ",
	"DELETE ",
	"HEAD ",
	"OPTIONS ",
	"CONNECT ",
	"TRACE ",
	"PATCH ",
}

// Classify applies the routing rules, in order, to a peeked prefix.
func Classify(prefix []byte) Protocol {
	if len(prefix) >= len(H2Preface) && bytes.Equal(prefix[:len(H2Preface)], []byte(H2Preface)) {
		return ProtocolHTTP2
	}
	if lo.SomeBy(httpMethods, func(m string) bool {
		return bytes.HasPrefix(prefix, []byte(m))
	}) {
		return ProtocolHTTP1
	}
	if len(prefix) >= 2 && prefix[0] == 0x05 && prefix[1] >= 1 {
		return ProtocolSOCKS5
	}
	if len(prefix) >= 3 && helper.IsTLS(prefix) {
		return ProtocolTLS
	}
	return ProtocolUnknown
}

// Handler consumes a classified connection. The connection delivered to a
// handler re-emits every byte the router peeked.
type Handler = service.Service[net.Conn, service.Unit]

// HandlerFunc adapts a function to a Handler.
func HandlerFunc(f func(ctx *service.Context, conn net.Conn) error) Handler {
	return service.Func[net.Conn, service.Unit](func(ctx *service.Context, conn net.Conn) (service.Unit, error) {
		return service.Unit{}, f(ctx, conn)
	})
}

// Reject is the default fallback: it closes the connection without
// writing a byte.
var Reject = HandlerFunc(func(_ *service.Context, conn net.Conn) error {
	return conn.Close()
})

// ErrNoHandler reports a classified protocol without a handler. Router
// does not return it: with neither a handler nor a Fallback it applies
// Reject.
var ErrNoHandler = errors.New("peek: no handler for classified protocol")

// Router classifies a connection exactly once and dispatches it. A nil
// handler routes the protocol to Fallback; a nil Fallback rejects.
type Router struct {
	HTTP1    Handler
	HTTP2    Handler
	SOCKS5   Handler
	TLS      Handler
	Fallback Handler
}

// Serve implements service.Service over accepted connections.
func (r *Router) Serve(ctx *service.Context, conn net.Conn) (service.Unit, error) {
	logger := slog.Default().With(
		"in", "peek.Router.Serve",
		"remote_addr", conn.RemoteAddr(),
	)

	pc, ok := conn.(*Conn)
	if !ok {
		pc = NewConn(conn)
	}

	// A SOCKS5 greeting can be shorter than PrefixLen and its client waits
	// for the method reply, so a leading SOCKS5 version byte is classified
	// from two bytes.
	prefix, err := pc.Peek(2)
	if err == nil && prefix[0] != 0x05 {
		prefix, err = pc.Peek(PrefixLen)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		pc.Close()
		return service.Unit{}, err
	}

	ctx.Extensions().Set(RequestContext{
		RemoteAddr: conn.RemoteAddr(),
		LocalAddr:  conn.LocalAddr(),
	})

	protocol := Classify(prefix)
	logger.Debug("connection classified", "protocol", protocol.String(), "prefix_len", len(prefix))

	handler := r.handlerFor(protocol)
	if handler == nil {
		handler = r.Fallback
	}
	if handler == nil {
		handler = Reject
	}
	return handler.Serve(ctx, pc)
}

func (r *Router) handlerFor(p Protocol) Handler {
	switch p {
	case ProtocolTLS:
		return r.TLS
	case ProtocolHTTP1:
		return r.HTTP1
	case ProtocolHTTP2:
		return r.HTTP2
	case ProtocolSOCKS5:
		return r.SOCKS5
	default:
		return nil
	}
}

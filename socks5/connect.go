package socks5

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/denisvmedia/go-proxycore/internal/helper"
	"github.com/denisvmedia/go-proxycore/service"
)

// Connector accepts CONNECT requests: it owes the client exactly one
// reply and, on success, a bidirectional byte relay to the destination.
type Connector interface {
	AcceptConnect(ctx *service.Context, conn net.Conn, dst Address) error
}

// Binder accepts BIND requests; the protocol owes the client two replies,
// one when the listening socket is bound and one when the inbound
// connection is accepted.
type Binder interface {
	AcceptBind(ctx *service.Context, conn net.Conn, dst Address) error
}

// UDPAssociator accepts UDP ASSOCIATE requests.
type UDPAssociator interface {
	AcceptUDPAssociate(ctx *service.Context, conn net.Conn, dst Address) error
}

// DefaultConnector dials the destination over TCP, optionally through an
// upstream proxy, and splices the two streams.
type DefaultConnector struct {
	// DialTimeout bounds the outbound dial. Zero means 30 seconds.
	DialTimeout time.Duration

	// Upstream, when set, routes outbound connections through another
	// proxy (socks5, http or https URL).
	Upstream *url.URL

	// InsecureSkipVerify applies to a TLS connection toward an https
	// upstream proxy.
	InsecureSkipVerify bool
}

func (dc *DefaultConnector) dial(ctx context.Context, address string) (net.Conn, error) {
	timeout := dc.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if dc.Upstream != nil {
		return helper.DialViaProxy(dialCtx, dc.Upstream, address, dc.InsecureSkipVerify)
	}
	return (&net.Dialer{}).DialContext(dialCtx, "tcp", address)
}

// AcceptConnect implements Connector.
func (dc *DefaultConnector) AcceptConnect(ctx *service.Context, conn net.Conn, dst Address) error {
	logger := slog.Default().With(
		"in", "socks5.DefaultConnector.AcceptConnect",
		"client_addr", conn.RemoteAddr(),
		"destination", dst.String(),
	)

	target, err := dc.dial(ctx.Std(), dst.String())
	if err != nil {
		kind := replyForDialError(err)
		if werr := writeReply(conn, kind, Address{}); werr != nil {
			return ioError(werr).withContext("write server reply: connect failed")
		}
		return serviceError(err).withContext("dial destination").withReply(kind)
	}
	defer target.Close()

	bound := AddressFromAddr(target.LocalAddr())
	if err := writeReply(conn, ReplySucceeded, bound); err != nil {
		return ioError(err).withContext("write server reply: connect succeeded")
	}

	logger.Debug("connected, relaying")
	if err := helper.Transfer(logger, target, conn); err != nil && !isClosedConnError(err) {
		return serviceError(err).withContext("relay connect stream")
	}
	return nil
}

// isClosedConnError reports whether err only signals that one side hung
// up, which ends a relay cleanly.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, io.EOF) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// replyForDialError maps a dial failure to the closest reply code.
func replyForDialError(err error) ReplyKind {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ReplyHostUnreachable
	default:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return ReplyHostUnreachable
		}
		return ReplyGeneralFailure
	}
}

// DefaultBinder implements BIND by listening on an ephemeral port.
type DefaultBinder struct {
	// ListenAddr is the local address to bind; defaults to ":0".
	ListenAddr string

	// AcceptTimeout bounds the wait for the inbound connection. Zero
	// means 30 seconds.
	AcceptTimeout time.Duration
}

// AcceptBind implements Binder: reply with the bound address, wait for
// one inbound connection, reply again with the peer address, then splice.
func (db *DefaultBinder) AcceptBind(ctx *service.Context, conn net.Conn, dst Address) error {
	logger := slog.Default().With(
		"in", "socks5.DefaultBinder.AcceptBind",
		"client_addr", conn.RemoteAddr(),
		"destination", dst.String(),
	)

	listenAddr := db.ListenAddr
	if listenAddr == "" {
		listenAddr = ":0"
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		if werr := writeReply(conn, ReplyGeneralFailure, Address{}); werr != nil {
			return ioError(werr).withContext("write server reply: bind failed")
		}
		return serviceError(err).withContext("bind listener").withReply(ReplyGeneralFailure)
	}
	defer ln.Close()

	if err := writeReply(conn, ReplySucceeded, AddressFromAddr(ln.Addr())); err != nil {
		return ioError(err).withContext("write server reply: bind succeeded")
	}

	timeout := db.AcceptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		tcpLn.SetDeadline(time.Now().Add(timeout))
	}

	inbound, err := ln.Accept()
	if err != nil {
		if werr := writeReply(conn, ReplyTTLExpired, Address{}); werr != nil {
			return ioError(werr).withContext("write server reply: bind accept failed")
		}
		return serviceError(err).withContext("accept inbound connection").withReply(ReplyTTLExpired)
	}
	defer inbound.Close()

	if err := writeReply(conn, ReplySucceeded, AddressFromAddr(inbound.RemoteAddr())); err != nil {
		return ioError(err).withContext("write server reply: bind peer connected")
	}

	logger.Debug("bind accepted, relaying", "peer", inbound.RemoteAddr())
	if err := helper.Transfer(logger, inbound, conn); err != nil && !isClosedConnError(err) {
		return serviceError(err).withContext("relay bind stream")
	}
	return nil
}

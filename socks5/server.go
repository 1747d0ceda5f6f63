package socks5

import (
	"log/slog"
	"net"
	"time"

	"github.com/denisvmedia/go-proxycore/service"
)

// Credentials is a static username/password pair for RFC 1929 auth.
type Credentials struct {
	Username string
	Password string
}

// Session describes a negotiated SOCKS5 session. It is stored as a
// Context extension before the command is dispatched, so connectors and
// relays can observe how the client authenticated.
type Session struct {
	Method      byte
	Username    string // set when auth ran
	Command     byte
	Destination Address
}

// Acceptor drives the SOCKS5 handshake on an accepted connection and
// dispatches the negotiated command to the configured services. The zero
// value supports no commands; wire at least a Connector.
type Acceptor struct {
	credentials  *Credentials
	authOptional bool

	connector     Connector
	binder        Binder
	udpAssociator UDPAssociator

	// readTimeout bounds each control-stream read during the handshake.
	readTimeout time.Duration
}

// NewAcceptor creates an acceptor with the default CONNECT connector and
// a 10 second handshake read timeout.
func NewAcceptor() *Acceptor {
	return &Acceptor{
		connector:   &DefaultConnector{},
		readTimeout: 10 * time.Second,
	}
}

// WithCredentials requires username/password authentication.
func (a *Acceptor) WithCredentials(creds Credentials) *Acceptor {
	a.credentials = &creds
	return a
}

// WithAuthOptional lets clients that do not offer username/password fall
// back to no authentication even when credentials are configured.
func (a *Acceptor) WithAuthOptional(optional bool) *Acceptor {
	a.authOptional = optional
	return a
}

// WithConnector sets the CONNECT service.
func (a *Acceptor) WithConnector(c Connector) *Acceptor {
	a.connector = c
	return a
}

// WithBinder sets the BIND service.
func (a *Acceptor) WithBinder(b Binder) *Acceptor {
	a.binder = b
	return a
}

// WithUDPAssociator sets the UDP ASSOCIATE service.
func (a *Acceptor) WithUDPAssociator(u UDPAssociator) *Acceptor {
	a.udpAssociator = u
	return a
}

// WithReadTimeout overrides the per-read handshake deadline.
func (a *Acceptor) WithReadTimeout(d time.Duration) *Acceptor {
	a.readTimeout = d
	return a
}

// Serve implements service.Service over accepted connections (the shape
// the peek router dispatches to).
func (a *Acceptor) Serve(ctx *service.Context, conn net.Conn) (service.Unit, error) {
	return service.Unit{}, a.Accept(ctx, conn)
}

// Accept runs the handshake and the negotiated command to completion.
// Any reply owed to the client is attempted before an error is returned.
func (a *Acceptor) Accept(ctx *service.Context, conn net.Conn) error {
	logger := slog.Default().With(
		"in", "socks5.Acceptor.Accept",
		"client_addr", conn.RemoteAddr(),
	)

	a.armDeadline(conn)
	methods, err := readGreeting(conn)
	if err != nil {
		return protocolError(err).withContext("read client greeting")
	}

	session := Session{}
	method, username, err := a.negotiateMethod(conn, methods)
	if err != nil {
		return err
	}
	session.Method = method
	session.Username = username

	logger.Debug("methods negotiated", "method", method)

	a.armDeadline(conn)
	cmd, destination, err := readRequest(conn)
	if err != nil {
		return protocolError(err).withContext("read client request")
	}
	a.clearDeadline(conn)

	session.Command = cmd
	session.Destination = destination
	ctx.Extensions().Set(session)

	logger.Debug("client request received",
		"command", cmd,
		"destination", destination.String(),
	)

	switch cmd {
	case CommandConnect:
		if a.connector == nil {
			return a.rejectCommand(conn, "connect not supported")
		}
		return a.connector.AcceptConnect(ctx, conn, destination)
	case CommandBind:
		if a.binder == nil {
			return a.rejectCommand(conn, "bind not supported")
		}
		return a.binder.AcceptBind(ctx, conn, destination)
	case CommandUDPAssociate:
		if a.udpAssociator == nil {
			return a.rejectCommand(conn, "udp associate not supported")
		}
		return a.udpAssociator.AcceptUDPAssociate(ctx, conn, destination)
	default:
		return a.rejectCommand(conn, "unknown command not supported")
	}
}

func (a *Acceptor) rejectCommand(conn net.Conn, reason string) error {
	if err := writeReply(conn, ReplyCommandNotSupported, Address{}); err != nil {
		return ioError(err).withContext("write server reply: " + reason)
	}
	return abortedError(reason).withReply(ReplyCommandNotSupported)
}

// negotiateMethod selects and completes the authentication method,
// including the RFC 1929 sub-negotiation when credentials are configured.
func (a *Acceptor) negotiateMethod(conn net.Conn, methods []byte) (byte, string, error) {
	offered := func(m byte) bool {
		for _, candidate := range methods {
			if candidate == m {
				return true
			}
		}
		return false
	}

	if a.credentials != nil {
		switch {
		case offered(MethodUsernamePassword):
			return a.subNegotiate(conn)
		case a.authOptional && offered(MethodNoAuth):
			if err := writeMethodReply(conn, MethodNoAuth); err != nil {
				return 0, "", ioError(err).withContext("write server reply: no auth required")
			}
			return MethodNoAuth, "", nil
		}
	} else if offered(MethodNoAuth) {
		if err := writeMethodReply(conn, MethodNoAuth); err != nil {
			return 0, "", ioError(err).withContext("write server reply: no auth required")
		}
		return MethodNoAuth, "", nil
	}

	if err := writeMethodReply(conn, MethodNoAcceptable); err != nil {
		return 0, "", ioError(err).withContext("write server reply: no acceptable methods")
	}
	return 0, "", abortedError("no acceptable authentication methods")
}

func (a *Acceptor) subNegotiate(conn net.Conn) (byte, string, error) {
	if err := writeMethodReply(conn, MethodUsernamePassword); err != nil {
		return 0, "", ioError(err).withContext("write server reply: auth (username-password)")
	}

	a.armDeadline(conn)
	username, password, err := readUserPassRequest(conn)
	if err != nil {
		return 0, "", protocolError(err).withContext("read client auth sub-negotiation request")
	}

	if username == a.credentials.Username && password == a.credentials.Password {
		if err := writeUserPassReply(conn, true); err != nil {
			return 0, "", ioError(err).withContext("write auth sub-negotiation success response")
		}
		return MethodUsernamePassword, username, nil
	}

	if err := writeUserPassReply(conn, false); err != nil {
		return 0, "", ioError(err).withContext("write auth sub-negotiation error response")
	}
	return 0, "", abortedError("username-password: client unauthorized")
}

func (a *Acceptor) armDeadline(conn net.Conn) {
	if a.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(a.readTimeout))
	}
}

func (a *Acceptor) clearDeadline(conn net.Conn) {
	if a.readTimeout > 0 {
		conn.SetReadDeadline(time.Time{})
	}
}

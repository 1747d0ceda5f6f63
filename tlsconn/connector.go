package tlsconn

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/denisvmedia/go-proxycore/internal/helper"
	"github.com/denisvmedia/go-proxycore/peek"
	"github.com/denisvmedia/go-proxycore/service"
)

// Mode selects when the connector performs a handshake.
type Mode int

const (
	// ModeAuto handshakes only when the request's transport context names
	// a secure scheme; plain transports pass through unchanged.
	ModeAuto Mode = iota
	// ModeSecure always handshakes.
	ModeSecure
	// ModeTunnel handshakes when the Context carries a TunnelRequest, or
	// when a host was configured at construction.
	ModeTunnel
)

// Connector upgrades an established connection to TLS according to its
// mode. It is a Service over net.Conn producing the sum-typed Stream, so
// it slots into a layer stack between the dialer and the protocol client.
//
// The connector does not retry; retrying is a higher-layer concern.
type Connector struct {
	mode        Mode
	data        *ConnectorData
	tunnelHosts []string
}

// NewAuto creates a connector in auto mode.
func NewAuto() *Connector {
	return &Connector{mode: ModeAuto}
}

// NewSecure creates a connector that always handshakes.
func NewSecure() *Connector {
	return &Connector{mode: ModeSecure}
}

// NewTunnel creates a tunnel-mode connector. hosts are match patterns
// (see helper.MatchHost); when non-empty, a context TunnelRequest must
// match one of them, and when no request is present the first literal
// host is used as the handshake target.
func NewTunnel(hosts ...string) *Connector {
	return &Connector{mode: ModeTunnel, tunnelHosts: hosts}
}

// WithData overrides the connector's default handshake data. Data stored
// in the request Context still takes precedence.
func (cn *Connector) WithData(data *ConnectorData) *Connector {
	cn.data = data
	return cn
}

// Serve implements service.Service.
func (cn *Connector) Serve(ctx *service.Context, conn net.Conn) (*Stream, error) {
	switch cn.mode {
	case ModeSecure:
		return cn.handshake(ctx, conn, cn.serverNameFrom(ctx))
	case ModeTunnel:
		host, ok := cn.tunnelHost(ctx)
		if !ok {
			return plainStream(conn), nil
		}
		return cn.handshake(ctx, conn, host)
	default: // ModeAuto
		tc, ok := service.Get[peek.TransportContext](ctx.Extensions())
		if !ok || !tc.Secure() {
			return plainStream(conn), nil
		}
		return cn.handshake(ctx, conn, tc.Target.Host)
	}
}

func (cn *Connector) serverNameFrom(ctx *service.Context) string {
	if tc, ok := service.Get[peek.TransportContext](ctx.Extensions()); ok {
		return tc.Target.Host
	}
	return ""
}

func (cn *Connector) tunnelHost(ctx *service.Context) (string, bool) {
	if req, ok := service.Get[TunnelRequest](ctx.Extensions()); ok {
		if len(cn.tunnelHosts) == 0 || helper.MatchHost(req.Host, cn.tunnelHosts) {
			return req.Host, true
		}
		return "", false
	}
	for _, host := range cn.tunnelHosts {
		if !strings.ContainsAny(host, "*?") {
			return host, true
		}
	}
	return "", false
}

func (cn *Connector) handshake(ctx *service.Context, conn net.Conn, serverName string) (*Stream, error) {
	data, ok := service.Get[*ConnectorData](ctx.Extensions())
	if !ok {
		data = cn.data
	}
	if data == nil {
		data = DefaultConnectorData()
	}

	cfg := data.config(serverName)
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx.Std()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %q: %w", cfg.ServerName, err)
	}

	state := tlsConn.ConnectionState()
	params := NegotiatedParameters{
		Version: state.Version,
		ALPN:    state.NegotiatedProtocol,
	}
	if data.KeepPeerCertificates {
		params.PeerCertificates = state.PeerCertificates
	}
	ctx.Extensions().Set(params)

	slog.Debug("tls negotiated",
		"in", "tlsconn.Connector.Serve",
		"server_name", cfg.ServerName,
		"version", state.Version,
		"alpn", state.NegotiatedProtocol,
	)
	return securedStream(tlsConn), nil
}

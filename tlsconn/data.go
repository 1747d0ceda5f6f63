// Package tlsconn drives client-side TLS handshakes for outbound proxy
// connections. The connector operates in one of three modes: auto (TLS
// only when the request's transport requires it), secure (always TLS) and
// tunnel (TLS when a tunnel was requested in context or configured at
// construction). Negotiated parameters are published into the request
// Context after a successful handshake.
package tlsconn

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/denisvmedia/go-proxycore/internal/helper"
)

// ConnectorData configures an outbound handshake. A value stored in the
// request Context takes precedence over the connector's default; MITM
// layers use this to reshape outbound TLS after terminating the client.
type ConnectorData struct {
	ServerName         string
	NextProtos         []string
	RootCAs            *x509.CertPool
	Certificates       []tls.Certificate
	CipherSuites       []uint16
	MinVersion         uint16
	MaxVersion         uint16
	InsecureSkipVerify bool

	// KeepPeerCertificates retains the negotiated peer chain in the
	// published NegotiatedParameters. Off unless asked for: holding the
	// chain per connection is costly at scale.
	KeepPeerCertificates bool
}

// DefaultConnectorData advertises automatic HTTP negotiation: ALPN offers
// both h2 and http/1.1 and lets the peer pick.
func DefaultConnectorData() *ConnectorData {
	return &ConnectorData{
		NextProtos: []string{"h2", "http/1.1"},
	}
}

func (d *ConnectorData) config(serverName string) *tls.Config {
	if d.ServerName != "" {
		serverName = d.ServerName
	}
	return &tls.Config{
		ServerName:         serverName,
		NextProtos:         d.NextProtos,
		RootCAs:            d.RootCAs,
		Certificates:       d.Certificates,
		CipherSuites:       d.CipherSuites,
		MinVersion:         d.MinVersion,
		MaxVersion:         d.MaxVersion,
		InsecureSkipVerify: d.InsecureSkipVerify,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
	}
}

// ClientHello retains the parsed initial TLS message of a connection whose
// TLS the proxy terminated. Downstream services use it to reshape outbound
// TLS so that fingerprintable characteristics survive the interception.
type ClientHello struct {
	Info *tls.ClientHelloInfo
}

// ConnectorData derives outbound handshake data mirroring the client's
// offer: SNI, ALPN, cipher suites and the supported version range.
func (h ClientHello) ConnectorData() *ConnectorData {
	info := h.Info
	data := &ConnectorData{
		ServerName:   info.ServerName,
		NextProtos:   info.SupportedProtos,
		CipherSuites: info.CipherSuites,
	}
	if len(info.SupportedVersions) > 0 {
		minVersion := info.SupportedVersions[0]
		maxVersion := info.SupportedVersions[0]
		for _, version := range info.SupportedVersions {
			if version < minVersion {
				minVersion = version
			}
			if version > maxVersion {
				maxVersion = version
			}
		}
		data.MinVersion = minVersion
		data.MaxVersion = maxVersion
	}
	return data
}

// NegotiatedParameters exposes the outcome of a successful handshake. It
// is inserted into the request Context by the connector.
type NegotiatedParameters struct {
	Version uint16
	ALPN    string

	// PeerCertificates is populated only when the handshake was driven
	// with KeepPeerCertificates set.
	PeerCertificates []*x509.Certificate
}

// TunnelRequest asks a tunnel-mode connector to perform a handshake for
// the given host. Stored as a Context extension.
type TunnelRequest struct {
	Host string
}

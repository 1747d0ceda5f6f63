package tlsconn

import (
	"crypto/tls"
	"net"
	"time"
)

// Stream is the sum-typed result of the connector: either the original
// plain connection or its TLS-secured wrapper. Both variants project the
// same net.Conn interface so downstream code does not branch.
type Stream struct {
	conn net.Conn  // underlying transport
	tls  *tls.Conn // set when secured
}

func plainStream(c net.Conn) *Stream {
	return &Stream{conn: c}
}

func securedStream(c *tls.Conn) *Stream {
	return &Stream{conn: c, tls: c}
}

// Secured reports whether the stream carries TLS.
func (s *Stream) Secured() bool {
	return s.tls != nil
}

// TLS returns the secured connection, or nil for a plain stream.
func (s *Stream) TLS() *tls.Conn {
	return s.tls
}

func (s *Stream) Read(p []byte) (int, error)  { return s.conn.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *Stream) Close() error                { return s.conn.Close() }
func (s *Stream) LocalAddr() net.Addr         { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr        { return s.conn.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

var _ net.Conn = (*Stream)(nil)

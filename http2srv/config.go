// Package http2srv implements the HTTP/2 server connection state machine
// on top of a frame-level codec (golang.org/x/net/http2 framer + hpack):
// handshake, stream lifecycle, flow control with an adaptive BDP
// estimator, keep-alive pings, graceful shutdown and extended CONNECT
// upgrades. HPACK and framing themselves are consumed, not implemented.
package http2srv

import (
	"time"
)

const (
	defaultConnWindow       = 1024 * 1024 // 1mb
	defaultStreamWindow     = 1024 * 1024 // 1mb
	defaultMaxFrameSize     = 1024 * 16   // 16kb
	defaultMaxSendBufSize   = 1024 * 400  // 400kb
	defaultMaxHeaderList    = 1024 * 16   // 16kb
	defaultMaxLocalResets   = 1024
	defaultConcurrentStream = 200
	defaultKeepAliveTimeout = 20 * time.Second

	// initialWindowSize is the protocol-mandated window before SETTINGS.
	initialWindowSize = 65535

	// maxWindow caps what the adaptive estimator will ever grant.
	maxWindow = 1 << 24
)

// Config enumerates the connection knobs. The zero value is usable;
// withDefaults fills in the documented defaults.
type Config struct {
	// AdaptiveWindow ignores the initial window sizes and lets the BDP
	// estimator govern flow control.
	AdaptiveWindow bool

	InitialConnWindowSize   uint32
	InitialStreamWindowSize uint32
	MaxFrameSize            uint32

	// EnableConnectProtocol advertises RFC 8441 extended CONNECT.
	EnableConnectProtocol bool

	// MaxConcurrentStreams caps streams admitted concurrently. Nil
	// applies the default of 200; a pointer to zero disables the cap.
	MaxConcurrentStreams *uint32

	// MaxPendingAcceptResetStreams bounds remotely-reset streams that
	// have not yet been accepted. Nil defers to the codec's internal
	// value.
	MaxPendingAcceptResetStreams *int

	// MaxLocalErrorResetStreams bounds the count of streams reset due
	// to local errors before the connection is torn down.
	MaxLocalErrorResetStreams *int

	// KeepAliveInterval is the ping frequency; zero disables pings.
	// A server pings once per interval whether or not other frames flow.
	KeepAliveInterval time.Duration

	// KeepAliveTimeout is the ack deadline for pings.
	KeepAliveTimeout time.Duration

	// MaxSendBufferSize bounds bytes buffered toward the peer per
	// stream.
	MaxSendBufferSize int

	MaxHeaderListSize uint32

	// DateHeader synthesizes a Date header on responses missing one.
	// Enabled by default; set DisableDateHeader to turn it off.
	DisableDateHeader bool
}

func (c Config) withDefaults() Config {
	if c.InitialConnWindowSize == 0 {
		c.InitialConnWindowSize = defaultConnWindow
	}
	if c.InitialStreamWindowSize == 0 {
		c.InitialStreamWindowSize = defaultStreamWindow
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.MaxConcurrentStreams == nil {
		v := uint32(defaultConcurrentStream)
		c.MaxConcurrentStreams = &v
	}
	if c.MaxLocalErrorResetStreams == nil {
		v := defaultMaxLocalResets
		c.MaxLocalErrorResetStreams = &v
	}
	if c.KeepAliveTimeout == 0 {
		c.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if c.MaxSendBufferSize == 0 {
		c.MaxSendBufferSize = defaultMaxSendBufSize
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = defaultMaxHeaderList
	}
	return c
}

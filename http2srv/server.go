package http2srv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/denisvmedia/go-proxycore/service"
)

// Server holds the configuration shared by the connections it serves.
type Server struct {
	cfg Config
}

// NewServer creates a server with defaults applied to cfg.
func NewServer(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults()}
}

// ServeConn serves one connection to completion. For shutdown control
// use NewConn and drive the returned Conn directly.
func (s *Server) ServeConn(ctx *service.Context, nc net.Conn, h Handler) error {
	return s.NewConn(nc, h).Serve(ctx)
}

// NewConn prepares a connection without serving it yet.
func (s *Server) NewConn(nc net.Conn, h Handler) *Conn {
	return &Conn{sc: newServerConn(s.cfg, nc, h)}
}

// Conn is the public handle of one served connection.
type Conn struct {
	sc *serverConn
}

// Serve drives the connection state machine: handshake, stream accept
// loop, closing. It blocks until the connection terminates.
func (c *Conn) Serve(ctx *service.Context) error {
	return c.sc.serve(ctx)
}

// Shutdown initiates graceful shutdown: a GOAWAY is sent, existing
// streams run to completion, no new streams are accepted. If the
// handshake has not completed yet the request is recorded and honored
// once serving begins. Shutdown returns when the connection has drained
// or ctx expires.
func (c *Conn) Shutdown(ctx context.Context) error {
	return c.sc.shutdown(ctx)
}

// Close tears the connection down immediately.
func (c *Conn) Close() error {
	return c.sc.closeNow()
}

type serverConn struct {
	cfg Config
	nc  net.Conn
	h   Handler

	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer

	// wmu serializes framer writes and hpack encoder use.
	wmu sync.Mutex

	// fmu guards the outbound flow-control windows and the stream
	// table; flowCond wakes senders blocked on window credit.
	fmu          sync.Mutex
	flowCond     *sync.Cond
	connSendWin  int32
	peerInitWin  int32
	peerMaxFrame uint32
	streams      map[uint32]*stream

	streamWG sync.WaitGroup

	mu              sync.Mutex
	state           connState
	shutdownPending bool
	goAwaySent      bool
	maxStreamID     uint32
	localResets     int
	pendingResets   int
	closeErr        error

	bdp      *bdpEstimator
	pongCh   chan struct{}
	serveCtx *service.Context

	done chan struct{}

	logger *slog.Logger
}

type connState int

const (
	stateHandshaking connState = iota
	stateServing
	stateClosing
	stateTerminal
)

func newServerConn(cfg Config, nc net.Conn, h Handler) *serverConn {
	sc := &serverConn{
		cfg:          cfg,
		nc:           nc,
		h:            h,
		connSendWin:  initialWindowSize,
		peerInitWin:  initialWindowSize,
		peerMaxFrame: defaultMaxFrameSize,
		streams:      make(map[uint32]*stream),
		pongCh:       make(chan struct{}, 1),
		done:         make(chan struct{}),
		logger: slog.Default().With(
			"in", "http2srv.Conn.Serve",
			"remote_addr", nc.RemoteAddr(),
		),
	}
	sc.flowCond = sync.NewCond(&sc.fmu)
	sc.bdp = newBDPEstimator(cfg.InitialConnWindowSize)
	return sc
}

// recvWindow is the stream window this connection advertises.
func (sc *serverConn) recvWindow() uint32 {
	if sc.cfg.AdaptiveWindow {
		return sc.bdp.currentWindow()
	}
	return sc.cfg.InitialStreamWindowSize
}

func (sc *serverConn) serve(ctx *service.Context) error {
	sc.serveCtx = ctx

	if err := sc.handshake(); err != nil {
		sc.terminate()
		return err
	}

	sc.mu.Lock()
	sc.state = stateServing
	pendingShutdown := sc.shutdownPending
	sc.mu.Unlock()

	if pendingShutdown {
		sc.sendGoAway(http2.ErrCodeNo)
	}

	if sc.cfg.KeepAliveInterval > 0 {
		ctx.Executor().Spawn(func(taskCtx context.Context) {
			sc.keepAliveLoop(taskCtx)
		})
	}

	err := sc.readLoop(ctx)

	// Unblock stream tasks stalled on window credit or body reads, then
	// let in-flight streams drain before the connection error surfaces.
	sc.terminate()
	sc.streamWG.Wait()

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closeErr != nil {
		return sc.closeErr
	}
	if err != nil && !sc.goAwaySent && !errors.Is(err, io.EOF) &&
		!errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return nil
}

// handshake reads the client preface, installs the codec and exchanges
// SETTINGS.
func (sc *serverConn) handshake() error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(sc.nc, preface); err != nil {
		return fmt.Errorf("read client preface: %w", err)
	}
	if string(preface) != http2.ClientPreface {
		return fmt.Errorf("invalid client preface")
	}

	sc.fr = http2.NewFramer(sc.nc, sc.nc)
	sc.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	sc.fr.MaxHeaderListSize = sc.cfg.MaxHeaderListSize
	sc.henc = hpack.NewEncoder(&sc.hbuf)

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: sc.recvWindow()},
		{ID: http2.SettingMaxFrameSize, Val: sc.cfg.MaxFrameSize},
		{ID: http2.SettingMaxHeaderListSize, Val: sc.cfg.MaxHeaderListSize},
	}
	if max := *sc.cfg.MaxConcurrentStreams; max > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: max})
	}
	if sc.cfg.EnableConnectProtocol {
		settings = append(settings, http2.Setting{ID: http2.SettingEnableConnectProtocol, Val: 1})
	}
	if err := sc.fr.WriteSettings(settings...); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	// Raise the connection window above the protocol default.
	if target := sc.connRecvTarget(); target > initialWindowSize {
		if err := sc.fr.WriteWindowUpdate(0, target-initialWindowSize); err != nil {
			return fmt.Errorf("write connection window update: %w", err)
		}
	}
	return nil
}

func (sc *serverConn) connRecvTarget() uint32 {
	if sc.cfg.AdaptiveWindow {
		return sc.bdp.currentWindow()
	}
	return sc.cfg.InitialConnWindowSize
}

func (sc *serverConn) readLoop(ctx *service.Context) error {
	for {
		frame, err := sc.fr.ReadFrame()
		if err != nil {
			return err
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if err := sc.processSettings(f); err != nil {
				return err
			}
		case *http2.MetaHeadersFrame:
			sc.processHeaders(ctx, f)
		case *http2.DataFrame:
			if err := sc.processData(f); err != nil {
				return err
			}
		case *http2.WindowUpdateFrame:
			sc.processWindowUpdate(f)
		case *http2.RSTStreamFrame:
			if err := sc.processResetStream(f); err != nil {
				return err
			}
		case *http2.PingFrame:
			if err := sc.processPing(f); err != nil {
				return err
			}
		case *http2.GoAwayFrame:
			// The peer is going away; serve what remains.
			sc.logger.Debug("peer sent GOAWAY", "last_stream", f.LastStreamID, "code", f.ErrCode)
		case *http2.PriorityFrame, *http2.PushPromiseFrame:
			// Ignored: priorities carry no obligations, push is
			// client-initiated only as an error.
		}
	}
}

func (sc *serverConn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var initDelta int32
	var hasInit bool
	f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			sc.fmu.Lock()
			initDelta = int32(s.Val) - sc.peerInitWin
			sc.peerInitWin = int32(s.Val)
			sc.fmu.Unlock()
			hasInit = true
		case http2.SettingMaxFrameSize:
			sc.fmu.Lock()
			sc.peerMaxFrame = s.Val
			sc.fmu.Unlock()
		}
		return nil
	})
	if hasInit && initDelta != 0 {
		sc.fmu.Lock()
		for _, st := range sc.streams {
			st.sendWindow += initDelta
		}
		sc.fmu.Unlock()
		sc.flowCond.Broadcast()
	}

	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return sc.fr.WriteSettingsAck()
}

func (sc *serverConn) processWindowUpdate(f *http2.WindowUpdateFrame) {
	sc.fmu.Lock()
	if f.StreamID == 0 {
		sc.connSendWin += int32(f.Increment)
	} else if st, ok := sc.streams[f.StreamID]; ok {
		st.sendWindow += int32(f.Increment)
	}
	sc.fmu.Unlock()
	sc.flowCond.Broadcast()
}

func (sc *serverConn) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		select {
		case sc.pongCh <- struct{}{}:
		default:
		}
		return nil
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return sc.fr.WritePing(true, f.Data)
}

func (sc *serverConn) processData(f *http2.DataFrame) error {
	payload := f.Data()
	sc.bdp.onData(uint32(len(payload)))

	// Connection-level credit is released on receipt; stream-level
	// credit is released as the application consumes.
	if len(payload) > 0 {
		sc.wmu.Lock()
		err := sc.fr.WriteWindowUpdate(0, uint32(len(payload)))
		sc.wmu.Unlock()
		if err != nil {
			return err
		}
	}

	sc.fmu.Lock()
	st, ok := sc.streams[f.StreamID]
	sc.fmu.Unlock()
	if !ok {
		// Late frames for a reset stream are legal; anything else is a
		// peer error worth only a reset.
		return sc.writeRSTStream(f.StreamID, http2.ErrCodeStreamClosed)
	}

	if len(payload) > 0 {
		data := make([]byte, len(payload))
		copy(data, payload)
		st.body.deliver(data)
	}
	if f.StreamEnded() {
		st.body.closeWith(nil)
	}
	return nil
}

func (sc *serverConn) processResetStream(f *http2.RSTStreamFrame) error {
	sc.fmu.Lock()
	st, ok := sc.streams[f.StreamID]
	sc.fmu.Unlock()
	if !ok {
		return nil
	}

	sc.logger.Debug("peer reset stream", "stream", f.StreamID, "code", f.ErrCode)

	if st.markReset() {
		sc.mu.Lock()
		sc.pendingResets++
		exceeded := sc.cfg.MaxPendingAcceptResetStreams != nil &&
			sc.pendingResets > *sc.cfg.MaxPendingAcceptResetStreams
		sc.mu.Unlock()
		if exceeded {
			sc.sendGoAway(http2.ErrCodeEnhanceYourCalm)
			return fmt.Errorf("too many pending reset streams")
		}
	}

	// Cancelling the stream context is the sole request-cancellation
	// mechanism: the service future is dropped with it.
	st.body.closeWith(errStreamReset)
	st.sctx.Guard().Cancel()
	// The stream task's deferred removeStream releases the pending-reset
	// count once it has observed the reset.
	sc.fmu.Lock()
	delete(sc.streams, st.id)
	sc.fmu.Unlock()
	sc.flowCond.Broadcast()
	return nil
}

func (sc *serverConn) processHeaders(ctx *service.Context, f *http2.MetaHeadersFrame) {
	id := f.StreamID

	sc.mu.Lock()
	if sc.goAwaySent {
		sc.mu.Unlock()
		sc.writeRSTStream(id, http2.ErrCodeRefusedStream)
		return
	}
	if id > sc.maxStreamID {
		sc.maxStreamID = id
	}
	sc.mu.Unlock()

	// Admission control.
	sc.fmu.Lock()
	active := len(sc.streams)
	sc.fmu.Unlock()
	if max := *sc.cfg.MaxConcurrentStreams; max > 0 && uint32(active) >= max {
		sc.writeRSTStream(id, http2.ErrCodeRefusedStream)
		return
	}

	req, rstCode, ok := sc.buildRequest(f)
	if !ok {
		sc.countLocalReset()
		sc.writeRSTStream(id, rstCode)
		return
	}

	stctx := ctx.Child()
	sc.fmu.Lock()
	peerInitWin := sc.peerInitWin
	sc.fmu.Unlock()
	st := &stream{
		id:         id,
		sc:         sc,
		sctx:       stctx,
		sendWindow: peerInitWin,
		pending:    req.Upgrade,
	}
	st.body = newBody(int(sc.recvWindow())/8192+64, func(n int) {
		sc.releaseStreamWindow(st, n)
	})
	req.Body = st.body
	req.StreamID = id

	if f.StreamEnded() {
		st.body.closeWith(nil)
	}

	sc.fmu.Lock()
	sc.streams[id] = st
	sc.fmu.Unlock()

	sc.streamWG.Add(1)
	stctx.Executor().Spawn(func(context.Context) {
		defer sc.streamWG.Done()
		defer sc.removeStream(st)
		sc.runStream(st, req)

		// A realized upgrade keeps the stream alive past the response:
		// the tunnel owns the stream until it ends locally, the peer
		// resets or the connection terminates.
		if st.tunnelDone != nil {
			select {
			case <-st.tunnelDone:
			case <-st.sctx.Guard().Done():
			case <-sc.done:
			}
		}
	})
}

// buildRequest translates a HEADERS frame into a Request. It returns
// ok=false with the reset code to emit when the stream must be refused
// before reaching the service.
func (sc *serverConn) buildRequest(f *http2.MetaHeadersFrame) (*Request, http2.ErrCode, bool) {
	req := &Request{
		Header:        make(http.Header),
		ContentLength: -1,
	}
	for _, field := range f.Fields {
		if strings.HasPrefix(field.Name, ":") {
			req.PseudoOrder = append(req.PseudoOrder, field.Name)
			switch field.Name {
			case ":method":
				req.Method = field.Value
			case ":scheme":
				req.Scheme = field.Value
			case ":authority":
				req.Authority = field.Value
			case ":path":
				req.Path = field.Value
			case ":protocol":
				req.Protocol = field.Value
			}
			continue
		}
		req.Header.Add(field.Name, field.Value)
	}

	if err := validatePseudoOrder(req.PseudoOrder); err != nil {
		return nil, http2.ErrCodeProtocol, false
	}

	if cl := req.Header.Get("Content-Length"); cl != "" {
		v, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || v < 0 {
			return nil, http2.ErrCodeProtocol, false
		}
		req.ContentLength = v
	}

	if req.Method == "CONNECT" {
		if req.Protocol != "" && !sc.cfg.EnableConnectProtocol {
			return nil, http2.ErrCodeProtocol, false
		}
		// A CONNECT does not carry a body of its own; a declared
		// content-length marks a peer that will violate that.
		if req.ContentLength > 0 {
			return nil, http2.ErrCodeInternal, false
		}
		req.ContentLength = -1
		req.Upgrade = newPending()
	}

	return req, 0, true
}

// runStream awaits the inner service and writes the reply. It runs on
// the per-stream task.
func (sc *serverConn) runStream(st *stream, req *Request) {
	resp, err := sc.h.Serve(st.sctx, req)
	if err != nil {
		if st.wasReset() {
			return
		}
		sc.logger.Debug("stream service error", "stream", st.id, "error", err)
		if st.markResponded() {
			sc.countLocalReset()
			sc.writeRSTStream(st.id, http2.ErrCodeInternal)
		}
		if st.pending != nil {
			st.pending.abandon()
		}
		return
	}
	sc.writeResponse(st, req, resp)
}

func (sc *serverConn) writeResponse(st *stream, req *Request, resp *Response) {
	if !st.markResponded() {
		return
	}

	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}
	stripConnectionHeaders(header)

	isConnect := req.Upgrade != nil
	is2xx := resp.Status >= 200 && resp.Status < 300

	if isConnect && is2xx && header.Get("Content-Length") != "" {
		sc.logger.Warn("dropping content-length on CONNECT response", "stream", st.id)
		header.Del("Content-Length")
	}
	if !isConnect && resp.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	if !sc.cfg.DisableDateHeader && header.Get("Date") == "" {
		header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	endStream := (!isConnect && resp.Body == nil) || (isConnect && !is2xx)

	if err := sc.writeHeaders(st.id, resp.Status, header, endStream); err != nil {
		return
	}

	if isConnect {
		if is2xx {
			st.tunnelDone = make(chan struct{})
			st.pending.fulfill(&Upgraded{st: st})
		} else {
			st.pending.abandon()
		}
		return
	}
	if resp.Body == nil {
		return
	}

	buf := make([]byte, sc.sendChunkSize())
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if werr := sc.sendData(st, buf[:n], false); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			sc.sendData(st, nil, true)
			return
		}
		if err != nil {
			sc.logger.Debug("response body read failed", "stream", st.id, "error", err)
			sc.countLocalReset()
			sc.writeRSTStream(st.id, http2.ErrCodeInternal)
			return
		}
	}
}

func (sc *serverConn) sendChunkSize() int {
	size := int(sc.cfg.MaxFrameSize)
	if size > sc.cfg.MaxSendBufferSize {
		size = sc.cfg.MaxSendBufferSize
	}
	return size
}

func (sc *serverConn) writeHeaders(id uint32, status int, header http.Header, endStream bool) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	sc.hbuf.Reset()
	sc.henc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(status)})
	for name, values := range header {
		lower := strings.ToLower(name)
		for _, value := range values {
			sc.henc.WriteField(hpack.HeaderField{Name: lower, Value: value})
		}
	}

	return sc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: sc.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

// sendData writes payload as DATA frames, waiting for window credit.
func (sc *serverConn) sendData(st *stream, p []byte, endStream bool) error {
	for {
		sc.fmu.Lock()
		if st.wasReset() {
			sc.fmu.Unlock()
			return errStreamReset
		}
		if len(p) == 0 {
			sc.fmu.Unlock()
			break
		}
		for sc.connSendWin <= 0 || st.sendWindow <= 0 {
			if st.wasReset() || sc.isTerminal() {
				sc.fmu.Unlock()
				return errStreamReset
			}
			if _, open := sc.streams[st.id]; !open {
				sc.fmu.Unlock()
				return errStreamReset
			}
			sc.flowCond.Wait()
		}
		n := len(p)
		if n > int(sc.peerMaxFrame) {
			n = int(sc.peerMaxFrame)
		}
		if n > int(sc.connSendWin) {
			n = int(sc.connSendWin)
		}
		if n > int(st.sendWindow) {
			n = int(st.sendWindow)
		}
		if n > sc.cfg.MaxSendBufferSize {
			n = sc.cfg.MaxSendBufferSize
		}
		sc.connSendWin -= int32(n)
		st.sendWindow -= int32(n)
		sc.fmu.Unlock()

		chunk := p[:n]
		p = p[n:]
		last := endStream && len(p) == 0

		sc.wmu.Lock()
		err := sc.fr.WriteData(st.id, last, chunk)
		sc.wmu.Unlock()
		if err != nil {
			return err
		}
		if len(p) == 0 {
			return nil
		}
	}

	if endStream {
		sc.wmu.Lock()
		defer sc.wmu.Unlock()
		return sc.fr.WriteData(st.id, true, nil)
	}
	return nil
}

func (sc *serverConn) releaseStreamWindow(st *stream, n int) {
	if st.wasReset() {
		return
	}
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.fr.WriteWindowUpdate(st.id, uint32(n))
}

func (sc *serverConn) writeRSTStream(id uint32, code http2.ErrCode) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return sc.fr.WriteRSTStream(id, code)
}

func (sc *serverConn) countLocalReset() {
	sc.mu.Lock()
	sc.localResets++
	exceeded := sc.localResets > *sc.cfg.MaxLocalErrorResetStreams
	if exceeded && sc.closeErr == nil {
		sc.closeErr = fmt.Errorf("too many local error resets (%d)", sc.localResets)
	}
	sc.mu.Unlock()
	if exceeded {
		sc.sendGoAway(http2.ErrCodeEnhanceYourCalm)
		sc.closeNow()
	}
}

func (sc *serverConn) removeStream(st *stream) {
	sc.fmu.Lock()
	if _, ok := sc.streams[st.id]; ok {
		delete(sc.streams, st.id)
	}
	sc.fmu.Unlock()
	sc.flowCond.Broadcast()

	sc.mu.Lock()
	if st.wasReset() && sc.pendingResets > 0 {
		sc.pendingResets--
	}
	sc.mu.Unlock()
}

// keepAliveLoop pings the peer at the configured interval and feeds
// pongs to the BDP estimator. A missed ack deadline shuts the
// connection down abruptly with NO_ERROR.
func (sc *serverConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.cfg.KeepAliveInterval)
	defer ticker.Stop()

	var pingData [8]byte
	copy(pingData[:], "proxycor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-sc.done:
			return
		case <-ticker.C:
		}

		sc.bdp.onPingSent(time.Now())
		sc.wmu.Lock()
		err := sc.fr.WritePing(false, pingData)
		sc.wmu.Unlock()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-sc.done:
			return
		case <-sc.pongCh:
			sc.onPong()
		case <-time.After(sc.cfg.KeepAliveTimeout):
			sc.logger.Debug("keep-alive ping unanswered, closing")
			sc.sendGoAway(http2.ErrCodeNo)
			sc.closeNow()
			return
		}
	}
}

// onPong feeds the estimator; in adaptive mode a grown estimate raises
// both the initial stream window and the connection window target.
func (sc *serverConn) onPong() {
	prev := sc.bdp.currentWindow()
	newWindow, grew := sc.bdp.onPong(time.Now())
	if !grew || !sc.cfg.AdaptiveWindow {
		return
	}

	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.fr.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: newWindow})
	sc.fr.WriteWindowUpdate(0, newWindow-prev)
	sc.logger.Debug("adaptive window grown", "window", newWindow)
}

func (sc *serverConn) sendGoAway(code http2.ErrCode) {
	sc.mu.Lock()
	if sc.goAwaySent || sc.fr == nil {
		sc.mu.Unlock()
		return
	}
	sc.goAwaySent = true
	last := sc.maxStreamID
	sc.mu.Unlock()

	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	sc.fr.WriteGoAway(last, code, nil)
}

func (sc *serverConn) shutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == stateHandshaking {
		sc.shutdownPending = true
		sc.mu.Unlock()
	} else {
		sc.mu.Unlock()
		sc.sendGoAway(http2.ErrCodeNo)
	}

	drained := make(chan struct{})
	go func() {
		sc.streamWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return sc.closeNow()
	case <-ctx.Done():
		sc.closeNow()
		return ctx.Err()
	}
}

func (sc *serverConn) isTerminal() bool {
	select {
	case <-sc.done:
		return true
	default:
		return false
	}
}

func (sc *serverConn) terminate() {
	sc.mu.Lock()
	if sc.state != stateTerminal {
		sc.state = stateTerminal
		close(sc.done)
	}
	sc.mu.Unlock()

	sc.fmu.Lock()
	streams := make([]*stream, 0, len(sc.streams))
	for _, st := range sc.streams {
		streams = append(streams, st)
	}
	sc.fmu.Unlock()
	for _, st := range streams {
		st.body.closeWith(io.ErrUnexpectedEOF)
		st.sctx.Guard().Cancel()
		st.endTunnel()
	}

	sc.flowCond.Broadcast()
	sc.nc.Close()
}

func (sc *serverConn) closeNow() error {
	sc.terminate()
	return nil
}

// stripConnectionHeaders removes connection-specific headers that must
// not appear on an HTTP/2 response.
func stripConnectionHeaders(h http.Header) {
	for _, name := range []string{
		"Connection", "Keep-Alive", "Proxy-Connection",
		"Transfer-Encoding", "Upgrade", "Te", "Trailer",
	} {
		h.Del(name)
	}
}

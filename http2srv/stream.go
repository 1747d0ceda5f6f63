package http2srv

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/denisvmedia/go-proxycore/service"
)

// Handler is the inner service an HTTP/2 connection dispatches accepted
// streams to.
type Handler = service.Service[*Request, *Response]

// HandlerFunc adapts a function to a Handler.
func HandlerFunc(f func(ctx *service.Context, req *Request) (*Response, error)) Handler {
	return service.Func[*Request, *Response](f)
}

// Request is one accepted HTTP/2 stream's request head plus its inbound
// body. Pseudo-header values are broken out; PseudoOrder preserves the
// order they arrived in, which downstream fingerprinting depends on.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string

	// Protocol is the :protocol pseudo-header of an extended CONNECT.
	Protocol string

	// PseudoOrder lists the pseudo-header names as sent by the peer.
	PseudoOrder []string

	Header http.Header

	// ContentLength is -1 when unknown.
	ContentLength int64

	Body *Body

	StreamID uint32

	// Upgrade is non-nil on CONNECT requests: respond with a 2xx status
	// and the slot yields the upgraded byte stream.
	Upgrade *Pending
}

// Response is what the inner service produces for a stream.
type Response struct {
	Status int
	Header http.Header

	// Body is streamed to the peer; nil means empty.
	Body io.Reader

	// ContentLength stamps an exact Content-Length when >= 0. Use -1
	// for bodies of unknown size.
	ContentLength int64
}

// errStreamReset is delivered to body readers when the peer resets.
var errStreamReset = errors.New("http2srv: stream reset")

// bodyChunk is one DATA frame's payload queued toward the reader.
type bodyChunk struct {
	data []byte
}

// Body delivers a stream's inbound DATA to the service. Reads release
// stream-level flow-control credit, so a slow consumer paces the peer.
type Body struct {
	ch   chan bodyChunk
	done chan struct{}
	cur  []byte

	mu  sync.Mutex
	err error

	closeOnce sync.Once

	// onConsume releases n bytes of stream window after the app read
	// them.
	onConsume func(n int)
}

func newBody(capacity int, onConsume func(n int)) *Body {
	return &Body{
		ch:        make(chan bodyChunk, capacity),
		done:      make(chan struct{}),
		onConsume: onConsume,
	}
}

// Read implements io.Reader over the stream's data channel.
func (b *Body) Read(p []byte) (int, error) {
	if len(b.cur) == 0 {
		select {
		case chunk := <-b.ch:
			b.cur = chunk.data
		case <-b.done:
			// Chunks queued before the close still belong to the body.
			select {
			case chunk := <-b.ch:
				b.cur = chunk.data
			default:
				b.mu.Lock()
				err := b.err
				b.mu.Unlock()
				if err == nil {
					err = io.EOF
				}
				return 0, err
			}
		}
	}
	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	if b.onConsume != nil && n > 0 {
		b.onConsume(n)
	}
	return n, nil
}

// deliver queues one chunk; the channel capacity is sized from the
// stream window, so a conforming peer rarely blocks here, and a closed
// body sheds the chunk.
func (b *Body) deliver(data []byte) {
	select {
	case b.ch <- bodyChunk{data: data}:
	case <-b.done:
	}
}

// closeWith ends the body; a nil error reads as EOF.
func (b *Body) closeWith(err error) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.err = err
		b.mu.Unlock()
		close(b.done)
	})
}

// Pending is the slot through which a CONNECT handler receives the
// upgraded stream once a 2xx response has been written.
type Pending struct {
	ch chan *Upgraded
}

func newPending() *Pending {
	return &Pending{ch: make(chan *Upgraded, 1)}
}

// Wait blocks until the upgrade is realized or the stream is torn down.
func (p *Pending) Wait(ctx *service.Context) (*Upgraded, error) {
	select {
	case up, ok := <-p.ch:
		if !ok {
			return nil, errors.New("http2srv: upgrade never realized")
		}
		return up, nil
	case <-ctx.Guard().Done():
		return nil, ctx.Std().Err()
	}
}

func (p *Pending) fulfill(up *Upgraded) {
	p.ch <- up
}

func (p *Pending) abandon() {
	close(p.ch)
}

// Upgraded is the byte stream of a realized CONNECT: reads drain the
// stream's inbound DATA, writes emit DATA frames toward the peer.
type Upgraded struct {
	st *stream

	closeOnce sync.Once
	closeErr  error
}

// Read implements io.Reader.
func (u *Upgraded) Read(p []byte) (int, error) {
	return u.st.body.Read(p)
}

// Write implements io.Writer.
func (u *Upgraded) Write(p []byte) (int, error) {
	if err := u.st.sc.sendData(u.st, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close half-closes the stream toward the peer and releases the
// stream's connection-table slot.
func (u *Upgraded) Close() error {
	u.closeOnce.Do(func() {
		u.closeErr = u.st.sc.sendData(u.st, nil, true)
		u.st.endTunnel()
	})
	return u.closeErr
}

var _ io.ReadWriteCloser = (*Upgraded)(nil)

// stream is the connection-task view of one open stream.
type stream struct {
	id   uint32
	sc   *serverConn
	sctx *service.Context
	body *Body

	// sendWindow is the peer-granted outbound window; guarded by the
	// connection's flow mutex.
	sendWindow int32

	mu        sync.Mutex
	responded bool
	reset     bool

	pending *Pending

	// tunnelDone is closed when a realized upgrade ends locally. Nil
	// until the upgrade is fulfilled.
	tunnelDone chan struct{}
	tunnelOnce sync.Once
}

func (st *stream) endTunnel() {
	st.tunnelOnce.Do(func() {
		if st.tunnelDone != nil {
			close(st.tunnelDone)
		}
	})
}

// markResponded flips the at-most-once latch. It reports false when a
// reply (response or RST) was already emitted.
func (st *stream) markResponded() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.responded || st.reset {
		return false
	}
	st.responded = true
	return true
}

// markReset latches the peer-reset state; returns false when a reply was
// already emitted.
func (st *stream) markReset() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.responded || st.reset {
		return false
	}
	st.reset = true
	return true
}

func (st *stream) wasReset() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reset
}

func validatePseudoOrder(order []string) error {
	seen := map[string]bool{}
	for _, name := range order {
		if seen[name] {
			return fmt.Errorf("duplicate pseudo-header %q", name)
		}
		seen[name] = true
	}
	return nil
}

package peek_test

import (
	"io"
	"net"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/peek"
)

func pipeWith(t *testing.T, payload []byte) *peek.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		client.Write(payload)
		client.Close()
	}()
	t.Cleanup(func() { server.Close() })
	return peek.NewConn(server)
}

func TestPeekDoesNotConsume(t *testing.T) {
	c := qt.New(t)

	payload := []byte("GET / HTTP/1.1\r\nHost: a\r\n\r\n")
	pc := pipeWith(t, payload)

	prefix, err := pc.Peek(4)
	c.Assert(err, qt.IsNil)
	c.Assert(string(prefix), qt.Equals, "GET ")

	all, err := io.ReadAll(pc)
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.DeepEquals, payload, qt.Commentf("peeked bytes must be re-emitted"))
}

func TestPeekTwiceGrowsBuffer(t *testing.T) {
	c := qt.New(t)

	payload := []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")
	pc := pipeWith(t, payload)

	first, err := pc.Peek(3)
	c.Assert(err, qt.IsNil)
	c.Assert(string(first), qt.Equals, "CON")

	second, err := pc.Peek(8)
	c.Assert(err, qt.IsNil)
	c.Assert(string(second), qt.Equals, "CONNECT ")

	all, err := io.ReadAll(pc)
	c.Assert(err, qt.IsNil)
	c.Assert(all, qt.DeepEquals, payload)
}

func TestPeekShortStream(t *testing.T) {
	c := qt.New(t)

	payload := []byte{0x05, 0x01}
	pc := pipeWith(t, payload)

	prefix, err := pc.Peek(24)
	c.Assert(err, qt.Equals, io.EOF)
	c.Assert(prefix, qt.DeepEquals, payload)

	all, readErr := io.ReadAll(pc)
	c.Assert(readErr, qt.IsNil)
	c.Assert(all, qt.DeepEquals, payload, qt.Commentf("short prefix still re-emitted in full"))
}

func TestReadInterleavedWithPeek(t *testing.T) {
	c := qt.New(t)

	payload := []byte("abcdefgh")
	pc := pipeWith(t, payload)

	_, err := pc.Peek(4)
	c.Assert(err, qt.IsNil)

	buf := make([]byte, 2)
	n, err := pc.Read(buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "ab")
	c.Assert(pc.Buffered(), qt.Equals, 2)

	rest, err := io.ReadAll(pc)
	c.Assert(err, qt.IsNil)
	c.Assert(string(rest), qt.Equals, "cdefgh")
}

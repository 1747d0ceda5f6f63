package fsserve_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	qt "github.com/frankban/quicktest"
	"github.com/klauspost/compress/gzip"

	"github.com/denisvmedia/go-proxycore/fsserve"
	"github.com/denisvmedia/go-proxycore/service"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func serve(t *testing.T, svc service.Service[*http.Request, *http.Response], req *http.Request) *http.Response {
	t.Helper()
	resp, err := svc.Serve(service.NewContext(context.Background()), req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestFileServiceBasic(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	content := []byte("<html><body>hello</body></html>")
	p := writeFile(t, dir, "index.html", content)

	svc := &fsserve.FileService{Path: p}
	resp := serve(t, svc, httptest.NewRequest("GET", "http://www.example.com/index.html", nil))

	c.Assert(resp.StatusCode, qt.Equals, 200)
	c.Assert(resp.Header.Get("Content-Type"), qt.Contains, "text/html")
	c.Assert(resp.ContentLength, qt.Equals, int64(len(content)))

	b, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(b, qt.DeepEquals, content)
	resp.Body.Close()
}

func TestFileServiceHeadOmitsBody(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "data.txt", []byte("payload"))

	svc := &fsserve.FileService{Path: p}
	resp := serve(t, svc, httptest.NewRequest("HEAD", "http://www.example.com/data.txt", nil))

	c.Assert(resp.StatusCode, qt.Equals, 200)
	c.Assert(resp.Header.Get("Content-Length"), qt.Equals, "7")

	b, _ := io.ReadAll(resp.Body)
	c.Assert(b, qt.HasLen, 0)
}

func TestFileServiceRange(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "data.bin", []byte("0123456789"))
	svc := &fsserve.FileService{Path: p}

	req := httptest.NewRequest("GET", "http://www.example.com/data.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	resp := serve(t, svc, req)

	c.Assert(resp.StatusCode, qt.Equals, http.StatusPartialContent)
	c.Assert(resp.Header.Get("Content-Range"), qt.Equals, "bytes 2-5/10")

	b, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Equals, "2345")
	resp.Body.Close()
}

func TestFileServiceSuffixRange(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "data.bin", []byte("0123456789"))
	svc := &fsserve.FileService{Path: p}

	req := httptest.NewRequest("GET", "http://www.example.com/data.bin", nil)
	req.Header.Set("Range", "bytes=-3")
	resp := serve(t, svc, req)

	c.Assert(resp.StatusCode, qt.Equals, http.StatusPartialContent)
	b, _ := io.ReadAll(resp.Body)
	c.Assert(string(b), qt.Equals, "789")
	resp.Body.Close()
}

func TestFileServiceInvalidRange(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "data.bin", []byte("0123456789"))
	svc := &fsserve.FileService{Path: p}

	req := httptest.NewRequest("GET", "http://www.example.com/data.bin", nil)
	req.Header.Set("Range", "bytes=50-60")
	resp := serve(t, svc, req)

	c.Assert(resp.StatusCode, qt.Equals, http.StatusRequestedRangeNotSatisfiable)
	c.Assert(resp.Header.Get("Content-Range"), qt.Equals, "bytes */10")
}

func TestFileServiceConditional(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "page.html", []byte("cached content"))
	svc := &fsserve.FileService{Path: p}

	first := serve(t, svc, httptest.NewRequest("GET", "http://www.example.com/page.html", nil))
	etag := first.Header.Get("Etag")
	c.Assert(etag, qt.Not(qt.Equals), "")
	first.Body.Close()

	req := httptest.NewRequest("GET", "http://www.example.com/page.html", nil)
	req.Header.Set("If-None-Match", etag)
	resp := serve(t, svc, req)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotModified)

	req = httptest.NewRequest("GET", "http://www.example.com/page.html", nil)
	req.Header.Set("If-Modified-Since", first.Header.Get("Last-Modified"))
	resp = serve(t, svc, req)
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotModified)
}

func TestPrecompressedVariantSelection(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	plain := []byte("this content compresses fine")
	p := writeFile(t, dir, "app.js", plain)

	var brBuf bytes.Buffer
	bw := brotli.NewWriter(&brBuf)
	bw.Write(plain)
	bw.Close()
	writeFile(t, dir, "app.js.br", brBuf.Bytes())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	gw.Write(plain)
	gw.Close()
	writeFile(t, dir, "app.js.gz", gzBuf.Bytes())

	svc := &fsserve.FileService{Path: p, Precompressed: true}

	// Client preferring gzip gets gzip despite brotli existing.
	req := httptest.NewRequest("GET", "http://www.example.com/app.js", nil)
	req.Header.Set("Accept-Encoding", "gzip;q=1.0, br;q=0.5")
	resp := serve(t, svc, req)
	c.Assert(resp.Header.Get("Content-Encoding"), qt.Equals, "gzip")
	c.Assert(resp.Header.Get("Vary"), qt.Equals, "Accept-Encoding")
	b, _ := io.ReadAll(resp.Body)
	c.Assert(b, qt.DeepEquals, gzBuf.Bytes())
	resp.Body.Close()

	// Equal q-values keep the client's listed order.
	req = httptest.NewRequest("GET", "http://www.example.com/app.js", nil)
	req.Header.Set("Accept-Encoding", "br, gzip")
	resp = serve(t, svc, req)
	c.Assert(resp.Header.Get("Content-Encoding"), qt.Equals, "br")
	resp.Body.Close()

	// No Accept-Encoding serves identity.
	req = httptest.NewRequest("GET", "http://www.example.com/app.js", nil)
	resp = serve(t, svc, req)
	c.Assert(resp.Header.Get("Content-Encoding"), qt.Equals, "")
	b, _ = io.ReadAll(resp.Body)
	c.Assert(b, qt.DeepEquals, plain)
	resp.Body.Close()
}

func TestDirServiceIndexFallback(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	writeFile(t, dir, "index.html", []byte("home"))

	svc := &fsserve.DirService{Root: dir}
	resp := serve(t, svc, httptest.NewRequest("GET", "http://www.example.com/", nil))

	c.Assert(resp.StatusCode, qt.Equals, 200)
	b, _ := io.ReadAll(resp.Body)
	c.Assert(string(b), qt.Equals, "home")
	resp.Body.Close()
}

func TestDirServiceNotFound(t *testing.T) {
	c := qt.New(t)

	svc := &fsserve.DirService{Root: t.TempDir()}
	resp := serve(t, svc, httptest.NewRequest("GET", "http://www.example.com/missing.txt", nil))
	c.Assert(resp.StatusCode, qt.Equals, http.StatusNotFound)
}

func TestMethodNotAllowed(t *testing.T) {
	c := qt.New(t)

	dir := t.TempDir()
	p := writeFile(t, dir, "f.txt", []byte("x"))
	svc := &fsserve.FileService{Path: p}

	resp := serve(t, svc, httptest.NewRequest("POST", "http://www.example.com/f.txt", nil))
	c.Assert(resp.StatusCode, qt.Equals, http.StatusMethodNotAllowed)
	c.Assert(resp.Header.Get("Allow"), qt.Equals, "GET, HEAD")
}

func TestExtractHeaders(t *testing.T) {
	c := qt.New(t)

	ctx := service.NewContext(context.Background())
	inner := service.Func[*http.Request, *http.Response](func(_ *service.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: make(http.Header), Body: http.NoBody}, nil
	})
	svc := service.Chain(inner, fsserve.ExtractHeaders())

	req := httptest.NewRequest("GET", "http://www.example.com/", nil)
	req.Header.Set("User-Agent", "curl/8.0")
	req.Header.Set("Referer", "http://ref.example.com/")

	_, err := svc.Serve(ctx, req)
	c.Assert(err, qt.IsNil)

	ua, ok := service.Get[fsserve.UserAgent](ctx.Extensions())
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(ua), qt.Equals, "curl/8.0")

	ref, ok := service.Get[fsserve.Referer](ctx.Extensions())
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(ref), qt.Equals, "http://ref.example.com/")

	authority, ok := service.Get[fsserve.Authority](ctx.Extensions())
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(authority), qt.Equals, "www.example.com")
}

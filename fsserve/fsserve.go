// Package fsserve serves files and directories as proxy services:
// conditional requests, single byte ranges and precompressed sibling
// selection (brotli, zstd, gzip) are handled here so proxied static
// responses behave like a well-configured origin.
package fsserve

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/denisvmedia/go-proxycore/service"
)

// encodingVariant couples a content-coding with the file suffix its
// precompressed sibling carries.
type encodingVariant struct {
	coding string
	suffix string
}

// variantOrder lists the precompressed codings served and their file
// suffixes. Among equally acceptable codings the client's listed order
// decides.
var variantOrder = []encodingVariant{
	{coding: "br", suffix: ".br"},
	{coding: "zstd", suffix: ".zst"},
	{coding: "gzip", suffix: ".gz"},
}

// FileService serves one file.
type FileService struct {
	// Path of the file on disk.
	Path string

	// Precompressed enables serving .br/.zst/.gz siblings when the
	// client accepts the coding.
	Precompressed bool
}

// Serve implements service.Service.
func (s *FileService) Serve(ctx *service.Context, req *http.Request) (*http.Response, error) {
	return serveFile(req, s.Path, s.Precompressed)
}

// DirService serves a directory tree rooted at Root.
type DirService struct {
	Root string

	// IndexFile is appended to directory paths; default "index.html".
	IndexFile string

	Precompressed bool
}

// Serve implements service.Service.
func (s *DirService) Serve(ctx *service.Context, req *http.Request) (*http.Response, error) {
	cleaned := path.Clean("/" + req.URL.Path)
	if strings.Contains(cleaned, "..") {
		return textResponse(req, http.StatusBadRequest, "invalid path"), nil
	}
	target := filepath.Join(s.Root, filepath.FromSlash(cleaned))

	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		index := s.IndexFile
		if index == "" {
			index = "index.html"
		}
		target = filepath.Join(target, index)
	}
	return serveFile(req, target, s.Precompressed)
}

func serveFile(req *http.Request, fsPath string, precompressed bool) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		resp := textResponse(req, http.StatusMethodNotAllowed, "method not allowed")
		resp.Header.Set("Allow", "GET, HEAD")
		return resp, nil
	}

	info, err := os.Stat(fsPath)
	if err != nil || info.IsDir() {
		return textResponse(req, http.StatusNotFound, "not found"), nil
	}

	etag := fmt.Sprintf(`"%x-%x"`, info.ModTime().UnixNano(), info.Size())
	if notModified(req, etag, info.ModTime()) {
		resp := emptyResponse(req, http.StatusNotModified)
		resp.Header.Set("Etag", etag)
		return resp, nil
	}

	servePath := fsPath
	contentEncoding := ""
	size := info.Size()
	if precompressed {
		if variant, variantInfo := pickVariant(req, fsPath); variant != nil {
			servePath = fsPath + variant.suffix
			contentEncoding = variant.coding
			size = variantInfo.Size()
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(fsPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)
	header.Set("Accept-Ranges", "bytes")
	header.Set("Etag", etag)
	header.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if contentEncoding != "" {
		header.Set("Content-Encoding", contentEncoding)
		header.Set("Vary", "Accept-Encoding")
	}

	status := http.StatusOK
	offset, length := int64(0), size

	// Ranges do not combine with a transparently chosen compressed
	// variant: byte offsets would address different representations.
	if rangeHeader := req.Header.Get("Range"); rangeHeader != "" && contentEncoding == "" {
		start, end, ok := parseRange(rangeHeader, size)
		if !ok {
			resp := emptyResponse(req, http.StatusRequestedRangeNotSatisfiable)
			resp.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			return resp, nil
		}
		status = http.StatusPartialContent
		offset, length = start, end-start+1
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	header.Set("Content-Length", strconv.FormatInt(length, 10))

	resp := &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		ContentLength: length,
		Body:          http.NoBody,
		Request:       req,
	}
	if req.Method == http.MethodHead {
		return resp, nil
	}

	file, err := os.Open(servePath)
	if err != nil {
		return textResponse(req, http.StatusInternalServerError, "open failed"), nil
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return textResponse(req, http.StatusInternalServerError, "seek failed"), nil
		}
	}
	resp.Body = &sectionBody{file: file, remaining: length}
	return resp, nil
}

// pickVariant returns the preferred precompressed sibling acceptable to
// the client, or nil to serve the identity file.
func pickVariant(req *http.Request, fsPath string) (*encodingVariant, os.FileInfo) {
	accepted := acceptedEncodings(req.Header.Get("Accept-Encoding"))
	if len(accepted) == 0 {
		return nil, nil
	}
	for _, coding := range accepted {
		for i, variant := range variantOrder {
			if variant.coding != coding {
				continue
			}
			if info, err := os.Stat(fsPath + variant.suffix); err == nil && !info.IsDir() {
				return &variantOrder[i], info
			}
		}
	}
	return nil, nil
}

// acceptedEncodings parses Accept-Encoding into codings ordered by
// descending q-value; zero-q codings are dropped.
func acceptedEncodings(header string) []string {
	type weighted struct {
		coding string
		q      float64
		pos    int
	}
	var out []weighted
	for pos, part := range strings.Split(header, ",") {
		coding, params, _ := strings.Cut(part, ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding == "" {
			continue
		}
		q := 1.0
		if params = strings.TrimSpace(params); strings.HasPrefix(params, "q=") {
			if parsed, err := strconv.ParseFloat(params[2:], 64); err == nil {
				q = parsed
			}
		}
		if q <= 0 {
			continue
		}
		out = append(out, weighted{coding: coding, q: q, pos: pos})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].q != out[j].q {
			return out[i].q > out[j].q
		}
		return out[i].pos < out[j].pos
	})
	codings := make([]string, len(out))
	for i, w := range out {
		codings[i] = w.coding
	}
	return codings
}

func notModified(req *http.Request, etag string, modTime time.Time) bool {
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		for _, candidate := range strings.Split(inm, ",") {
			if strings.TrimSpace(candidate) == etag || strings.TrimSpace(candidate) == "*" {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !modTime.Truncate(time.Second).After(t)
		}
	}
	return false
}

// parseRange handles a single "bytes=" range; multipart ranges are not
// supported and read as unsatisfiable.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	if endStr == "" {
		return start, size - 1, true
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

type sectionBody struct {
	file      *os.File
	remaining int64
}

func (b *sectionBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.file.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *sectionBody) Close() error {
	return b.file.Close()
}

func emptyResponse(req *http.Request, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     make(http.Header),
		Body:       http.NoBody,
		Request:    req,
	}
}

func textResponse(req *http.Request, status int, msg string) *http.Response {
	resp := emptyResponse(req, status)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Content-Length", strconv.Itoa(len(msg)))
	resp.ContentLength = int64(len(msg))
	resp.Body = io.NopCloser(strings.NewReader(msg))
	return resp
}

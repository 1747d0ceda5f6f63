package httplayer

import (
	"fmt"
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/denisvmedia/go-proxycore/service"
)

// MapResponseBody transforms the response body through f while leaving
// status, headers and trailers untouched. Content-Length is invalidated
// because the mapped size is unknown.
func MapResponseBody(f func(io.ReadCloser) io.ReadCloser) Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			resp, err := next.Serve(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Body == nil || resp.Body == http.NoBody {
				return resp, nil
			}
			resp.Body = f(resp.Body)
			resp.ContentLength = -1
			resp.Header.Del("Content-Length")
			return resp, nil
		})
	}
}

// DecodeResponseBody decompresses the response body according to its
// Content-Encoding (gzip, br, zstd or identity) so downstream layers see
// plaintext. The encoding header is removed once decoded.
func DecodeResponseBody() Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			resp, err := next.Serve(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Body == nil || resp.Body == http.NoBody {
				return resp, nil
			}
			encoding := resp.Header.Get("Content-Encoding")
			decoded, err := DecodeReader(encoding, resp.Body)
			if err != nil {
				resp.Body.Close()
				return nil, err
			}
			if decoded == nil {
				return resp, nil
			}
			resp.Body = decoded
			resp.ContentLength = -1
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
			return resp, nil
		})
	}
}

// DecodeReader wraps r with the decoder for encoding. It returns nil
// when the encoding is identity (nothing to do) and an error when the
// encoding is unsupported.
func DecodeReader(encoding string, r io.ReadCloser) (io.ReadCloser, error) {
	switch encoding {
	case "", "identity":
		return nil, nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr, inner: r, decoder: zr}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(r), inner: r}, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &decodedBody{Reader: zr.IOReadCloser(), inner: r}, nil
	default:
		return nil, fmt.Errorf("httplayer: unsupported content-encoding %q", encoding)
	}
}

type decodedBody struct {
	io.Reader
	inner   io.ReadCloser
	decoder io.Closer
}

func (b *decodedBody) Close() error {
	if b.decoder != nil {
		b.decoder.Close()
	}
	return b.inner.Close()
}

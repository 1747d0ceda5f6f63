package httplayer

import (
	"errors"
	"io"
	"net/http"

	"github.com/denisvmedia/go-proxycore/service"
)

// ErrBodyLimitExceeded is the fatal stream error produced when a request
// or response body crosses the configured cap.
var ErrBodyLimitExceeded = errors.New("httplayer: body limit exceeded")

// BodyLimit caps request and response body bytes symmetrically. The cap
// is enforced as the body streams; crossing it surfaces
// ErrBodyLimitExceeded from the read.
func BodyLimit(limit int64) Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			if req.Body != nil && req.Body != http.NoBody {
				if req.ContentLength > limit {
					return nil, ErrBodyLimitExceeded
				}
				req.Body = &limitedBody{inner: req.Body, remaining: limit}
			}
			resp, err := next.Serve(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Body != nil && resp.Body != http.NoBody {
				if resp.ContentLength > limit {
					resp.Body.Close()
					return nil, ErrBodyLimitExceeded
				}
				resp.Body = &limitedBody{inner: resp.Body, remaining: limit}
			}
			return resp, nil
		})
	}
}

type limitedBody struct {
	inner     io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrBodyLimitExceeded
	}
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.inner.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return 0, ErrBodyLimitExceeded
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.inner.Close()
}

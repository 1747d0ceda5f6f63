package fsserve

import (
	"fmt"
	"net/http"

	"github.com/denisvmedia/go-proxycore/service"
)

// Typed header values extracted into the Context by ExtractHeaders.
type (
	// UserAgent is the request's User-Agent header.
	UserAgent string
	// Authority is the request authority (Host header or URL host).
	Authority string
	// Referer is the request's Referer header.
	Referer string
)

// Extract parses the named header with parse and stores the typed value
// as a Context extension. A missing header is not an error; a failing
// parse is.
func Extract[T any](ctx *service.Context, req *http.Request, name string, parse func(string) (T, error)) error {
	raw := req.Header.Get(name)
	if raw == "" {
		return nil
	}
	value, err := parse(raw)
	if err != nil {
		return fmt.Errorf("extract header %s: %w", name, err)
	}
	ctx.Extensions().Set(value)
	return nil
}

// ExtractHeaders pulls the common typed headers off req into the
// Context so downstream services read them without re-parsing.
func ExtractHeaders() service.Layer[*http.Request, *http.Response] {
	return func(next service.Service[*http.Request, *http.Response]) service.Service[*http.Request, *http.Response] {
		return service.Func[*http.Request, *http.Response](func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			if ua := req.Header.Get("User-Agent"); ua != "" {
				ctx.Extensions().Set(UserAgent(ua))
			}
			if ref := req.Header.Get("Referer"); ref != "" {
				ctx.Extensions().Set(Referer(ref))
			}
			authority := req.Host
			if authority == "" && req.URL != nil {
				authority = req.URL.Host
			}
			if authority != "" {
				ctx.Extensions().Set(Authority(authority))
			}
			return next.Serve(ctx, req)
		})
	}
}

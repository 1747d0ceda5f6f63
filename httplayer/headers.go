package httplayer

import (
	"net"
	"net/http"
	"strings"

	"github.com/denisvmedia/go-proxycore/forwarded"
	"github.com/denisvmedia/go-proxycore/peek"
	"github.com/denisvmedia/go-proxycore/service"
)

// hopByHopHeaders are connection-specific and must not travel to the
// next hop (RFC 7230 section 6.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop strips hop-by-hop headers, including any named by the
// Connection header, before forwarding.
func RemoveHopByHop() Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			for _, value := range req.Header.Values("Connection") {
				for _, name := range strings.Split(value, ",") {
					if name = strings.TrimSpace(name); name != "" {
						req.Header.Del(name)
					}
				}
			}
			for _, name := range hopByHopHeaders {
				req.Header.Del(name)
			}
			return next.Serve(ctx, req)
		})
	}
}

// AddRequiredRequestHeaders canonicalizes an outbound proxy request:
// Host from the URL when absent, plus default User-Agent and Accept.
func AddRequiredRequestHeaders(userAgent string) Layer {
	if userAgent == "" {
		userAgent = "go-proxycore"
	}
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			if req.Host == "" && req.URL != nil {
				req.Host = req.URL.Host
			}
			if _, ok := req.Header["User-Agent"]; !ok {
				req.Header.Set("User-Agent", userAgent)
			}
			if req.Header.Get("Accept") == "" {
				req.Header.Set("Accept", "*/*")
			}
			return next.Serve(ctx, req)
		})
	}
}

// SetForwarded appends a canonical RFC 7239 Forwarded element naming
// this proxy, the observed peer and the requested authority and scheme.
func SetForwarded(node string) Layer {
	if node == "" {
		node = forwarded.DefaultNode
	}
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			el := forwarded.Element{By: node}
			if rc, ok := service.Get[peek.RequestContext](ctx.Extensions()); ok && rc.RemoteAddr != nil {
				el.For = rc.RemoteAddr.String()
			}
			if tc, ok := service.Get[peek.TransportContext](ctx.Extensions()); ok {
				el.Host = tc.Target.Authority()
				el.Proto = tc.Scheme
			} else if req.URL != nil {
				el.Host = req.Host
				el.Proto = req.URL.Scheme
			}
			forwarded.Append(req.Header, el)
			return next.Serve(ctx, req)
		})
	}
}

// XForwardedFor appends the peer IP to the legacy X-Forwarded-For chain
// and records X-Forwarded-Host and X-Forwarded-Proto.
func XForwardedFor() Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			if rc, ok := service.Get[peek.RequestContext](ctx.Extensions()); ok && rc.RemoteAddr != nil {
				if host, _, err := net.SplitHostPort(rc.RemoteAddr.String()); err == nil {
					forwarded.AppendXForwardedFor(req.Header, host)
				}
			}
			if req.Host != "" {
				forwarded.SetXForwardedHost(req.Header, req.Host)
			}
			if tc, ok := service.Get[peek.TransportContext](ctx.Extensions()); ok {
				forwarded.SetXForwardedProto(req.Header, tc.Scheme)
			}
			return next.Serve(ctx, req)
		})
	}
}

// Via appends this hop to the Via chain on both the request and the
// response.
func Via(node string) Layer {
	if node == "" {
		node = forwarded.DefaultNode
	}
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			entry := protoVersion(req) + " " + node
			forwarded.AppendVia(req.Header, entry)
			resp, err := next.Serve(ctx, req)
			if err != nil {
				return nil, err
			}
			if resp.Header == nil {
				resp.Header = make(http.Header)
			}
			forwarded.AppendVia(resp.Header, entry)
			return resp, nil
		})
	}
}

func protoVersion(req *http.Request) string {
	version := strings.TrimPrefix(req.Proto, "HTTP/")
	if req.ProtoMajor == 0 || version == "" {
		return "1.1"
	}
	return version
}

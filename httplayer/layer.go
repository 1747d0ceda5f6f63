// Package httplayer provides the cross-cutting layers every proxy stack
// composes around its inner HTTP service: tracing, proxy authentication,
// upgrades, body limits, header canonicalization, forwarded-chain
// stamping, response-body mapping and error consumption.
//
// All layers follow the same contract: transparent to payloads they do
// not modify, cancellation propagating, no Context retained beyond the
// call.
package httplayer

import (
	"log/slog"
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/denisvmedia/go-proxycore/service"
)

// Service is the request shape shared by every layer in this package.
type Service = service.Service[*http.Request, *http.Response]

// Layer wraps a Service with one concern.
type Layer = service.Layer[*http.Request, *http.Response]

// ServiceFunc adapts a function to Service.
func ServiceFunc(f func(ctx *service.Context, req *http.Request) (*http.Response, error)) Service {
	return service.Func[*http.Request, *http.Response](f)
}

// RequestID identifies one traced request; stored as a Context
// extension by the Trace layer.
type RequestID struct {
	ID uuid.UUID
}

// Trace attaches a request id to the Context and records request start
// and end with duration.
func Trace() Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			id := uuid.NewV4()
			ctx.Extensions().Set(RequestID{ID: id})

			logger := slog.Default().With(
				"in", "httplayer.Trace",
				"request_id", id.String()[:8],
				"method", req.Method,
				"host", req.Host,
			)
			logger.Debug("request start")

			start := time.Now()
			resp, err := next.Serve(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.Debug("request failed", "error", err, "duration", duration)
				return nil, err
			}
			logger.Debug("request end", "status", resp.StatusCode, "duration", duration)
			return resp, nil
		})
	}
}

// ConsumeErr converts any inner error into the response produced by
// fallback; it never propagates an error. A nil fallback yields a plain
// 502.
func ConsumeErr(fallback func(ctx *service.Context, req *http.Request, err error) *http.Response) Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			resp, err := next.Serve(ctx, req)
			if err == nil {
				return resp, nil
			}
			slog.Default().Debug("inner service error consumed",
				"in", "httplayer.ConsumeErr",
				"error", err,
			)
			if fallback != nil {
				if r := fallback(ctx, req, err); r != nil {
					return r, nil
				}
			}
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Status:     "502 Bad Gateway",
				Proto:      req.Proto,
				ProtoMajor: req.ProtoMajor,
				ProtoMinor: req.ProtoMinor,
				Header:     make(http.Header),
				Body:       http.NoBody,
				Request:    req,
			}, nil
		})
	}
}

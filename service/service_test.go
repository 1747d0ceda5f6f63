package service_test

import (
	"context"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/service"
)

func appendLayer(tag string) service.Layer[string, string] {
	return func(next service.Service[string, string]) service.Service[string, string] {
		return service.Func[string, string](func(ctx *service.Context, req string) (string, error) {
			resp, err := next.Serve(ctx, req+" >"+tag)
			if err != nil {
				return "", err
			}
			return resp + " <" + tag, nil
		})
	}
}

func TestChainAppliesOutermostFirst(t *testing.T) {
	c := qt.New(t)

	inner := service.Func[string, string](func(ctx *service.Context, req string) (string, error) {
		return req + " inner", nil
	})

	svc := service.Chain(inner, appendLayer("log"), appendLayer("auth"), appendLayer("rewrite"))

	resp, err := svc.Serve(service.NewContext(context.Background()), "req")
	c.Assert(err, qt.IsNil)

	// The first layer sees the request first and the response last.
	c.Assert(resp, qt.Equals, "req >log >auth >rewrite inner <rewrite <auth <log")
}

func TestChainNoLayers(t *testing.T) {
	c := qt.New(t)

	inner := service.Func[string, string](func(ctx *service.Context, req string) (string, error) {
		return strings.ToUpper(req), nil
	})
	svc := service.Chain(inner)

	resp, err := svc.Serve(service.NewContext(context.Background()), "hello")
	c.Assert(err, qt.IsNil)
	c.Assert(resp, qt.Equals, "HELLO")
}

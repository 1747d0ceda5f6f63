package service

// Service is an asynchronous request handler: given a Context and a
// request it produces a response or an error. All proxy stages implement
// this contract so that cross-cutting concerns compose uniformly.
type Service[Req, Resp any] interface {
	Serve(ctx *Context, req Req) (Resp, error)
}

// Func adapts an ordinary function to the Service interface.
type Func[Req, Resp any] func(ctx *Context, req Req) (Resp, error)

// Serve implements Service.
func (f Func[Req, Resp]) Serve(ctx *Context, req Req) (Resp, error) {
	return f(ctx, req)
}

// Layer wraps a Service with additional behavior, yielding a new Service
// of the same shape.
type Layer[Req, Resp any] func(Service[Req, Resp]) Service[Req, Resp]

// LayerFunc adapts a wrapping function to a Layer. Provided for symmetry
// with Func when a layer is defined inline.
func LayerFunc[Req, Resp any](f func(Service[Req, Resp]) Service[Req, Resp]) Layer[Req, Resp] {
	return f
}

// Chain applies layers to inner outermost-first: the first layer in the
// list observes the request before any other and the response after every
// other.
func Chain[Req, Resp any](inner Service[Req, Resp], layers ...Layer[Req, Resp]) Service[Req, Resp] {
	svc := inner
	for i := len(layers) - 1; i >= 0; i-- {
		svc = layers[i](svc)
	}
	return svc
}

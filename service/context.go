// Package service defines the request-processing contract shared by every
// proxy component: a Context carrying per-request typed state, cancellation
// and execution affinity, and a Service/Layer pair for composing ordered
// stacks of cross-cutting behavior.
package service

import (
	"context"
)

// Context is the sole carrier of request-scoped data across service
// boundaries. It bundles the standard library context (cancellation and
// deadlines), a typed extension bag, a shutdown guard and an executor
// handle for spawning tracked background tasks.
//
// A Context is owned by the task handling the request. Clone it when
// fanning out; extensions are shared shallowly.
type Context struct {
	ctx   context.Context
	ext   *Extensions
	guard *Guard
	exec  *Executor
}

// NewContext creates a Context rooted at ctx with a fresh guard and
// executor.
func NewContext(ctx context.Context) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	guard := NewGuard(ctx)
	return &Context{
		ctx:   ctx,
		ext:   NewExtensions(),
		guard: guard,
		exec:  NewExecutor(guard),
	}
}

// Std returns the standard library context view, observing both the
// original context and the shutdown guard.
func (c *Context) Std() context.Context {
	return c.guard.Context()
}

// WithStd returns a copy of the Context whose standard context is replaced.
// The extension bag and executor are shared with the receiver.
func (c *Context) WithStd(ctx context.Context) *Context {
	clone := *c
	clone.ctx = ctx
	clone.guard = NewGuard(ctx)
	return &clone
}

// Extensions returns the typed extension bag.
func (c *Context) Extensions() *Extensions {
	return c.ext
}

// Guard returns the shutdown guard.
func (c *Context) Guard() *Guard {
	return c.guard
}

// Executor returns the executor handle.
func (c *Context) Executor() *Executor {
	return c.exec
}

// Child returns a clone whose guard is a child of the receiver's guard:
// cancelling the parent still reaches the child, while cancelling the
// child leaves the parent untouched. Used for per-stream tasks inside a
// connection.
func (c *Context) Child() *Context {
	clone := *c
	clone.ext = c.ext.Clone()
	clone.guard = c.guard.Child()
	clone.exec = NewExecutor(clone.guard)
	return &clone
}

// Clone returns a copy suitable for handing to a fanned-out task. The
// extension index is copied so later insertions do not race; stored values
// are shared. The guard and executor are shared: cancelling the original
// still cancels work spawned from the clone.
func (c *Context) Clone() *Context {
	clone := *c
	clone.ext = c.ext.Clone()
	return &clone
}

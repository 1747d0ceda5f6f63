package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/service"
)

type peerInfo struct {
	Addr string
}

func TestExtensionsReplaceOnInsert(t *testing.T) {
	c := qt.New(t)

	ext := service.NewExtensions()
	ext.Set(peerInfo{Addr: "10.0.0.1:1234"})
	ext.Set(peerInfo{Addr: "10.0.0.2:5678"})

	got, ok := service.Get[peerInfo](ext)
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Addr, qt.Equals, "10.0.0.2:5678")
	c.Assert(ext.Len(), qt.Equals, 1)
}

func TestExtensionsGetMissing(t *testing.T) {
	c := qt.New(t)

	ext := service.NewExtensions()
	_, ok := service.Get[peerInfo](ext)
	c.Assert(ok, qt.IsFalse)
}

func TestExtensionsGetOrInsertWithRunsOnce(t *testing.T) {
	c := qt.New(t)

	ext := service.NewExtensions()
	calls := 0
	build := func() (peerInfo, error) {
		calls++
		return peerInfo{Addr: "10.0.0.1:1234"}, nil
	}

	first, err := service.GetOrInsertWith(ext, build)
	c.Assert(err, qt.IsNil)
	second, err := service.GetOrInsertWith(ext, build)
	c.Assert(err, qt.IsNil)

	c.Assert(first, qt.Equals, second)
	c.Assert(calls, qt.Equals, 1)
}

func TestExtensionsGetOrInsertWithError(t *testing.T) {
	c := qt.New(t)

	ext := service.NewExtensions()
	wantErr := errors.New("no peer available")
	_, err := service.GetOrInsertWith(ext, func() (peerInfo, error) {
		return peerInfo{}, wantErr
	})
	c.Assert(err, qt.Equals, wantErr)

	_, ok := service.Get[peerInfo](ext)
	c.Assert(ok, qt.IsFalse, qt.Commentf("failed construction must not store"))
}

func TestContextCloneInsertDoesNotLeakBack(t *testing.T) {
	c := qt.New(t)

	ctx := service.NewContext(context.Background())
	ctx.Extensions().Set(peerInfo{Addr: "10.0.0.1:1234"})

	clone := ctx.Clone()
	clone.Extensions().Set(peerInfo{Addr: "10.0.0.9:9"})

	orig, _ := service.Get[peerInfo](ctx.Extensions())
	c.Assert(orig.Addr, qt.Equals, "10.0.0.1:1234", qt.Commentf("clone insert must not leak back"))
}

func TestGuardCancelCascades(t *testing.T) {
	c := qt.New(t)

	root := service.NewGuard(context.Background())
	child := root.Child()
	grandchild := child.Child()

	root.Cancel()

	c.Assert(child.Cancelled(), qt.IsTrue)
	c.Assert(grandchild.Cancelled(), qt.IsTrue)
}

func TestGuardChildCancelDoesNotReachParent(t *testing.T) {
	c := qt.New(t)

	root := service.NewGuard(context.Background())
	child := root.Child()
	child.Cancel()

	c.Assert(root.Cancelled(), qt.IsFalse)
}

func TestExecutorWaitsForTasks(t *testing.T) {
	c := qt.New(t)

	guard := service.NewGuard(context.Background())
	exec := service.NewExecutor(guard)

	done := make(chan struct{})
	exec.Spawn(func(ctx context.Context) {
		<-done
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Assert(exec.Wait(waitCtx), qt.Equals, context.DeadlineExceeded)

	close(done)
	c.Assert(exec.Wait(context.Background()), qt.IsNil)
}

func TestExecutorSpawnObservesGuard(t *testing.T) {
	c := qt.New(t)

	guard := service.NewGuard(context.Background())
	exec := service.NewExecutor(guard)

	observed := make(chan struct{})
	exec.Spawn(func(ctx context.Context) {
		<-ctx.Done()
		close(observed)
	})

	guard.Cancel()

	select {
	case <-observed:
	case <-time.After(time.Second):
		c.Fatal("task did not observe guard cancellation")
	}
}

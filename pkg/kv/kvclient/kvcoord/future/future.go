// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package future implements a one-shot, generic completion primitive:
// composable continuations in place of mutable deferred/callback-chain
// objects. A Future is produced once, completed exactly once, and never
// mutated afterwards. Registering a continuation on an already-completed
// Future runs it immediately (on a new goroutine, so callers never run
// attached work while holding their own locks).
package future

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Future is a single-assignment container for a value/error pair, safe for
// concurrent use by multiple producers racing to observe completion and
// multiple consumers racing to attach continuations.
type Future[T any] struct {
	mu        sync.Mutex
	done      bool
	val       T
	err       error
	doneCh    chan struct{}
	callbacks []func(T, error)
}

// New returns an incomplete Future.
func New[T any]() *Future[T] {
	return &Future[T]{doneCh: make(chan struct{})}
}

// Completed returns a Future that is already resolved to (val, err).
func Completed[T any](val T, err error) *Future[T] {
	f := New[T]()
	f.Complete(val, err)
	return f
}

// Complete resolves the Future exactly once. Subsequent calls are no-ops;
// the first result wins.
func (f *Future[T]) Complete(val T, err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.val, f.err = val, err
	f.done = true
	cbs := f.callbacks
	f.callbacks = nil
	close(f.doneCh)
	f.mu.Unlock()

	for _, cb := range cbs {
		go cb(val, err)
	}
}

// Then registers a continuation to run when the Future completes. If the
// Future is already complete, the continuation runs immediately on a new
// goroutine. Then never blocks.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	if f.done {
		val, err := f.val, f.err
		f.mu.Unlock()
		go cb(val, err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Wait blocks until the Future completes or ctx is done, whichever comes
// first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.doneCh:
		f.mu.Lock()
		val, err := f.val, f.err
		f.mu.Unlock()
		return val, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the Future has completed without blocking.
func (f *Future[T]) Done() bool {
	select {
	case <-f.doneCh:
		return true
	default:
		return false
	}
}

// Map returns a new Future that resolves to fn(val) once f completes
// successfully, or propagates f's error otherwise.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	f.Then(func(val T, err error) {
		if err != nil {
			var zero U
			out.Complete(zero, err)
			return
		}
		out.Complete(fn(val))
	})
	return out
}

// Chain returns a new Future that, once f completes (regardless of error),
// invokes next to obtain a follow-up Future and forwards its result. This is
// the primitive behind a tablet flush's "defer but don't drop" re-dispatch
// and a retry continuation's re-enqueue-and-rechain behavior.
func Chain[T, U any](f *Future[T], next func(T, error) *Future[U]) *Future[U] {
	out := New[U]()
	f.Then(func(val T, err error) {
		nf := next(val, err)
		nf.Then(func(val2 U, err2 error) {
			out.Complete(val2, err2)
		})
	})
	return out
}

// WaitAll returns a Future that completes once every Future in fs has
// completed, or once ctx is done. Used by Session.Flush to gather the
// dispatched batches and direct sends of a single snapshot without
// blocking the session lock.
func WaitAll[T any](ctx context.Context, fs []*Future[T]) *Future[struct{}] {
	out := New[struct{}]()
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, f := range fs {
			f := f
			g.Go(func() error {
				// A Future that completed with an error has still completed;
				// returning nil keeps it from cancelling the wait on the rest.
				_, _ = f.Wait(gctx)
				return nil
			})
		}
		// WaitAll reports completion, not success: individual failures are
		// already delivered to their own Futures by the caller.
		_ = g.Wait()
		out.Complete(struct{}{}, nil)
	}()
	return out
}

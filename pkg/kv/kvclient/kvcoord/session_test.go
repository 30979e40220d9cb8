// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package kvcoord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// fakeLocator resolves every key to a single fixed tablet, optionally
// gated until release() is called so tests can observe the
// deferLookup/pendingLookup path deterministically.
type fakeLocator struct {
	mu      sync.Mutex
	cached  bool
	tablet  wire.TabletID
	waiters []chan struct{}
}

func newFakeLocator(tablet wire.TabletID, cached bool) *fakeLocator {
	return &fakeLocator{tablet: tablet, cached: cached}
}

func (l *fakeLocator) CachedTablet(table wire.TableID, key []byte) (wire.TabletID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.cached {
		return "", false
	}
	return l.tablet, true
}

func (l *fakeLocator) Locate(ctx context.Context, table wire.TableID, key []byte) *future.Future[LocationResult] {
	out := future.New[LocationResult]()
	go func() {
		out.Complete(LocationResult{Tablet: l.tablet}, nil)
	}()
	return out
}

func (l *fakeLocator) IsTableNotServed(table wire.TableID) bool { return false }

func (l *fakeLocator) WaitForTableCreation(ctx context.Context, table wire.TableID) *future.Future[struct{}] {
	return future.Completed(struct{}{}, nil)
}

func (l *fakeLocator) ClassifyLookupFailure(op *Operation, result LocationResult) *future.Future[struct{}] {
	return nil
}

// fakeDispatcher completes every send with a configurable, gated
// response so tests can control exactly when a batch/op "returns from the
// network".
type fakeDispatcher struct {
	mu      sync.Mutex
	gate    chan struct{} // nil means respond immediately
	resp    *wire.WriteResponse
	err     error
	batches []*Batch
	solos   []*Operation
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{resp: &wire.WriteResponse{}}
}

func (d *fakeDispatcher) SendOperation(ctx context.Context, op *Operation) *future.Future[any] {
	d.mu.Lock()
	d.solos = append(d.solos, op)
	d.mu.Unlock()
	return d.respond()
}

func (d *fakeDispatcher) SendBatch(ctx context.Context, batch *Batch) *future.Future[any] {
	d.mu.Lock()
	d.batches = append(d.batches, batch)
	d.mu.Unlock()
	return d.respond()
}

func (d *fakeDispatcher) respond() *future.Future[any] {
	out := future.New[any]()
	d.mu.Lock()
	gate := d.gate
	resp, err := d.resp, d.err
	d.mu.Unlock()
	go func() {
		if gate != nil {
			<-gate
		}
		out.Complete(resp, err)
	}()
	return out
}

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func testOp(key byte) *Operation {
	return NewOperation("t", wire.Mutation{Type: wire.MutationUpsert, RowKey: []byte{key}})
}

func TestSyncModeDispatchesImmediately(t *testing.T) {
	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.FlushMode = FlushSync
	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)

	fut, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)
	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Err)
	require.Equal(t, 1, len(disp.solos))
	require.Equal(t, 0, disp.batchCount())
}

func TestBackgroundModeFlushesOnTimer(t *testing.T) {
	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.BufferSizeLimit = 1000

	fakeSched := newInlineScheduler()
	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, fakeSched, nil, nil)

	fut, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)
	require.Equal(t, 0, disp.batchCount(), "must not flush before the timer fires")

	fakeSched.fireAll()

	_, err = fut.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, disp.batchCount())
}

func TestBackgroundModeFlushesOnOverflow(t *testing.T) {
	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground
	cfg.BufferSizeLimit = 2
	cfg.FlushInterval = time.Hour

	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)

	f1, _ := sess.Apply(context.Background(), testOp(1))
	f2, _ := sess.Apply(context.Background(), testOp(2))
	// Third op overflows the 2-op limit and triggers an immediate flush of
	// the first batch; since nothing was already in flight for this
	// tablet, it is buffered into a fresh batch rather than throttled.
	f3, err := sess.Apply(context.Background(), testOp(3))
	require.NoError(t, err)

	// op3's batch (the one the overflow started) is still only
	// accumulating; an explicit Flush is needed to dispatch it too.
	_, err = sess.Flush(context.Background()).Wait(context.Background())
	require.NoError(t, err)

	for _, f := range []*future.Future[OpResult]{f1, f2, f3} {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, disp.batchCount())
}

func TestManualModeOverflowFailsWithBufferFull(t *testing.T) {
	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.FlushMode = FlushManual
	cfg.BufferSizeLimit = 1

	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)

	f1, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)
	f2, err := sess.Apply(context.Background(), testOp(2))
	require.NoError(t, err)

	res2, _ := f2.Wait(context.Background())
	require.Error(t, res2.Err)

	require.Equal(t, 0, disp.batchCount(), "manual mode never auto-flushes")
	require.False(t, f1.Done())
}

func TestBackgroundOverflowIntoInFlightBatchThrottlesUnbuffered(t *testing.T) {
	disp := newFakeDispatcher()
	disp.gate = make(chan struct{})

	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground
	cfg.BufferSizeLimit = 1
	cfg.FlushInterval = time.Hour

	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)

	// op1 fills the 1-op batch; op2 overflows it, triggering an immediate
	// flush (nothing was in flight yet, so it dispatches and starts a
	// fresh batch for op2).
	f1, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)
	f2, err := sess.Apply(context.Background(), testOp(2))
	require.NoError(t, err)
	require.Equal(t, 1, disp.batchCount(), "op1's batch must already be in flight")

	// op3 overflows op2's batch while op1's batch is still in flight
	// (gated): the flush attempt chains instead of clearing accumulating,
	// so op3 must come back unbuffered with a throttle signal.
	f3, err := sess.Apply(context.Background(), testOp(3))
	throttle, ok := err.(*ThrottleError)
	require.True(t, ok, "third op must be rejected unbuffered with a throttle signal")
	require.NotNil(t, f3, "the op's own future is still valid even though it was throttled")

	close(disp.gate)
	_, werr := throttle.InFlight.Wait(context.Background())
	require.NoError(t, werr)
	_, err = f1.Wait(context.Background())
	require.NoError(t, err)
	_, err = f2.Wait(context.Background())
	require.NoError(t, err)
}

func TestPendingLookupRescuedByFlush(t *testing.T) {
	disp := newFakeDispatcher()
	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground

	locator := newFakeLocator("tablet-1", false) // force the lookup path
	sess := NewSession(cfg, locator, disp, nil, nil, nil)

	fut, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)

	_, err = sess.Flush(context.Background()).Wait(context.Background())
	require.NoError(t, err)

	res, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Err)
}

func TestHasPendingOperations(t *testing.T) {
	disp := newFakeDispatcher()
	disp.gate = make(chan struct{})
	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground
	cfg.FlushInterval = time.Hour

	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)
	require.False(t, sess.HasPendingOperations())

	_, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)
	require.True(t, sess.HasPendingOperations())

	close(disp.gate)
	_, err = sess.Flush(context.Background()).Wait(context.Background())
	require.NoError(t, err)
	require.False(t, sess.HasPendingOperations())
}

func TestSetFlushModeRejectedWhileNonEmpty(t *testing.T) {
	disp := newFakeDispatcher()
	disp.gate = make(chan struct{})
	defer close(disp.gate)
	cfg := DefaultConfig()
	cfg.FlushMode = FlushBackground
	cfg.FlushInterval = time.Hour

	sess := NewSession(cfg, newFakeLocator("tablet-1", true), disp, nil, nil, nil)
	_, err := sess.Apply(context.Background(), testOp(1))
	require.NoError(t, err)

	err = sess.SetFlushMode(FlushManual)
	require.Error(t, err)
}

// inlineScheduler records scheduled tasks instead of actually timing them,
// so tests can fire the background flush deterministically.
type inlineScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func newInlineScheduler() *inlineScheduler { return &inlineScheduler{} }

func (s *inlineScheduler) After(delay time.Duration, fn func()) SchedulerHandle {
	s.mu.Lock()
	s.tasks = append(s.tasks, fn)
	s.mu.Unlock()
	return inlineHandle{}
}

func (s *inlineScheduler) Stop() {}

func (s *inlineScheduler) fireAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

type inlineHandle struct{}

func (inlineHandle) Cancel() {}

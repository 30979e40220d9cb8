// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kvcoord implements the client-side write session: it accepts row
// mutations addressed to tables sharded across tablets, accumulates them
// into per-tablet batches, flushes on size/time triggers, and coalesces
// retries while a tablet's location is being resolved.
//
// The session sits at the intersection of three independent event sources:
// application calls, timer-driven flushes, and asynchronous dispatcher
// completions, all mutating the same per-tablet state. A single mutex
// serializes that state; every call the session makes while holding it must
// be non-blocking.
package kvcoord

import (
	"context"
	"sync"
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/kverrors"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/kvlog"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// tabletState holds the two Batches that may legitimately exist for one
// tablet at once: the one still accepting ops, and the one already handed to
// the dispatcher. They are always distinct Batches (I1); the struct exists
// so both halves of that invariant live at one map lookup instead of two
// separately-keyed maps that could drift out of sync with each other.
type tabletState struct {
	accumulating *Batch
	inFlight     *future.Future[any]
}

// ThrottleError is not a failure of the Operation it accompanies. It signals
// that the accumulating batch for a tablet overflowed into a batch that is
// still in flight; the caller is expected to pause further Apply calls until
// InFlight completes.
type ThrottleError struct {
	InFlight *future.Future[any]
}

func (e *ThrottleError) Error() string {
	return "kvcoord: tablet's batch overflowed while a previous batch is still in flight"
}

// Session is the client-visible write-session state machine. The
// collaborators are fixed at construction; cfg (changed only through the
// Set* methods), tablets, pendingLookup, and closed are guarded by mu.
type Session struct {
	mu sync.Mutex

	cfg Config

	locator     TabletLocator
	dispatcher  RpcDispatcher
	sched       Scheduler
	consistency ConsistencyTracker
	metrics     *SessionMetrics

	tablets       map[wire.TabletID]*tabletState
	pendingLookup map[*Operation]struct{}

	closed bool
}

// NewSession builds a Session around the given collaborators. locator and
// dispatcher are required; sched, consistency, and metrics may be nil, in
// which case scheduled background flushes, timestamp propagation, and
// metrics collection are simply skipped.
func NewSession(cfg Config, locator TabletLocator, dispatcher RpcDispatcher, sched Scheduler, consistency ConsistencyTracker, metrics *SessionMetrics) *Session {
	return &Session{
		cfg:           cfg,
		locator:       locator,
		dispatcher:    dispatcher,
		sched:         sched,
		consistency:   consistency,
		metrics:       metrics,
		tablets:       make(map[wire.TabletID]*tabletState),
		pendingLookup: make(map[*Operation]struct{}),
	}
}

// Apply submits op for dispatch. The returned future completes when op has
// been accepted or rejected by the server, or rejected locally. Apply never
// blocks on network I/O.
//
// err is non-nil in exactly two cases: op was nil (the returned future is
// also nil, since there is nothing to attach it to), or op overflowed a
// still-in-flight batch, in which case err is a *ThrottleError and op was
// not buffered: the returned future is op's own future, which stays pending
// until op is applied again and dispatched.
func (s *Session) Apply(ctx context.Context, op *Operation) (*future.Future[OpResult], error) {
	if op == nil {
		return nil, kverrors.InvalidArgument("apply: operation must not be nil")
	}
	if s.metrics != nil {
		s.metrics.OpsSubmitted.Inc()
	}
	return s.apply(ctx, op)
}

func (s *Session) apply(ctx context.Context, op *Operation) (*future.Future[OpResult], error) {
	if s.cfg.MaxRetryAttempts > 0 && op.Attempt() >= s.cfg.MaxRetryAttempts {
		op.fail(kverrors.RetryExhausted(int(op.Attempt()), int(s.cfg.MaxRetryAttempts)))
		return op.Future(), nil
	}

	s.mu.Lock()
	mode := s.cfg.FlushMode
	timeout := s.cfg.Timeout
	op.Consistency = s.cfg.ConsistencyMode
	op.Priority = s.cfg.Priority
	s.mu.Unlock()

	if mode == FlushSync {
		if op.Timeout == 0 {
			op.Timeout = timeout
		}
		dispatchFut := s.dispatcher.SendOperation(ctx, op)
		dispatchFut.Then(func(resp any, err error) {
			s.completeSolo(op, resp, err)
		})
		return op.Future(), nil
	}

	if tablet, ok := s.locator.CachedTablet(op.Table, op.Mutation.RowKey); ok {
		op.bindTablet(tablet)
		return s.addToBuffer(tablet, op)
	}

	return s.deferLookup(ctx, op)
}

// completeSolo mirrors Batch.complete for a single SYNC-mode op that was
// never wrapped in a Batch.
func (s *Session) completeSolo(op *Operation, resp any, dispatchErr error) {
	if dispatchErr != nil {
		op.fail(kverrors.Transport(dispatchErr))
		return
	}
	wr, ok := resp.(*wire.WriteResponse)
	if !ok {
		op.fail(kverrors.InvalidResponse("dispatcher returned a non-write-response payload"))
		return
	}
	if wr.Error != nil && wr.Error.Code != wire.ErrorNone {
		op.fail(kverrors.Server(int(wr.Error.Code), wr.Error.Message))
		return
	}
	if wr.WriteTimestamp != 0 && s.consistency != nil {
		s.consistency.UpdateLastPropagatedTimestamp(wr.WriteTimestamp)
	}
	var rowErr *wire.RowError
	if len(wr.RowErrors) > 0 && wr.RowErrors[0].RowIndex == 0 {
		e := wr.RowErrors[0]
		rowErr = &e
		if s.metrics != nil {
			s.metrics.PerRowErrors.Inc()
		}
	}
	op.complete(OpResult{RowErr: rowErr})
}

// deferLookup enqueues op into pendingLookup and attaches a retry
// continuation to whichever future will resolve its tablet.
func (s *Session) deferLookup(ctx context.Context, op *Operation) (*future.Future[OpResult], error) {
	s.mu.Lock()
	s.pendingLookup[op] = struct{}{}
	s.mu.Unlock()

	op.bumpAttempt()

	if s.locator.IsTableNotServed(op.Table) {
		wait := s.locator.WaitForTableCreation(ctx, op.Table)
		wait.Then(func(_ struct{}, err error) {
			s.retryContinuation(ctx, op, LocationResult{}, err)
		})
		return op.Future(), nil
	}

	lookup := s.locator.Locate(ctx, op.Table, op.Mutation.RowKey)
	lookup.Then(func(res LocationResult, err error) {
		s.retryContinuation(ctx, op, res, err)
	})
	return op.Future(), nil
}

// retryContinuation re-attempts op once its tablet location (or the
// recovery wait for a not-yet-created table) resolves. It is safe to
// invoke more than once for the same op: only the call that successfully
// removes op from pendingLookup does anything; every other invocation
// observes op already gone (rescued by a concurrent Flush) and becomes a
// no-op.
func (s *Session) retryContinuation(ctx context.Context, op *Operation, res LocationResult, lookupErr error) {
	s.mu.Lock()
	if _, ok := s.pendingLookup[op]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pendingLookup, op)
	s.mu.Unlock()

	if res.Recoverable {
		if recovery := s.locator.ClassifyLookupFailure(op, res); recovery != nil {
			recovery.Then(func(_ struct{}, err error) {
				s.retryContinuationAfterRecovery(ctx, op, err)
			})
			return
		}
	} else if lookupErr != nil {
		op.fail(kverrors.Transport(lookupErr))
		return
	}

	_, err := s.apply(ctx, op)
	if throttle, ok := err.(*ThrottleError); ok {
		s.mu.Lock()
		s.pendingLookup[op] = struct{}{}
		s.mu.Unlock()
		throttle.InFlight.Then(func(_ any, _ error) {
			s.retryContinuation(ctx, op, LocationResult{}, nil)
		})
	}
}

func (s *Session) retryContinuationAfterRecovery(ctx context.Context, op *Operation, err error) {
	if err != nil {
		op.fail(err)
		return
	}
	s.mu.Lock()
	s.pendingLookup[op] = struct{}{}
	s.mu.Unlock()
	s.retryContinuation(ctx, op, LocationResult{}, nil)
}

// addToBuffer accumulates op into tablet's current batch under the
// session lock, flushing and/or throttling as the buffer limit requires.
func (s *Session) addToBuffer(tablet wire.TabletID, op *Operation) (*future.Future[OpResult], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tablets[tablet]
	if ts == nil {
		ts = &tabletState{}
		s.tablets[tablet] = ts
	}

	b := ts.accumulating
	if b != nil && len(b.Ops)+1 > s.cfg.BufferSizeLimit {
		if s.cfg.FlushMode == FlushManual {
			op.fail(kverrors.BufferFull(string(tablet), s.cfg.BufferSizeLimit))
			return op.Future(), nil
		}
		s.flushTabletLocked(tablet, b)
		if ts.accumulating != nil {
			// The flush above was deferred (chained) because a previous
			// batch for this tablet is still in flight: op cannot be
			// buffered behind the still-full batch, so it is handed back
			// unbuffered, along with a signal telling the caller when it
			// is safe to retry. It is not appended below.
			if s.metrics != nil {
				s.metrics.ThrottleEvents.Inc()
			}
			return op.Future(), &ThrottleError{InFlight: ts.inFlight}
		}
		b = nil
	}

	scheduleFlush := false
	if b == nil {
		b = newBatch(op.Table, tablet, s.cfg, s.consistency, s.metrics)
		ts.accumulating = b
		scheduleFlush = true
	}
	b.Ops = append(b.Ops, op)

	if s.cfg.MaxBufferedBytes > 0 {
		var total int64
		for _, bop := range b.Ops {
			total += int64(len(bop.Mutation.Payload)) + int64(len(bop.Mutation.RowKey))
		}
		if total > s.cfg.MaxBufferedBytes {
			kvlog.Warningf(context.Background(), "tablet %s accumulating batch is %d bytes, over the %d advisory limit", tablet, total, s.cfg.MaxBufferedBytes)
		}
	}

	if s.cfg.FlushMode == FlushBackground && scheduleFlush && s.sched != nil {
		interval := s.cfg.FlushInterval
		flushBatch := b
		s.sched.After(interval, func() {
			s.mu.Lock()
			cur := s.tablets[tablet]
			s.mu.Unlock()
			if cur == nil {
				return
			}
			s.flushTablet(tablet, flushBatch)
		})
	}

	return op.Future(), nil
}

// flushTablet dispatches tablet's accumulating batch, taking the lock
// itself. Safe to call concurrently for the same tablet from a timer
// fire, an overflow, and an explicit Flush: only one caller will find
// expectedBatch still accumulating and actually dispatch it.
func (s *Session) flushTablet(tablet wire.TabletID, expectedBatch *Batch) *future.Future[any] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushTabletLocked(tablet, expectedBatch)
}

func (s *Session) flushTabletLocked(tablet wire.TabletID, expectedBatch *Batch) *future.Future[any] {
	ts := s.tablets[tablet]
	if ts == nil || ts.accumulating != expectedBatch {
		return future.Completed[any](nil, nil)
	}

	if ts.inFlight != nil {
		inFlight := ts.inFlight
		return future.Chain(inFlight, func(any, error) *future.Future[any] {
			return s.flushTablet(tablet, expectedBatch)
		})
	}

	ts.accumulating = nil

	b := expectedBatch
	b.onSettled = func() {
		s.mu.Lock()
		if cur := s.tablets[tablet]; cur != nil && cur.inFlight == b.future {
			cur.inFlight = nil
		}
		s.mu.Unlock()
	}
	ts.inFlight = b.future

	b.Deadline, _ = wire.Deadline(s.cfg.Timeout, time.Now())
	dispatchStart := time.Now()
	dispatchFut := s.dispatcher.SendBatch(context.Background(), b)
	dispatchFut.Then(func(resp any, err error) {
		b.raw.Complete(resp, err)
		if s.metrics != nil {
			s.metrics.FlushLatency.Observe(time.Since(dispatchStart).Seconds())
		}
	})

	if s.metrics != nil {
		s.metrics.BatchesFlushed.Inc()
	}
	kvlog.VEventf(context.Background(), "flushTablet: dispatched %d ops for tablet %s", len(b.Ops), tablet)

	return b.future
}

// Flush snapshots pendingLookup and every tablet's accumulating batch
// under the lock, releases it, then dispatches everything it saw. Operations
// added after Flush takes its snapshot are not included.
func (s *Session) Flush(ctx context.Context) *future.Future[struct{}] {
	s.mu.Lock()
	lookups := make([]*Operation, 0, len(s.pendingLookup))
	for op := range s.pendingLookup {
		lookups = append(lookups, op)
	}
	for _, op := range lookups {
		delete(s.pendingLookup, op)
	}
	snapshot := make(map[wire.TabletID]*Batch, len(s.tablets))
	for tablet, ts := range s.tablets {
		if ts.accumulating != nil {
			snapshot[tablet] = ts.accumulating
		}
	}
	s.mu.Unlock()

	futures := make([]*future.Future[any], 0, len(lookups)+len(snapshot))

	for _, op := range lookups {
		op := op
		done := future.New[any]()
		dispatchFut := s.dispatcher.SendOperation(ctx, op)
		dispatchFut.Then(func(resp any, err error) {
			s.completeSolo(op, resp, err)
			done.Complete(resp, err)
		})
		futures = append(futures, done)
	}
	for tablet, b := range snapshot {
		futures = append(futures, s.flushTablet(tablet, b))
	}

	return future.WaitAll(ctx, futures)
}

// Close stops the scheduler and returns Flush(ctx). Calling Apply after
// Close is undefined.
func (s *Session) Close(ctx context.Context) *future.Future[struct{}] {
	s.mu.Lock()
	s.closed = true
	sched := s.sched
	s.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
	return s.Flush(ctx)
}

// HasPendingOperations reports whether any Operation is buffered, in
// flight, or awaiting tablet resolution.
func (s *Session) HasPendingOperations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingLookup) > 0 {
		return true
	}
	for _, ts := range s.tablets {
		if ts.accumulating != nil || ts.inFlight != nil {
			return true
		}
	}
	return false
}

// LastPropagatedTimestamp returns the most recent server-assigned write
// timestamp observed by this session, for handing off to another
// session/connection to chain causality manually. Zero if none has been
// observed yet or no ConsistencyTracker was configured.
func (s *Session) LastPropagatedTimestamp() int64 {
	if s.consistency == nil {
		return 0
	}
	return s.consistency.LastPropagatedTimestamp()
}

func (s *Session) isEmptyLocked() bool {
	if len(s.pendingLookup) > 0 {
		return false
	}
	for _, ts := range s.tablets {
		if ts.accumulating != nil || ts.inFlight != nil {
			return false
		}
	}
	return true
}

// SetFlushMode changes the flush mode. It fails with InvalidArgument if the
// session has any buffered, in-flight, or lookup-pending work. Arguably
// this is closer to an IllegalState, but InvalidArgument keeps every
// mid-session reconfiguration error on one sentinel, which is simpler for
// callers to handle.
func (s *Session) SetFlushMode(mode FlushMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isEmptyLocked() {
		return kverrors.InvalidArgument("cannot change flush mode while operations are buffered or in flight")
	}
	s.cfg.FlushMode = mode
	return nil
}

// SetBufferSizeLimit changes the per-batch operation limit, subject to the
// same emptiness rule as SetFlushMode.
func (s *Session) SetBufferSizeLimit(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isEmptyLocked() {
		return kverrors.InvalidArgument("cannot change buffer size limit while operations are buffered or in flight")
	}
	s.cfg.BufferSizeLimit = n
	return nil
}

// SetConsistencyMode changes the default consistency mode applied to newly
// applied operations, subject to the same emptiness rule.
func (s *Session) SetConsistencyMode(mode wire.ConsistencyMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isEmptyLocked() {
		return kverrors.InvalidArgument("cannot change consistency mode while operations are buffered or in flight")
	}
	s.cfg.ConsistencyMode = mode
	return nil
}

// SetTimeout changes the per-operation/per-batch timeout. Unlike the above
// setters it takes effect immediately and may be called at any time.
func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.cfg.Timeout = d
	s.mu.Unlock()
}

// SetFlushInterval changes the background flush interval. Takes effect on
// the next batch created after the call; already-scheduled timers are not
// rescheduled.
func (s *Session) SetFlushInterval(d time.Duration) {
	s.mu.Lock()
	s.cfg.FlushInterval = d
	s.mu.Unlock()
}

// SetPriority changes the priority attached to subsequently applied
// Operations.
func (s *Session) SetPriority(p int) {
	s.mu.Lock()
	s.cfg.Priority = p
	s.mu.Unlock()
}

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
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/kverrors"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/kvlog"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// Batch is a mutable aggregate of Operations bound to a single tablet.
// Insertion order is significant: the server is required to return per-row
// errors positionally, and the completion callback depends on it.
type Batch struct {
	Table                  wire.TableID
	Tablet                 wire.TabletID
	Consistency            wire.ConsistencyMode
	IgnoreAllDuplicateRows bool
	Deadline               time.Time

	Ops []*Operation

	// raw receives the dispatcher's response directly. future is the
	// Batch's public completion future: it only resolves once the
	// completion callback below has finished fanning the response out to
	// every Operation, so that anything waiting on future (Flush,
	// inFlight) is guaranteed every op has already reached a terminal
	// state. Future.Then runs its callbacks on a new goroutine after
	// Complete closes the done channel, so chaining through a single
	// future here would let a waiter observe "done" before the fanout
	// actually ran; the two-future split closes that gap.
	raw    *future.Future[any]
	future *future.Future[any]

	// onSettled, if set, runs synchronously after the per-row fanout and
	// before future is completed. It is the hook Session uses to clear a
	// tablet's inFlight bookkeeping before anything waiting on future can
	// observe completion, rather than via future.Then (which would race
	// the exact way raw/future's own split exists to avoid).
	onSettled func()

	metrics *SessionMetrics
}

// newBatch allocates an empty Batch for tablet and installs its completion
// callback, which performs the per-row-error alignment walk and top-level
// error handling.
func newBatch(table wire.TableID, tablet wire.TabletID, cfg Config, consistency ConsistencyTracker, metrics *SessionMetrics) *Batch {
	b := &Batch{
		Table:                  table,
		Tablet:                 tablet,
		Consistency:            cfg.ConsistencyMode,
		IgnoreAllDuplicateRows: cfg.IgnoreAllDuplicateRows,
		raw:                    future.New[any](),
		future:                 future.New[any](),
		metrics:                metrics,
	}
	b.raw.Then(func(resp any, err error) {
		b.complete(resp, err, consistency)
		if b.onSettled != nil {
			b.onSettled()
		}
		b.future.Complete(resp, err)
	})
	return b
}

// Future returns the Batch's public completion future.
func (b *Batch) Future() *future.Future[any] { return b.future }

// complete runs the per-row-error alignment walk and fans the result out to
// every Operation's own future. It never panics: a malformed or failed
// dispatch is turned into a batch-wide error for every op instead.
func (b *Batch) complete(resp any, dispatchErr error, consistency ConsistencyTracker) {
	if dispatchErr != nil {
		kvlog.Errorf(context.Background(), "batch of %d ops for tablet %s failed to dispatch: %v", len(b.Ops), b.Tablet, dispatchErr)
		b.failAll(kverrors.Transport(dispatchErr))
		return
	}
	if resp == nil {
		b.failAll(kverrors.InvalidResponse("dispatcher returned a nil response for tablet %s", b.Tablet))
		return
	}
	wr, ok := resp.(*wire.WriteResponse)
	if !ok {
		b.failAll(kverrors.InvalidResponse("dispatcher returned a non-write-response payload for tablet %s", b.Tablet))
		return
	}
	if wr.Error != nil && wr.Error.Code != wire.ErrorNone {
		b.failAll(kverrors.Server(int(wr.Error.Code), wr.Error.Message))
		return
	}
	if wr.WriteTimestamp != 0 && consistency != nil {
		consistency.UpdateLastPropagatedTimestamp(wr.WriteTimestamp)
	}

	// Attach on match, then advance: the cursor only moves past a row error
	// once it has actually been consumed by the op at that index. Advancing
	// unconditionally here would skip an error whenever a row had none,
	// misaligning every error after the first gap.
	errIdx := 0
	for i, op := range b.Ops {
		var rowErr *wire.RowError
		if errIdx < len(wr.RowErrors) && wr.RowErrors[errIdx].RowIndex == i {
			e := wr.RowErrors[errIdx]
			rowErr = &e
			errIdx++
			if b.metrics != nil {
				b.metrics.PerRowErrors.Inc()
			}
		}
		op.complete(OpResult{RowErr: rowErr})
	}
}

func (b *Batch) failAll(err error) {
	for _, op := range b.Ops {
		op.fail(err)
	}
}

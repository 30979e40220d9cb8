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
	"sync/atomic"
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// OpResult is what an Operation's future resolves to. Exactly one of Err or
// RowErr is set on failure; both are nil on success.
type OpResult struct {
	RowErr *wire.RowError
	Err    error
}

// Operation is a single row mutation submitted to a Session. It is created
// by the application, owned by the Session while buffered or dispatched, and
// completed exactly once regardless of how many times the tablet lookup or
// dispatch attempt is retried.
type Operation struct {
	Table       wire.TableID
	Mutation    wire.Mutation
	Consistency wire.ConsistencyMode
	Priority    int
	Timeout     time.Duration

	attempt  int32 // atomic; bumped each time apply() re-resolves a tablet
	tablet   atomic.Value // wire.TabletID, set once resolved
	deadline time.Time

	future *future.Future[OpResult]
}

// NewOperation builds an unresolved Operation for a row mutation. Timeout of
// zero means "use the session's configured timeout".
func NewOperation(table wire.TableID, m wire.Mutation) *Operation {
	return &Operation{
		Table:    table,
		Mutation: m,
		future:   future.New[OpResult](),
	}
}

// Future returns the Operation's completion future. Safe to call any number
// of times; always returns the same Future.
func (op *Operation) Future() *future.Future[OpResult] { return op.future }

// Attempt returns the number of times this Operation has re-entered tablet
// resolution.
func (op *Operation) Attempt() int32 { return atomic.LoadInt32(&op.attempt) }

func (op *Operation) bumpAttempt() int32 { return atomic.AddInt32(&op.attempt, 1) }

// Tablet returns the tablet this Operation last resolved to, if any.
func (op *Operation) Tablet() (wire.TabletID, bool) {
	v := op.tablet.Load()
	if v == nil {
		return "", false
	}
	return v.(wire.TabletID), true
}

func (op *Operation) bindTablet(t wire.TabletID) { op.tablet.Store(t) }

// complete resolves the Operation's future exactly once; later calls are
// no-ops, matching Future.Complete's single-assignment semantics.
func (op *Operation) complete(res OpResult) { op.future.Complete(res, nil) }

// fail is a convenience for completing with a terminal, non-row error.
func (op *Operation) fail(err error) { op.future.Complete(OpResult{Err: err}, nil) }

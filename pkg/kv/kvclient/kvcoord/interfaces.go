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
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// LocationResult is what a TabletLocator resolves a (table, key) pair to.
type LocationResult struct {
	Tablet wire.TabletID

	// Recoverable is set when the lookup failed in a way the locator itself
	// knows how to wait out (e.g. a range split in progress) rather than a
	// failure the session needs to surface to the caller.
	Recoverable bool
}

// TabletLocator resolves rows to the tablet that currently serves them and
// caches the result. The session treats it as read-only and never mutates
// its cache directly.
type TabletLocator interface {
	// CachedTablet returns a tablet for (table, key) without blocking, or
	// false if nothing is cached yet.
	CachedTablet(table wire.TableID, key []byte) (wire.TabletID, bool)

	// Locate resolves (table, key) against the authoritative source,
	// populating the cache as a side effect.
	Locate(ctx context.Context, table wire.TableID, key []byte) *future.Future[LocationResult]

	// IsTableNotServed reports whether table is known to not yet have any
	// tablets (e.g. DDL still propagating).
	IsTableNotServed(table wire.TableID) bool

	// WaitForTableCreation returns a future that resolves once table has at
	// least one servable tablet.
	WaitForTableCreation(ctx context.Context, table wire.TableID) *future.Future[struct{}]

	// ClassifyLookupFailure inspects a failed/incomplete LocationResult for
	// op and returns a recovery future to chain on, or nil to mean "just
	// retry apply from scratch".
	ClassifyLookupFailure(op *Operation, result LocationResult) *future.Future[struct{}]
}

// RpcDispatcher sends a Batch or a solo Operation to the tablet server that
// currently owns it. Implementations own wire encoding and transport; the
// session only ever sees the future they return.
type RpcDispatcher interface {
	SendOperation(ctx context.Context, op *Operation) *future.Future[any]
	SendBatch(ctx context.Context, batch *Batch) *future.Future[any]
}

// Scheduler fires a task once after delay. Implementations must tolerate
// many concurrent small timeouts cheaply.
type Scheduler interface {
	After(delay time.Duration, fn func()) SchedulerHandle
	Stop()
}

// SchedulerHandle cancels a previously scheduled task. Cancelling a task
// that already fired is a no-op.
type SchedulerHandle interface {
	Cancel()
}

// ConsistencyTracker folds server-reported write timestamps into a
// client-visible external-consistency token.
type ConsistencyTracker interface {
	UpdateLastPropagatedTimestamp(ts int64)
	LastPropagatedTimestamp() int64
}

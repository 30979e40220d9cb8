// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/tabletcache"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// memResolver splits a table's keyspace into n equal-width tablets by the
// first byte of the row key, so the demonstration harness can spread load
// without a real tablet server.
type memResolver struct {
	table wire.TableID
	n     int
}

func newMemResolver(table wire.TableID, n int) *memResolver {
	if n < 1 {
		n = 1
	}
	return &memResolver{table: table, n: n}
}

func (r *memResolver) LookupTablet(ctx context.Context, table wire.TableID, key []byte) (tabletcache.Descriptor, error) {
	idx := 0
	if len(key) > 0 {
		idx = int(key[0]) * r.n / 256
	}
	// Tablet i owns the first bytes b with b*n/256 == i, i.e. the range
	// [ceil(i*256/n), ceil((i+1)*256/n)).
	startOf := func(i int) []byte {
		if i == 0 {
			return nil
		}
		return []byte{byte((i*256 + r.n - 1) / r.n)}
	}
	d := tabletcache.Descriptor{Tablet: wire.TabletID(fmt.Sprintf("tablet-%d", idx)), StartKey: startOf(idx)}
	if idx+1 < r.n {
		d.EndKey = startOf(idx + 1)
	}
	return d, nil
}

func (r *memResolver) TableExists(table wire.TableID) bool { return table == r.table }

// memDispatcher completes every send with a successful response after a
// fixed simulated latency (one millisecond), simulating an always-available tablet server for benchmarking
// the session's own buffering/flush behavior in isolation.
type memDispatcher struct {
	latency time.Duration
}

func newMemDispatcher() *memDispatcher { return &memDispatcher{latency: time.Millisecond} }

func (d *memDispatcher) SendOperation(ctx context.Context, op *kvcoord.Operation) *future.Future[any] {
	return d.respond()
}

func (d *memDispatcher) SendBatch(ctx context.Context, batch *kvcoord.Batch) *future.Future[any] {
	return d.respond()
}

func (d *memDispatcher) respond() *future.Future[any] {
	out := future.New[any]()
	go func() {
		time.Sleep(d.latency)
		out.Complete(&wire.WriteResponse{WriteTimestamp: time.Now().UnixNano()}, nil)
	}()
	return out
}

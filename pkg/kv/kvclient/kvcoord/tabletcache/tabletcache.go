// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package tabletcache is the reference TabletLocator: an ordered cache of
// tablet descriptors keyed by start key, grounded directly on
// kvcoord/range_cache.go's RangeDescriptorCache. Descriptors are held in a
// github.com/biogo/store/llrb tree ordered by start key (mirroring
// rangeCacheKey's llrb.Comparable implementation), and concurrent lookups
// for keys that resolve to the same miss are coalesced with
// golang.org/x/sync/singleflight, the public equivalent of
// RangeDescriptorCache's own internal singleflight.Group wrapper.
package tabletcache

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/biogo/store/llrb"
	"golang.org/x/sync/singleflight"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/future"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// tableCreationPollInterval governs WaitForTableCreation's polling cadence.
const tableCreationPollInterval = 50 * time.Millisecond

func pollTick() <-chan time.Time { return time.After(tableCreationPollInterval) }

// Descriptor describes one tablet's key range, as returned by the
// authoritative source (the Resolver below).
type Descriptor struct {
	Tablet   wire.TabletID
	StartKey []byte
	EndKey   []byte // exclusive; nil means "no upper bound"
}

// Resolver is the authoritative, external source of tablet descriptors,
// the collaborator the TabletLocator consults on a cache miss. It plays the
// role RangeDescriptorDB plays for RangeDescriptorCache.
type Resolver interface {
	// LookupTablet returns the descriptor whose range contains key, or an
	// error if the lookup itself failed (as opposed to the table simply
	// having no tablets yet).
	LookupTablet(ctx context.Context, table wire.TableID, key []byte) (Descriptor, error)
	// TableExists reports whether table has been created and has at least
	// one tablet.
	TableExists(table wire.TableID) bool
}

type descEntry struct {
	table wire.TableID
	desc  Descriptor
}

// Compare implements llrb.Comparable. Entries are ordered first by table,
// then by start key, mirroring rangeCacheKey's ordering within a single
// keyspace (tabletcache just has one keyspace per table instead of one
// shared meta-range keyspace).
func (e *descEntry) Compare(other llrb.Comparable) int {
	o := other.(*descEntry)
	if e.table != o.table {
		if e.table < o.table {
			return -1
		}
		return 1
	}
	return bytes.Compare(e.desc.StartKey, o.desc.StartKey)
}

// Cache is the reference TabletLocator implementation.
type Cache struct {
	resolver Resolver

	mu   sync.RWMutex
	tree llrb.Tree

	group singleflight.Group
}

// New builds a Cache backed by resolver.
func New(resolver Resolver) *Cache {
	return &Cache{resolver: resolver}
}

var _ kvcoord.TabletLocator = (*Cache)(nil)

// CachedTablet implements kvcoord.TabletLocator.
func (c *Cache) CachedTablet(table wire.TableID, key []byte) (wire.TabletID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.floorLocked(table, key)
	if !ok {
		return "", false
	}
	if d.EndKey != nil && bytes.Compare(key, d.EndKey) >= 0 {
		return "", false
	}
	return d.Tablet, true
}

// floorLocked returns the descriptor with the greatest start key <= key for
// table, if any. The tree has no native "floor" query in the subset of the
// API this cache relies on, so the in-order walk below trades lookup speed
// for a guaranteed-correct, allocation-free scan; sized for a client-side
// cache of a few thousand tablets, not a server-side routing table.
func (c *Cache) floorLocked(table wire.TableID, key []byte) (Descriptor, bool) {
	var best *descEntry
	probe := &descEntry{table: table, desc: Descriptor{StartKey: key}}
	c.tree.Do(func(ci llrb.Comparable) bool {
		e := ci.(*descEntry)
		if probe.Compare(e) < 0 {
			return true // all later entries (for this table or the next) are greater; stop
		}
		if e.table == table {
			best = e
		}
		return false
	})
	if best == nil {
		return Descriptor{}, false
	}
	return best.desc, true
}

// Locate implements kvcoord.TabletLocator.
func (c *Cache) Locate(ctx context.Context, table wire.TableID, key []byte) *future.Future[kvcoord.LocationResult] {
	out := future.New[kvcoord.LocationResult]()
	groupKey := string(table) + ":" + string(key)
	go func() {
		v, err, _ := c.group.Do(groupKey, func() (interface{}, error) {
			d, err := c.resolver.LookupTablet(ctx, table, key)
			if err != nil {
				return kvcoord.LocationResult{}, err
			}
			c.insert(table, d)
			return kvcoord.LocationResult{Tablet: d.Tablet}, nil
		})
		if err != nil {
			out.Complete(kvcoord.LocationResult{Recoverable: isRecoverable(err)}, err)
			return
		}
		out.Complete(v.(kvcoord.LocationResult), nil)
	}()
	return out
}

func (c *Cache) insert(table wire.TableID, d Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Insert(&descEntry{table: table, desc: d})
}

// IsTableNotServed implements kvcoord.TabletLocator.
func (c *Cache) IsTableNotServed(table wire.TableID) bool {
	return !c.resolver.TableExists(table)
}

// WaitForTableCreation implements kvcoord.TabletLocator. This reference
// implementation polls TableExists rather than subscribing to a DDL
// notification channel, which is sufficient for the demonstration harness
// and for tests.
func (c *Cache) WaitForTableCreation(ctx context.Context, table wire.TableID) *future.Future[struct{}] {
	out := future.New[struct{}]()
	go func() {
		for {
			if c.resolver.TableExists(table) {
				out.Complete(struct{}{}, nil)
				return
			}
			select {
			case <-ctx.Done():
				out.Complete(struct{}{}, ctx.Err())
				return
			case <-pollTick():
			}
		}
	}()
	return out
}

// ClassifyLookupFailure implements kvcoord.TabletLocator. The only
// recoverable condition this reference implementation recognizes is a
// table that hadn't been created yet at lookup time; everything else is
// treated as "just retry from scratch".
func (c *Cache) ClassifyLookupFailure(op *kvcoord.Operation, result kvcoord.LocationResult) *future.Future[struct{}] {
	if !result.Recoverable {
		return nil
	}
	return c.WaitForTableCreation(context.Background(), op.Table)
}

func isRecoverable(err error) bool {
	_, ok := err.(interface{ TableNotReady() bool })
	return ok
}

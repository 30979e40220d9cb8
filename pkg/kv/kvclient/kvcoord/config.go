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
	"time"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

// FlushMode selects when a Session dispatches buffered Operations.
type FlushMode int

const (
	// FlushSync never buffers: every Apply dispatches immediately.
	FlushSync FlushMode = iota
	// FlushBackground buffers and flushes on a timer or on overflow.
	FlushBackground
	// FlushManual buffers and only flushes when Flush is called; a full
	// batch fails the offending op instead of auto-flushing.
	FlushManual
)

// Config holds the session's mutable knobs. FlushMode, BufferSizeLimit, and
// ConsistencyMode may only be changed while the session has no buffered or
// in-flight work; Timeout, FlushInterval, and Priority may change at any
// time. Priority is read when an Operation is applied, FlushInterval when a
// new batch is created, and Timeout when an Operation or Batch is
// dispatched, so a new Timeout also applies to batches already buffered.
type Config struct {
	FlushMode       FlushMode
	BufferSizeLimit int
	FlushInterval   time.Duration
	Timeout         time.Duration
	ConsistencyMode wire.ConsistencyMode
	Priority        int

	// MaxRetryAttempts bounds how many times an Operation may re-enter
	// tablet resolution before RetryExhausted. Zero means unlimited.
	MaxRetryAttempts int32

	// MaxBufferedBytes is an advisory soft limit on the total payload size
	// of an accumulating batch. Exceeding it never fails an op; it only
	// logs a warning. The hard limit on batch size is always
	// BufferSizeLimit, which counts operations, not bytes. Zero disables
	// the check.
	MaxBufferedBytes int64

	// IgnoreAllDuplicateRows is threaded onto every Batch sent to the
	// dispatcher; the session itself assigns no meaning to it.
	IgnoreAllDuplicateRows bool
}

// DefaultConfig returns sane defaults for a new Session: background flush
// mode, a 1000-op buffer, a one-second flush interval, no per-op timeout.
func DefaultConfig() Config {
	return Config{
		FlushMode:        FlushBackground,
		BufferSizeLimit:  1000,
		FlushInterval:    time.Second,
		MaxRetryAttempts: 10,
	}
}

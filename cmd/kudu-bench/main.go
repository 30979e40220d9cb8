// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command kudu-bench drives a Session end to end: it submits a
// configurable number of Operations through an in-memory TabletLocator and
// an in-memory RpcDispatcher (or, with --addr, the gRPC dispatcher) and
// reports throughput and per-row-error counts. It owns no session logic itself.
package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/consistency"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/kvlog"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/rpcsender"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/scheduler"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/tabletcache"
	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

var (
	numOps        int
	numTablets    int
	flushModeFlag string
	bufferSize    int
	flushInterval time.Duration
	dispatchAddr  string
)

func main() {
	root := &cobra.Command{
		Use:   "kudu-bench",
		Short: "Drive a write Session end to end and report throughput",
		RunE:  run,
	}
	root.Flags().IntVar(&numOps, "ops", 10000, "number of operations to apply")
	root.Flags().IntVar(&numTablets, "tablets", 8, "number of distinct tablets to spread ops across (in-memory mode)")
	root.Flags().StringVar(&flushModeFlag, "flush-mode", "background", "sync|background|manual")
	root.Flags().IntVar(&bufferSize, "buffer-size", 200, "per-tablet batch operation limit")
	root.Flags().DurationVar(&flushInterval, "flush-interval", 50*time.Millisecond, "background flush interval")
	root.Flags().StringVar(&dispatchAddr, "addr", "", "dial a real tablet server instead of the in-memory dispatcher")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mode, err := parseFlushMode(flushModeFlag)
	if err != nil {
		return err
	}

	table := wire.TableID("bench_table")
	resolver := newMemResolver(table, numTablets)
	locator := tabletcache.New(resolver)

	var dispatcher kvcoord.RpcDispatcher
	if dispatchAddr != "" {
		d := rpcsender.New(singleAddrResolver{addr: dispatchAddr})
		defer d.Close()
		dispatcher = d
	} else {
		dispatcher = newMemDispatcher()
	}

	sched := scheduler.New()
	defer sched.Stop()

	metrics := kvcoord.NewSessionMetrics("kudubench", "session")
	metrics.Register(prometheus.NewRegistry())

	cfg := kvcoord.DefaultConfig()
	cfg.FlushMode = mode
	cfg.BufferSizeLimit = bufferSize
	cfg.FlushInterval = flushInterval

	sess := kvcoord.NewSession(cfg, locator, dispatcher, sched, consistency.New(), metrics)

	var rowErrors int64
	var throttles int64
	start := time.Now()

	for i := 0; i < numOps; i++ {
		op := kvcoord.NewOperation(table, wire.Mutation{
			Type:    wire.MutationUpsert,
			RowKey:  []byte(uuid.NewString()),
			Payload: []byte("bench-payload"),
		})
		fut, err := sess.Apply(ctx, op)
		if err != nil {
			if _, ok := err.(*kvcoord.ThrottleError); ok {
				atomic.AddInt64(&throttles, 1)
			} else {
				kvlog.Warningf(ctx, "apply failed: %v", err)
				continue
			}
		}
		fut.Then(func(res kvcoord.OpResult, _ error) {
			if res.RowErr != nil || res.Err != nil {
				atomic.AddInt64(&rowErrors, 1)
			}
		})
	}

	if _, err := sess.Close(ctx).Wait(ctx); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	elapsed := time.Since(start)
	fmt.Printf("applied %d ops across %d tablets in %s (%.0f ops/sec)\n",
		numOps, numTablets, elapsed, float64(numOps)/elapsed.Seconds())
	fmt.Printf("throttle events: %d, row errors: %d\n", atomic.LoadInt64(&throttles), atomic.LoadInt64(&rowErrors))
	return nil
}

func parseFlushMode(s string) (kvcoord.FlushMode, error) {
	switch s {
	case "sync":
		return kvcoord.FlushSync, nil
	case "background":
		return kvcoord.FlushBackground, nil
	case "manual":
		return kvcoord.FlushManual, nil
	default:
		return 0, fmt.Errorf("unknown flush mode %q", s)
	}
}

type singleAddrResolver struct{ addr string }

func (r singleAddrResolver) Address(wire.TabletID) (string, bool) { return r.addr, true }

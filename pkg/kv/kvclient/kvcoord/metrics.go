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

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics tracks per-Session counters and latencies. Unlike
// pkg/rpc's package-scoped metric vars registered once in an init(), these
// are instance-scoped: a process may host more than one Session (one per
// table group, say) and each gets its own set of series, registered
// explicitly by the caller via Register.
type SessionMetrics struct {
	OpsSubmitted   prometheus.Counter
	BatchesFlushed prometheus.Counter
	ThrottleEvents prometheus.Counter
	PerRowErrors   prometheus.Counter
	FlushLatency   prometheus.Histogram
}

// NewSessionMetrics builds a fresh, unregistered SessionMetrics. namespace
// and subsystem are applied as prometheus metric-name prefixes so multiple
// sessions in one process stay distinguishable once registered.
func NewSessionMetrics(namespace, subsystem string) *SessionMetrics {
	return &SessionMetrics{
		OpsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ops_submitted_total",
			Help:      "Operations submitted to Session.Apply.",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "batches_flushed_total",
			Help:      "Batches handed to the RpcDispatcher.",
		}),
		ThrottleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "throttle_events_total",
			Help:      "Times Apply returned a throttle signal.",
		}),
		PerRowErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "per_row_errors_total",
			Help:      "Per-row errors attached to individual Operations.",
		}),
		FlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flush_latency_seconds",
			Help:      "Time from flushTablet dispatch to batch completion.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register adds every collector to reg. Callers typically pass
// prometheus.DefaultRegisterer.
func (m *SessionMetrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.OpsSubmitted, m.BatchesFlushed, m.ThrottleEvents, m.PerRowErrors, m.FlushLatency)
}

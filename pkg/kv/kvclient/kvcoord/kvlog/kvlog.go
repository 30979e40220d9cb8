// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kvlog provides the session's ambient logging. Every log call
// carries its context first, following pkg/util/log's convention; per-call
// context tags (table, tablet) are attached with github.com/cockroachdb/logtags
// and messages are built with github.com/cockroachdb/redact so that row keys
// and mutation payloads (which may carry customer data) stay marked as
// unsafe-to-redact by default, while structural identifiers (table names,
// tablet IDs) are explicitly marked safe.
package kvlog

import (
	"context"
	"os"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Level mirrors pkg/util/log's verbosity gate (log.V(n)), without the
// vmodule machinery: a single process-wide threshold is enough for a
// client library.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelVerbose
)

var threshold = LevelInfo

// SetThreshold adjusts the minimum level that reaches the sink; the default
// is LevelInfo.
func SetThreshold(l Level) { threshold = l }

// WithTablet annotates ctx with the tablet and table a subsequent log call
// concerns, the same logtags.AddTag pattern pkg/util/log/eventlog uses for
// its own structured event tags.
func WithTablet(ctx context.Context, table, tablet string) context.Context {
	ctx = logtags.AddTag(ctx, "table", redact.Safe(table))
	ctx = logtags.AddTag(ctx, "tablet", redact.Safe(tablet))
	return ctx
}

// sink is the process-wide output; swappable in tests.
var sink = os.Stderr

func emit(ctx context.Context, lvl Level, format string, args ...interface{}) {
	if lvl > threshold {
		return
	}
	tags := logtags.FromContext(ctx)
	msg := redact.Sprintf(format, args...)
	if tags != nil && len(tags.Get()) > 0 {
		fmtedTags := redact.Sprintf("[%s] ", tags)
		msg = fmtedTags + msg
	}
	level := [...]string{"ERROR", "WARN", "INFO", "VEVENT"}[lvl]
	out := redact.Sprintf("%s: %s\n", redact.Safe(level), msg)
	_, _ = sink.WriteString(string(out.Redact()))
}

// Infof logs at LevelInfo.
func Infof(ctx context.Context, format string, args ...interface{}) { emit(ctx, LevelInfo, format, args...) }

// Warningf logs at LevelWarn.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelWarn, format, args...)
}

// Errorf logs at LevelError.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelError, format, args...)
}

// VEventf logs at LevelVerbose, standing in for the tracing.Span.LogEvent
// calls transport.go's sendOne uses for per-RPC narration.
func VEventf(ctx context.Context, format string, args ...interface{}) {
	emit(ctx, LevelVerbose, format, args...)
}

// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Package kverrors defines the typed error kinds the write session surfaces.
// Errors are built with github.com/cockroachdb/errors so that callers can
// classify them with errors.Is against the sentinels below rather than
// matching on strings.
package kverrors

import "github.com/cockroachdb/errors"

// Sentinels for errors.Is classification.
var (
	// ErrInvalidArgument marks a nil operation or a configuration change
	// attempted while the session's buffers are non-empty.
	ErrInvalidArgument = errors.New("kvcoord: invalid argument")
	// ErrBufferFull marks a MANUAL-mode batch that reached its per-batch
	// operation limit.
	ErrBufferFull = errors.New("kvcoord: buffer full")
	// ErrRetryExhausted marks an operation that exceeded its retry budget.
	ErrRetryExhausted = errors.New("kvcoord: retry budget exhausted")
	// ErrInvalidResponse marks a dispatcher response that isn't a
	// recognizable write-response.
	ErrInvalidResponse = errors.New("kvcoord: invalid response from dispatcher")
	// ErrServer marks a non-zero top-level error code in a write-response.
	ErrServer = errors.New("kvcoord: server-side batch error")
	// ErrTransport marks a dispatcher future that failed outright (as
	// opposed to completing with a well-formed error response).
	ErrTransport = errors.New("kvcoord: transport error")
)

// InvalidArgument wraps msg as an ErrInvalidArgument.
func InvalidArgument(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, msg, args...)
}

// BufferFull reports that tablet's accumulating batch is full under MANUAL
// flush mode.
func BufferFull(tablet string, limit int) error {
	return errors.Wrapf(ErrBufferFull, "tablet %s: batch at limit of %d operations", tablet, limit)
}

// RetryExhausted reports that op exceeded its configured retry budget.
func RetryExhausted(attempt, budget int) error {
	return errors.Wrapf(ErrRetryExhausted, "attempt %d exceeds budget of %d", attempt, budget)
}

// InvalidResponse wraps a dispatcher payload that wasn't a write-response.
func InvalidResponse(msg string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidResponse, msg, args...)
}

// Server wraps a server-reported top-level batch error.
func Server(code int, message string) error {
	return errors.Wrapf(ErrServer, "code=%d: %s", code, message)
}

// Transport wraps an underlying dispatcher/transport failure.
func Transport(cause error) error {
	return errors.Wrapf(ErrTransport, "dispatch failed: %v", cause)
}

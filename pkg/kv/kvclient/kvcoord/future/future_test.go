// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompleteIsIdempotent(t *testing.T) {
	f := New[int]()
	f.Complete(1, nil)
	f.Complete(2, errors.New("should be ignored"))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestThenRunsAfterLateRegistration(t *testing.T) {
	f := Completed(42, nil)

	var got int
	var wg sync.WaitGroup
	wg.Add(1)
	f.Then(func(v int, err error) {
		defer wg.Done()
		got = v
	})
	wg.Wait()
	require.Equal(t, 42, got)
}

func TestWaitRespectsContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChainForwardsSecondFutureResult(t *testing.T) {
	first := New[int]()
	out := Chain(first, func(v int, err error) *Future[string] {
		require.NoError(t, err)
		return Completed("chained", nil)
	})
	first.Complete(1, nil)

	v, err := out.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "chained", v)
}

func TestMapPropagatesError(t *testing.T) {
	first := New[int]()
	out := Map(first, func(v int) (string, error) { return "unused", nil })
	first.Complete(0, errors.New("boom"))

	_, err := out.Wait(context.Background())
	require.EqualError(t, err, "boom")
}

func TestWaitAllCompletesOnceEveryFutureDoes(t *testing.T) {
	fs := make([]*Future[int], 5)
	for i := range fs {
		fs[i] = New[int]()
	}
	all := WaitAll(context.Background(), fs)

	require.False(t, all.Done())
	for _, f := range fs {
		f.Complete(1, nil)
	}
	_, err := all.Wait(context.Background())
	require.NoError(t, err)
}

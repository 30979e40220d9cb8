// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterFiresOnce(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	count := 0
	done := make(chan struct{})
	s.After(5*time.Millisecond, func() {
		mu.Lock()
		count++
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestCancelPreventsFiring(t *testing.T) {
	s := New()
	defer s.Stop()

	fired := false
	h := s.After(20*time.Millisecond, func() { fired = true })
	h.Cancel()

	time.Sleep(60 * time.Millisecond)
	require.False(t, fired)
}

func TestEarlierTaskFiresBeforeLater(t *testing.T) {
	s := New()
	defer s.Stop()

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	s.After(30*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "late")
		mu.Unlock()
		close(done)
	})
	s.After(5*time.Millisecond, func() {
		mu.Lock()
		order = append(order, "early")
		mu.Unlock()
	})

	<-done
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"early", "late"}, order)
}

func TestStopPreventsFutureFiring(t *testing.T) {
	s := New()
	fired := false
	s.After(20*time.Millisecond, func() { fired = true })
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired)
}

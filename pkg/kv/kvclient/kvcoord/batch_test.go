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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DanielCho/kudu/pkg/kv/kvclient/kvcoord/wire"
)

func newTestBatch(n int) (*Batch, []*Operation) {
	b := newBatch("t", "tablet-1", DefaultConfig(), nil, nil)
	ops := make([]*Operation, n)
	for i := range ops {
		ops[i] = NewOperation("t", wire.Mutation{RowKey: []byte{byte(i)}})
		b.Ops = append(b.Ops, ops[i])
	}
	return b, ops
}

func TestBatchCompleteAlignsRowErrorsByIndex(t *testing.T) {
	b, ops := newTestBatch(4)
	resp := &wire.WriteResponse{
		RowErrors: []wire.RowError{
			{RowIndex: 1, Detail: "dup"},
			{RowIndex: 3, Detail: "not found"},
		},
	}
	b.raw.Complete(resp, nil)

	for i, op := range ops {
		res, err := op.Future().Wait(context.Background())
		require.NoError(t, err)
		switch i {
		case 1:
			require.NotNil(t, res.RowErr)
			require.Equal(t, "dup", res.RowErr.Detail)
		case 3:
			require.NotNil(t, res.RowErr)
			require.Equal(t, "not found", res.RowErr.Detail)
		default:
			require.Nil(t, res.RowErr)
		}
	}
}

func TestBatchCompleteSkipsNoGapMisalignment(t *testing.T) {
	// A row error on the very first row must not be mistaken for a gap and
	// attached to a later row: attach-on-match only advances the cursor
	// once the matching row has actually consumed it.
	b, ops := newTestBatch(2)
	resp := &wire.WriteResponse{
		RowErrors: []wire.RowError{{RowIndex: 0, Detail: "first row bad"}},
	}
	b.raw.Complete(resp, nil)

	res0, _ := ops[0].Future().Wait(context.Background())
	require.NotNil(t, res0.RowErr)
	res1, _ := ops[1].Future().Wait(context.Background())
	require.Nil(t, res1.RowErr)
}

func TestBatchCompleteFailsAllOnTransportError(t *testing.T) {
	b, ops := newTestBatch(3)
	b.raw.Complete(nil, errors.New("connection reset"))

	for _, op := range ops {
		res, err := op.Future().Wait(context.Background())
		require.NoError(t, err)
		require.Error(t, res.Err)
	}
}

func TestBatchCompleteFailsAllOnTopLevelServerError(t *testing.T) {
	b, ops := newTestBatch(2)
	resp := &wire.WriteResponse{Error: &wire.TopLevelError{Code: wire.ErrorNotLeaseholder, Message: "moved"}}
	b.raw.Complete(resp, nil)

	for _, op := range ops {
		res, err := op.Future().Wait(context.Background())
		require.NoError(t, err)
		require.Error(t, res.Err)
	}
}

func TestBatchFutureResolvesAfterFanout(t *testing.T) {
	b, ops := newTestBatch(1)

	b.raw.Complete(&wire.WriteResponse{}, nil)
	_, err := b.Future().Wait(context.Background())
	require.NoError(t, err)

	// Batch.Future() must only resolve once every op's own future has
	// already been completed by the fanout, not merely scheduled.
	require.True(t, ops[0].Future().Done())
}

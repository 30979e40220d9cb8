// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package rpcsender

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// contentSubtype is registered as a gRPC encoding.Codec under a private
// name so SendBatch/SendOperation can move the package's own Go structs
// (wire.Mutation, wire.WriteResponse, ...) over the wire without a
// generated .proto/.pb.go step. Selecting it is a per-call opt-in via
// grpc.CallContentSubtype, so it never touches the default protobuf codec
// any other user of the process's grpc.ClientConn pool relies on.
const contentSubtype = "kuduwirejson"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return contentSubtype }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

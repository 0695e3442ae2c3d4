// Package rpcproto defines the wire contract and gRPC service binding for
// BroadcastRoom. No .proto toolchain runs in this build, so the message
// types and ServiceDesc below are hand-registered instead of generated;
// the wire contract (roomId, ver, op, seq, body) is unchanged from the
// external interface this module implements.
package rpcproto

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec using
// encoding/json instead of protobuf wire encoding, so BroadcastRoom
// messages can be plain Go structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

// CodecName is the content-subtype clients must request via
// grpc.CallContentSubtype so the server resolves the same codec.
const CodecName = codecName

// Package umbilicalrpc is the gRPC transport for component C2's
// umbilical connections. No protoc-generated types are available for
// this surface, so instead of protobuf wire format this package
// registers a JSON content-subtype codec and hand-writes the
// grpc.ServiceDesc — real grpc-go transport, framing, deadlines and
// streaming, with JSON on the wire instead of protobuf bytes.
package umbilicalrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype. Clients select it per-call via
// grpc.CallContentSubtype(codecName); the server accepts whatever
// subtype the client negotiates.
const codecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements encoding.Codec (formerly encoding.Codec in
// google.golang.org/grpc/encoding) using the standard library's JSON
// marshaler in place of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("umbilicalrpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("umbilicalrpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

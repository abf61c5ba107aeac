package rpcproxy

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec is registered as the "json" grpc content-subtype. protoc is
// unavailable in this build environment, so the wire envelopes in
// pkg/consensus/types stay plain Go structs rather than compiled .proto
// messages; grpc's codec interface only asks for Marshal/Unmarshal, so a
// codec swap is enough to keep every other grpc mechanism (streaming,
// interceptors, deadlines, connection pooling) exactly as the ecosystem
// provides it.
type jsonCodec struct{}

const codecName = "json"

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the content subtype carried in the grpc content-type header.
const codecName = "cbor"

// codec encodes messages as canonical CBOR. It is forced on both ends, so
// the service needs no generated protobuf types.
type codec struct {
	enc cbor.EncMode
}

func newCodec() codec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		// The canonical options are a fixed, valid set.
		panic(fmt.Sprintf("rpc: cbor enc mode: %v", err))
	}
	return codec{enc: enc}
}

func (c codec) Marshal(v interface{}) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c codec) Unmarshal(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}

func (c codec) Name() string {
	return codecName
}

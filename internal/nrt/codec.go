package nrt

import (
	"fmt"
)

// rawCodec marshals driver messages with their own wire-format encoders.
// It is forced per call via grpc.ForceCodec, so it never has to be
// registered globally and never collides with the default proto codec.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("nrt codec: cannot marshal %T", v)
	}
	return m.appendTo(nil), nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("nrt codec: cannot unmarshal into %T", v)
	}
	return m.decode(data)
}

func (rawCodec) Name() string { return "npu-driver" }

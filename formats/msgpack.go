package formats

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// MsgpackCodec stores records in MessagePack format
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{}).Encode(v); err != nil {
		return nil, fmt.Errorf("invalid MessagePack record: %w", err)
	}
	return out, nil
}

func (MsgpackCodec) Unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, &codec.MsgpackHandle{}).Decode(v); err != nil {
		return fmt.Errorf("invalid MessagePack data: %w", err)
	}
	return nil
}

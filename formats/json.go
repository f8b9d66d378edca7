package formats

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSONCodec stores records as JSON documents
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON record: %w", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON record: %w", err)
	}
	return nil
}

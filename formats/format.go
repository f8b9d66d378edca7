package formats

import "errors"

// Codec encodes the records persisted by the mutation queue
type Codec interface {
	// Name identifies the codec in configuration
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ErrUnsupportedFormat is returned when the requested format is not supported
var ErrUnsupportedFormat = errors.New("unsupported format")

// GetCodec returns the codec registered under name
func GetCodec(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

package bus

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	CodecMsgpack = "msgpack"
	CodecJSON    = "json"
)

// Codec serializes bus payloads. Implementations must round-trip nested maps
// and time.Time values.
type Codec interface {
	Name() string
	ContentType() string
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// CodecByName resolves a configured codec name; empty selects msgpack.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", CodecMsgpack:
		return MsgpackCodec{}, nil
	case CodecJSON:
		return JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// MsgpackCodec encodes time.Time with the msgpack timestamp extension.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string        { return CodecMsgpack }
func (MsgpackCodec) ContentType() string { return "application/msgpack" }

func (MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// JSONCodec encodes time.Time as RFC 3339 strings.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return CodecJSON }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

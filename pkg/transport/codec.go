package transport

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/baaaht/gadget/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts envelopes to and from wire frames
type Codec interface {
	Name() string
	Marshal(env *types.Envelope) ([]byte, error)
	Unmarshal(data []byte, env *types.Envelope) error
}

// Codec names
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// CodecByName returns the codec registered under name. An empty name selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", CodecNameJSON:
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown codec: "+name)
	}
}

// IsBinary reports whether frames produced by c must travel as binary frames
func IsBinary(c Codec) bool {
	return c != nil && c.Name() == CodecNameMsgpack
}

// JSONCodec is the structured-clone stand-in used by browser hosts
type JSONCodec struct{}

// Name implements Codec
func (JSONCodec) Name() string { return CodecNameJSON }

// Marshal implements Codec
func (JSONCodec) Marshal(env *types.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode envelope", err)
	}
	return data, nil
}

// Unmarshal implements Codec
func (JSONCodec) Unmarshal(data []byte, env *types.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to decode envelope", err)
	}
	return nil
}

// MsgpackCodec encodes envelopes as MessagePack
type MsgpackCodec struct{}

// Name implements Codec
func (MsgpackCodec) Name() string { return CodecNameMsgpack }

// Marshal implements Codec
func (MsgpackCodec) Marshal(env *types.Envelope) ([]byte, error) {
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode envelope", err)
	}
	return data, nil
}

// Unmarshal implements Codec. Payload numbers decode as int64, uint64 or float64.
func (MsgpackCodec) Unmarshal(data []byte, env *types.Envelope) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(env); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to decode envelope", err)
	}
	return nil
}

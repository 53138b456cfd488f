package ecs

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/QYUbit/cosync/pkg/bytebuf"
)

// Codec converts a component value to and from its replicated payload. Encode must
// be deterministic: equal values produce equal bytes.
type Codec[T any] interface {
	Encode(buf *bytebuf.Buffer, v T) error
	Decode(data []byte) (T, error)
}

// MsgpackCodec encodes values with msgpack. Struct fields are written in
// declaration order, so structs without maps encode deterministically.
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Encode(buf *bytebuf.Buffer, v T) error {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	enc.Reset(buf)
	enc.UseCompactInts(true)
	return enc.Encode(v)
}

func (MsgpackCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := msgpack.Unmarshal(data, &v)
	return v, err
}

// RawCodec stores payloads as opaque bytes.
type RawCodec struct{}

func (RawCodec) Encode(buf *bytebuf.Buffer, v []byte) error {
	_, err := buf.Write(v)
	return err
}

func (RawCodec) Decode(data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

package ecs

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

const (
	// TransformSize is the encoded size of a Transform.
	TransformSize = 44
	// TransformParentOffset is where the parent id sits in the encoding.
	TransformParentOffset = 40
)

// Transform places an entity relative to its parent. Parent is entity.Root for
// top-level entities.
type Transform struct {
	Position [3]float32
	Rotation [4]float32
	Scale    [3]float32
	Parent   entity.ID
}

func IdentityTransform() Transform {
	return Transform{Rotation: [4]float32{0, 0, 0, 1}, Scale: [3]float32{1, 1, 1}}
}

// TransformCodec is the fixed little-endian layout: position, rotation, scale as
// float32s followed by the parent id.
type TransformCodec struct{}

func (TransformCodec) Encode(buf *bytebuf.Buffer, v Transform) error {
	for _, f := range v.Position {
		buf.WriteUint32(math.Float32bits(f))
	}
	for _, f := range v.Rotation {
		buf.WriteUint32(math.Float32bits(f))
	}
	for _, f := range v.Scale {
		buf.WriteUint32(math.Float32bits(f))
	}
	buf.WriteUint32(uint32(v.Parent))
	return nil
}

func (TransformCodec) Decode(data []byte) (Transform, error) {
	var v Transform
	if len(data) != TransformSize {
		return v, fmt.Errorf("ecs: transform needs %d bytes, got %d", TransformSize, len(data))
	}
	f := func(i int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	for i := range v.Position {
		v.Position[i] = f(i)
	}
	for i := range v.Rotation {
		v.Rotation[i] = f(3 + i)
	}
	for i := range v.Scale {
		v.Scale[i] = f(7 + i)
	}
	v.Parent = entity.ID(binary.LittleEndian.Uint32(data[TransformParentOffset:]))
	return v, nil
}

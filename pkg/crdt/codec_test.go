package crdt

import (
	"encoding/hex"
	"errors"
	"math"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

const (
	testEntity    = entity.ID(512)
	testNetwork   = entity.NetworkID(42)
	testComponent = entity.ComponentID(1)
)

func wireSamples() map[string]Message {
	return map[string]Message{
		"put_component":            PutComponent(testEntity, testComponent, 1, []byte{1, 2, 3}),
		"delete_component":         DeleteComponent(testEntity, testComponent, 2),
		"delete_entity":            DeleteEntity(testEntity),
		"append_value":             AppendValue(testEntity, 7, 3, []byte{9, 9}),
		"put_component_network":    PutComponent(testEntity, testComponent, 5, []byte{1, 3}).OnNetwork(testNetwork),
		"delete_component_network": DeleteComponent(testEntity, testComponent, 6).OnNetwork(testNetwork),
		"delete_entity_network":    DeleteEntity(testEntity).OnNetwork(testNetwork),
	}
}

func TestCodec_GoldenWireLayout(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for name, m := range wireSamples() {
		t.Run(name, func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			g.Assert(t, name, []byte(hex.EncodeToString(b)))
		})
	}
}

func TestCodec_RoundTripEveryType(t *testing.T) {
	for name, m := range wireSamples() {
		t.Run(name, func(t *testing.T) {
			buf := bytebuf.New()
			require.NoError(t, WriteMessage(buf, m))

			got, err := ReadMessage(buf)
			require.NoError(t, err)
			assert.Equal(t, m.Type(), got.Type())
			assert.Equal(t, m.Entity, got.Entity)
			assert.Equal(t, m.Component, got.Component)
			assert.Equal(t, m.Timestamp, got.Timestamp)
			assert.Equal(t, m.Network, got.Network)
			assert.Equal(t, len(m.Data), len(got.Data))
			if len(m.Data) > 0 {
				assert.Equal(t, m.Data, got.Data)
			}
			assert.Zero(t, buf.RemainingBytes())
		})
	}
}

func TestCodec_ZeroLengthPayload(t *testing.T) {
	for _, m := range []Message{
		PutComponent(testEntity, testComponent, 9, nil),
		AppendValue(testEntity, testComponent, 9, []byte{}),
		PutComponent(testEntity, testComponent, 9, nil).OnNetwork(testNetwork),
	} {
		buf := bytebuf.New()
		require.NoError(t, WriteMessage(buf, m))
		c, _ := CodecFor(m.Type())
		assert.Equal(t, c.FixedSize(), buf.WriteOffset())

		got, err := ReadMessage(buf)
		require.NoError(t, err)
		assert.Empty(t, got.Data)
		assert.Equal(t, m.Timestamp, got.Timestamp)
	}
}

func TestCodec_FixedSizes(t *testing.T) {
	want := map[MessageType]int{
		TypePutComponent:           28,
		TypeDeleteComponent:        28,
		TypeDeleteEntity:           12,
		TypeAppendValue:            24,
		TypePutComponentNetwork:    28,
		TypeDeleteComponentNetwork: 24,
		TypeDeleteEntityNetwork:    16,
	}
	for typ, size := range want {
		c, ok := CodecFor(typ)
		require.True(t, ok)
		assert.Equal(t, size, c.FixedSize(), typ.String())
	}
	_, ok := CodecFor(MessageType(0))
	assert.False(t, ok)
	_, ok = CodecFor(MessageType(8))
	assert.False(t, ok)
}

func TestCodec_StreamingPayload(t *testing.T) {
	buf := bytebuf.New()
	buf.WriteUint32(0xAAAAAAAA) // unrelated prefix keeps the backfill offset non-zero

	m := PutComponent(testEntity, testComponent, 3, nil)
	err := WriteMessageFunc(buf, m, func(b *bytebuf.Buffer) error {
		b.WriteUint32(7)
		_, err := b.Write([]byte{1, 2})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, buf.Skip(4))

	got, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0, 1, 2}, got.Data)
}

func TestCodec_PayloadErrorRollsBack(t *testing.T) {
	buf := bytebuf.New()
	require.NoError(t, WriteMessage(buf, DeleteEntity(testEntity)))
	before := buf.WriteOffset()

	boom := errors.New("boom")
	err := WriteMessageFunc(buf, PutComponent(testEntity, testComponent, 1, nil), func(b *bytebuf.Buffer) error {
		_, _ = b.Write([]byte{1, 2, 3})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, buf.WriteOffset())
}

func TestCodec_TimestampOverflow(t *testing.T) {
	buf := bytebuf.New()
	err := WriteMessage(buf, AppendValue(testEntity, testComponent, math.MaxUint32+1, []byte{1}))
	assert.ErrorIs(t, err, ErrTimestampOverflow)

	err = WriteMessage(buf, DeleteComponent(testEntity, testComponent, math.MaxUint32+1).OnNetwork(testNetwork))
	assert.ErrorIs(t, err, ErrTimestampOverflow)
	assert.Zero(t, buf.WriteOffset())

	require.NoError(t, WriteMessage(buf, PutComponent(testEntity, testComponent, math.MaxUint32+1, nil)))
	got, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint32+1), got.Timestamp)
}

func TestCodec_AppendHasNoNetworkVariant(t *testing.T) {
	err := WriteMessage(bytebuf.New(), AppendValue(testEntity, testComponent, 1, nil).OnNetwork(testNetwork))
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestCodec_WrongCodecPanics(t *testing.T) {
	buf := bytebuf.New()
	require.NoError(t, WriteMessage(buf, PutComponent(testEntity, testComponent, 1, nil)))

	c, _ := CodecFor(TypeDeleteEntity)
	assert.PanicsWithValue(t, ErrTypeMismatch{Codec: TypeDeleteEntity, Header: TypePutComponent}, func() {
		_, _ = c.Read(buf)
	})
}

func TestCodec_WriteRejectsForeignMessage(t *testing.T) {
	c, _ := CodecFor(TypeDeleteEntity)
	err := c.Write(bytebuf.New(), PutComponent(testEntity, testComponent, 1, nil))
	assert.ErrorIs(t, err, ErrUnsupportedMessage)
}

func TestCodec_IncompleteConsumesNothing(t *testing.T) {
	full, err := Encode(PutComponent(testEntity, testComponent, 1, []byte{1, 2, 3}))
	require.NoError(t, err)

	buf := bytebuf.NewFrom(full[:len(full)-1])
	c, _ := CodecFor(TypePutComponent)
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 0, buf.ReadOffset())
}

func TestCodec_DataLengthMismatchIsSkipped(t *testing.T) {
	buf := bytebuf.New()
	require.NoError(t, WriteMessage(buf, PutComponent(testEntity, testComponent, 1, []byte{1, 2, 3})))
	require.NoError(t, buf.SetUint32(24, 5))
	require.NoError(t, WriteMessage(buf, DeleteEntity(testEntity)))

	_, err := ReadMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)

	next, err := ReadMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, KindDeleteEntity, next.Kind)
}

func TestCodec_DeclaredLengthMismatchIsSkipped(t *testing.T) {
	buf := bytebuf.New()
	buf.WriteUint32(16)
	buf.WriteUint32(uint32(TypeDeleteEntity))
	buf.WriteUint32(uint32(testEntity))
	buf.WriteUint32(0)

	_, err := ReadMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, buf.RemainingBytes())
}

func TestCodec_NonZeroReservedLength(t *testing.T) {
	buf := bytebuf.New()
	require.NoError(t, WriteMessage(buf, DeleteComponent(testEntity, testComponent, 1)))
	require.NoError(t, buf.SetUint32(24, 4))

	_, err := ReadMessage(buf)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, buf.RemainingBytes())
}

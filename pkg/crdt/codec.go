package crdt

import (
	"fmt"
	"math"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

// PayloadWriter writes a component payload directly into the buffer, so the payload
// size does not need to be known before encoding starts.
type PayloadWriter func(buf *bytebuf.Buffer) error

// Codec reads and writes one wire type. The layout is, in order: header, entity,
// [component], [timestamp], [network], [dataLength|reservedLength], [data].
type Codec struct {
	typ       MessageType
	kind      Kind
	component bool
	tsWidth   int
	network   bool
	payload   bool
	reserved  bool
}

var codecs = [typeCount]*Codec{
	TypePutComponent:           {typ: TypePutComponent, kind: KindPutComponent, component: true, tsWidth: 8, payload: true},
	TypeDeleteComponent:        {typ: TypeDeleteComponent, kind: KindDeleteComponent, component: true, tsWidth: 8, reserved: true},
	TypeDeleteEntity:           {typ: TypeDeleteEntity, kind: KindDeleteEntity},
	TypeAppendValue:            {typ: TypeAppendValue, kind: KindAppendValue, component: true, tsWidth: 4, payload: true},
	TypePutComponentNetwork:    {typ: TypePutComponentNetwork, kind: KindPutComponent, component: true, tsWidth: 4, network: true, payload: true},
	TypeDeleteComponentNetwork: {typ: TypeDeleteComponentNetwork, kind: KindDeleteComponent, component: true, tsWidth: 4, network: true},
	TypeDeleteEntityNetwork:    {typ: TypeDeleteEntityNetwork, kind: KindDeleteEntity, network: true},
}

// CodecFor returns the codec of a wire type.
func CodecFor(t MessageType) (*Codec, bool) {
	if !t.Known() {
		return nil, false
	}
	return codecs[t], true
}

func (c *Codec) Type() MessageType {
	return c.typ
}

// FixedSize is the encoded size without payload bytes.
func (c *Codec) FixedSize() int {
	n := HeaderSize + 4
	if c.component {
		n += 4
	}
	n += c.tsWidth
	if c.network {
		n += 4
	}
	if c.payload || c.reserved {
		n += 4
	}
	return n
}

// Write encodes m, which must carry this codec's type, with m.Data as payload.
func (c *Codec) Write(buf *bytebuf.Buffer, m Message) error {
	var payload PayloadWriter
	if c.payload && len(m.Data) > 0 {
		data := m.Data
		payload = func(buf *bytebuf.Buffer) error {
			_, err := buf.Write(data)
			return err
		}
	}
	return c.WriteFunc(buf, m, payload)
}

// WriteFunc reserves the fixed span, lets payload write into the buffer and then
// backfills length, type, ids and dataLength at the captured offset. On error the
// buffer is restored to its previous write offset.
func (c *Codec) WriteFunc(buf *bytebuf.Buffer, m Message, payload PayloadWriter) error {
	if t := m.Type(); t != c.typ {
		return fmt.Errorf("%w: %s codec cannot write %s", ErrUnsupportedMessage, c.typ, t)
	}
	if c.tsWidth == 4 && m.Timestamp > math.MaxUint32 {
		return fmt.Errorf("%w: %d in %s", ErrTimestampOverflow, m.Timestamp, c.typ)
	}

	fixed := c.FixedSize()
	start := buf.IncrementWriteOffset(fixed)

	dataLen := 0
	if c.payload && payload != nil {
		if err := payload(buf); err != nil {
			_ = buf.Truncate(start)
			return err
		}
		dataLen = buf.WriteOffset() - start - fixed
	}

	p := patcher{buf: buf, off: start}
	p.u32(uint32(fixed + dataLen))
	p.u32(uint32(c.typ))
	p.u32(uint32(m.Entity))
	if c.component {
		p.u32(uint32(m.Component))
	}
	switch c.tsWidth {
	case 4:
		p.u32(uint32(m.Timestamp))
	case 8:
		p.u64(m.Timestamp)
	}
	if c.network {
		p.u32(uint32(*m.Network))
	}
	if c.payload {
		p.u32(uint32(dataLen))
	}
	// reservedLength stays zero from the reservation.
	return p.err
}

type patcher struct {
	buf *bytebuf.Buffer
	off int
	err error
}

func (p *patcher) u32(v uint32) {
	if p.err == nil {
		p.err = p.buf.SetUint32(p.off, v)
	}
	p.off += 4
}

func (p *patcher) u64(v uint64) {
	if p.err == nil {
		p.err = p.buf.SetUint64(p.off, v)
	}
	p.off += 8
}

// Read decodes one message of this codec's type. It returns ErrIncomplete when the
// buffer does not hold the full message and ErrMalformed, after skipping the message,
// when the declared length does not match the layout. It panics with ErrTypeMismatch
// when the header names another type.
func (c *Codec) Read(buf *bytebuf.Buffer) (Message, error) {
	h, ok := PeekHeader(buf)
	if !ok || !Validate(buf) {
		return Message{}, ErrIncomplete
	}
	if h.Type != c.typ {
		panic(ErrTypeMismatch{Codec: c.typ, Header: h.Type})
	}

	fixed := c.FixedSize()
	length := int(h.Length)
	if length < fixed || (!c.payload && length != fixed) {
		ConsumeMessage(buf)
		return Message{}, fmt.Errorf("%w: %s declares %d bytes, layout needs %d", ErrMalformed, c.typ, length, fixed)
	}

	r := reader{buf: buf}
	r.skip(HeaderSize)
	m := Message{Kind: c.kind}
	m.Entity = entity.ID(r.u32())
	if c.component {
		m.Component = entity.ComponentID(r.u32())
	}
	switch c.tsWidth {
	case 4:
		m.Timestamp = uint64(r.u32())
	case 8:
		m.Timestamp = r.u64()
	}
	if c.network {
		n := entity.NetworkID(r.u32())
		m.Network = &n
	}
	if c.payload {
		dataLen := int(r.u32())
		if dataLen != length-fixed {
			_ = buf.Skip(length - fixed)
			return Message{}, fmt.Errorf("%w: %s dataLength %d, body has %d", ErrMalformed, c.typ, dataLen, length-fixed)
		}
		m.Data = r.bytes(dataLen)
	} else if c.reserved {
		if reserved := r.u32(); reserved != 0 {
			return Message{}, fmt.Errorf("%w: %s reservedLength %d", ErrMalformed, c.typ, reserved)
		}
	}
	if r.err != nil {
		return Message{}, r.err
	}
	return m, nil
}

// reader accumulates the first error so a validated message can be decoded without
// checking every field.
type reader struct {
	buf *bytebuf.Buffer
	err error
}

func (r *reader) skip(n int) {
	if r.err == nil {
		r.err = r.buf.Skip(n)
	}
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.buf.ReadUint32()
	r.err = err
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.buf.ReadUint64()
	r.err = err
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	v, err := r.buf.ReadBytes(n)
	r.err = err
	return v
}

// WriteMessage encodes m with the codec of its derived wire type: the local variant
// when m.Network is nil, the network variant otherwise.
func WriteMessage(buf *bytebuf.Buffer, m Message) error {
	if m.Kind == KindAppendValue && m.Network != nil {
		return fmt.Errorf("%w: append-value has no network variant", ErrUnsupportedMessage)
	}
	c, _ := CodecFor(m.Type())
	return c.Write(buf, m)
}

// WriteMessageFunc is WriteMessage with a streaming payload. m.Data is ignored.
func WriteMessageFunc(buf *bytebuf.Buffer, m Message, payload PayloadWriter) error {
	if m.Kind == KindAppendValue && m.Network != nil {
		return fmt.Errorf("%w: append-value has no network variant", ErrUnsupportedMessage)
	}
	c, _ := CodecFor(m.Type())
	return c.WriteFunc(buf, m, payload)
}

// Encode returns the wire bytes of a single message.
func Encode(m Message) ([]byte, error) {
	buf := bytebuf.New()
	if err := WriteMessage(buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

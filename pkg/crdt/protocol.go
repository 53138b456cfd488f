package crdt

import (
	"errors"
	"fmt"

	"github.com/QYUbit/cosync/pkg/bytebuf"
)

// HeaderSize is the size of the length and type fields that prefix every message.
const HeaderSize = 8

// Header is the common message prefix. Length counts the whole message, header included.
type Header struct {
	Length uint32
	Type   MessageType
}

// span is the number of bytes a message with this header occupies. A declared length
// shorter than the header still consumes the header so dispatch always advances.
func (h Header) span() int {
	if h.Length < HeaderSize {
		return HeaderSize
	}
	return int(h.Length)
}

// PeekHeader reads the header at the read offset without consuming it.
func PeekHeader(buf *bytebuf.Buffer) (Header, bool) {
	length, err := buf.PeekUint32(0)
	if err != nil {
		return Header{}, false
	}
	typ, err := buf.PeekUint32(4)
	if err != nil {
		return Header{}, false
	}
	return Header{Length: length, Type: MessageType(typ)}, true
}

// ReadHeader consumes the header.
func ReadHeader(buf *bytebuf.Buffer) (Header, bool) {
	h, ok := PeekHeader(buf)
	if !ok {
		return Header{}, false
	}
	_ = buf.Skip(HeaderSize)
	return h, true
}

// Validate reports whether a complete message is buffered. Nothing is consumed.
func Validate(buf *bytebuf.Buffer) bool {
	h, ok := PeekHeader(buf)
	if !ok {
		return false
	}
	return buf.RemainingBytes() >= h.span()
}

// ConsumeMessage skips one complete message. It reports false, consuming nothing,
// when no complete message is buffered.
func ConsumeMessage(buf *bytebuf.Buffer) bool {
	h, ok := PeekHeader(buf)
	if !ok || buf.RemainingBytes() < h.span() {
		return false
	}
	_ = buf.Skip(h.span())
	return true
}

// ReadMessage decodes the next message with the codec its header names.
//
// ErrIncomplete consumes nothing. ErrUnknownType consumes only the header, so the
// caller decides whether to skip the body with ConsumeMessage semantics or resync.
// ErrMalformed has already skipped the offending message.
func ReadMessage(buf *bytebuf.Buffer) (Message, error) {
	if !Validate(buf) {
		return Message{}, ErrIncomplete
	}
	h, _ := PeekHeader(buf)
	c, ok := CodecFor(h.Type)
	if !ok {
		_ = buf.Skip(HeaderSize)
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, uint32(h.Type))
	}
	return c.Read(buf)
}

// Next decodes the next known message, skipping unknown and malformed ones whole.
// It returns ErrIncomplete once no complete message is left; skipped counts the
// messages that were dropped on the way.
func Next(buf *bytebuf.Buffer) (m Message, skipped int, err error) {
	for Validate(buf) {
		h, _ := PeekHeader(buf)
		if _, ok := CodecFor(h.Type); !ok {
			ConsumeMessage(buf)
			skipped++
			continue
		}
		m, err = ReadMessage(buf)
		if errors.Is(err, ErrMalformed) {
			skipped++
			continue
		}
		return m, skipped, err
	}
	return Message{}, skipped, ErrIncomplete
}

// Drain decodes every complete message in buf and hands it to fn until fn returns
// false. Partial trailing bytes stay in the buffer.
func Drain(buf *bytebuf.Buffer, fn func(Message) bool) (skipped int) {
	for {
		m, n, err := Next(buf)
		skipped += n
		if err != nil {
			return skipped
		}
		if !fn(m) {
			return skipped
		}
	}
}

// DecodeAll decodes a complete buffer. Trailing bytes that do not form a message are
// reported through rest.
func DecodeAll(data []byte) (msgs []Message, skipped int, rest int) {
	buf := bytebuf.NewFrom(data)
	skipped = Drain(buf, func(m Message) bool {
		msgs = append(msgs, m)
		return true
	})
	return msgs, skipped, buf.RemainingBytes()
}

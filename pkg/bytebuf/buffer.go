// Package bytebuf provides the growable cursor buffer every wire codec is built on.
//
// A Buffer keeps independent read and write offsets, so a receiver can consume
// complete messages from the front while a transport keeps appending at the back.
// All integers are little-endian and fixed width.
package bytebuf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnderrun is returned when a read would pass the write offset.
var ErrUnderrun = errors.New("bytebuf: read past write offset")

// ErrOutOfRange is returned when a random-access patch targets bytes that were never reserved.
var ErrOutOfRange = errors.New("bytebuf: offset out of range")

const defaultCapacity = 256

// Buffer is not safe for concurrent use.
type Buffer struct {
	buf   []byte
	read  int
	write int
}

func New() *Buffer {
	return &Buffer{buf: make([]byte, 0, defaultCapacity)}
}

// NewFrom wraps data for reading. The buffer takes ownership of data.
func NewFrom(data []byte) *Buffer {
	return &Buffer{buf: data, write: len(data)}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[read=%d write=%d cap=%d]", b.read, b.write, cap(b.buf))
}

// Bytes returns the unread region. It aliases the buffer until the next write.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.read:b.write]
}

// Written returns everything written so far, read or not.
func (b *Buffer) Written() []byte {
	return b.buf[:b.write]
}

func (b *Buffer) ReadOffset() int {
	return b.read
}

func (b *Buffer) WriteOffset() int {
	return b.write
}

func (b *Buffer) RemainingBytes() int {
	return b.write - b.read
}

func (b *Buffer) ResetBuffer() {
	b.buf = b.buf[:0]
	b.read = 0
	b.write = 0
}

// Compact discards the consumed prefix. Offsets captured before Compact are invalid after it.
func (b *Buffer) Compact() {
	if b.read == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.read:b.write])
	b.buf = b.buf[:n]
	b.write = n
	b.read = 0
}

// Truncate drops everything written at or after offset.
func (b *Buffer) Truncate(offset int) error {
	if offset < b.read || offset > b.write {
		return ErrOutOfRange
	}
	b.buf = b.buf[:offset]
	b.write = offset
	return nil
}

func (b *Buffer) Skip(n int) error {
	if n < 0 || b.read+n > b.write {
		return ErrUnderrun
	}
	b.read += n
	return nil
}

func (b *Buffer) grow(n int) {
	need := b.write + n
	if need <= len(b.buf) {
		return
	}
	if need <= cap(b.buf) {
		b.buf = b.buf[:need]
		return
	}
	newCap := 2 * cap(b.buf)
	if newCap < need {
		newCap = need
	}
	next := make([]byte, need, newCap)
	copy(next, b.buf[:b.write])
	b.buf = next
}

// IncrementWriteOffset reserves n zeroed bytes and returns the offset where they start.
// The returned offset stays valid across later growth.
func (b *Buffer) IncrementWriteOffset(n int) int {
	prior := b.write
	b.grow(n)
	clear(b.buf[prior : prior+n])
	b.write += n
	return prior
}

func (b *Buffer) WriteUint32(v uint32) {
	off := b.IncrementWriteOffset(4)
	binary.LittleEndian.PutUint32(b.buf[off:], v)
}

func (b *Buffer) WriteUint64(v uint64) {
	off := b.IncrementWriteOffset(8)
	binary.LittleEndian.PutUint64(b.buf[off:], v)
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	off := b.IncrementWriteOffset(len(p))
	copy(b.buf[off:], p)
	return len(p), nil
}

// WriteBuffer appends p, optionally preceded by its uint32 length.
func (b *Buffer) WriteBuffer(p []byte, withLengthPrefix bool) {
	if withLengthPrefix {
		b.WriteUint32(uint32(len(p)))
	}
	_, _ = b.Write(p)
}

func (b *Buffer) SetUint32(offset int, v uint32) error {
	if offset < 0 || offset+4 > b.write {
		return ErrOutOfRange
	}
	binary.LittleEndian.PutUint32(b.buf[offset:], v)
	return nil
}

func (b *Buffer) SetUint64(offset int, v uint64) error {
	if offset < 0 || offset+8 > b.write {
		return ErrOutOfRange
	}
	binary.LittleEndian.PutUint64(b.buf[offset:], v)
	return nil
}

// PeekUint32 reads the uint32 at read offset + rel without consuming it.
func (b *Buffer) PeekUint32(rel int) (uint32, error) {
	pos := b.read + rel
	if rel < 0 || pos+4 > b.write {
		return 0, ErrUnderrun
	}
	return binary.LittleEndian.Uint32(b.buf[pos:]), nil
}

func (b *Buffer) ReadUint32() (uint32, error) {
	if b.read+4 > b.write {
		return 0, ErrUnderrun
	}
	v := binary.LittleEndian.Uint32(b.buf[b.read:])
	b.read += 4
	return v, nil
}

func (b *Buffer) ReadUint64() (uint64, error) {
	if b.read+8 > b.write {
		return 0, ErrUnderrun
	}
	v := binary.LittleEndian.Uint64(b.buf[b.read:])
	b.read += 8
	return v, nil
}

// ReadBytes consumes n bytes and returns a copy of them.
func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || b.read+n > b.write {
		return nil, ErrUnderrun
	}
	out := make([]byte, n)
	copy(out, b.buf[b.read:b.read+n])
	b.read += n
	return out, nil
}

// ReadBuffer consumes a uint32 length prefix followed by that many bytes.
// On underrun nothing is consumed.
func (b *Buffer) ReadBuffer() ([]byte, error) {
	n, err := b.PeekUint32(0)
	if err != nil {
		return nil, err
	}
	if b.read+4+int(n) > b.write {
		return nil, ErrUnderrun
	}
	b.read += 4
	return b.ReadBytes(int(n))
}

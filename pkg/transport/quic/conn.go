// Package quic carries CRDT buffers over one bidirectional quic-go stream per peer.
//
// Every buffer travels as a frame: a uint32 little-endian length followed by the
// buffer. The dialing side opens the stream and announces it with an empty frame.
package quic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

const (
	codeNoError       quic.ApplicationErrorCode = 0x0
	codeFrameTooLarge quic.ApplicationErrorCode = 0xa
)

// Conn is one peer connection. It implements transport.Transport and transport.Receiver.
type Conn struct {
	*transport.Link

	conn   *quic.Conn
	stream *quic.Stream
	log    colog.Logger

	writeMu sync.Mutex
	frame   *bytebuf.Buffer

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConn(conn *quic.Conn, stream *quic.Stream, cfg transport.LinkConfig) *Conn {
	c := &Conn{
		Link:   transport.NewLink("quic:"+uuid.NewString(), cfg),
		conn:   conn,
		stream: stream,
		log:    colog.OrNop(cfg.Logger),
		frame:  bytebuf.New(),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.closeWith(codeNoError, "stream ended")

	var header [4]byte
	for {
		if _, err := io.ReadFull(c.stream, header[:]); err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("quic read failed", "transport", c.Type(), "error", err)
			}
			return
		}
		n := int(binary.LittleEndian.Uint32(header[:]))
		if n > c.MaxFrameSize() {
			c.log.Warn("quic frame exceeds limit", "transport", c.Type(), "bytes", n)
			c.closeWith(codeFrameTooLarge, "frame too large")
			return
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.stream, frame); err != nil {
			c.log.Debug("quic read failed", "transport", c.Type(), "error", err)
			return
		}
		if n > 0 {
			c.Deliver(frame)
		}
	}
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.Closed() {
		return transport.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(deadline)
		defer c.stream.SetWriteDeadline(time.Time{})
	}

	c.frame.ResetBuffer()
	c.frame.WriteBuffer(data, true)
	if _, err := c.stream.Write(c.frame.Bytes()); err != nil {
		return transport.ErrTransportSend{Type: c.Type(), Err: err}
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	c.closeWith(codeNoError, "closed")
	return c.closeErr
}

func (c *Conn) closeWith(code quic.ApplicationErrorCode, reason string) {
	c.closeOnce.Do(func() {
		c.MarkClosed()
		c.closeErr = c.conn.CloseWithError(code, reason)
		close(c.done)
	})
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(%s)", c.Type(), c.RemoteAddr())
}

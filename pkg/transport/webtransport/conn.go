// Package webtransport carries CRDT buffers over WebTransport sessions, one
// stream per buffer.
package webtransport

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/quic-go/webtransport-go"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

const (
	codeNoError       webtransport.SessionErrorCode = 0
	codeFrameTooLarge webtransport.SessionErrorCode = 0xa
)

// Conn is one WebTransport session. It implements transport.Transport and transport.Receiver.
type Conn struct {
	*transport.Link

	session *webtransport.Session
	log     colog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newConn(session *webtransport.Session, cfg transport.LinkConfig) *Conn {
	c := &Conn{
		Link:    transport.NewLink("wt:"+uuid.NewString(), cfg),
		session: session,
		log:     colog.OrNop(cfg.Logger),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.closeWith(codeNoError, "session ended")

	ctx := c.session.Context()
	for {
		stream, err := c.session.AcceptStream(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Debug("webtransport accept failed", "transport", c.Type(), "error", err)
			}
			return
		}
		go c.handleStream(stream)
	}
}

func (c *Conn) handleStream(stream *webtransport.Stream) {
	defer stream.Close()

	limit := int64(c.MaxFrameSize())
	data, err := io.ReadAll(io.LimitReader(stream, limit+1))
	if err != nil {
		c.log.Debug("webtransport stream read failed", "transport", c.Type(), "error", err)
		return
	}
	if int64(len(data)) > limit {
		stream.CancelRead(webtransport.StreamErrorCode(codeFrameTooLarge))
		c.log.Warn("webtransport frame exceeds limit", "transport", c.Type())
		return
	}
	c.Deliver(data)
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.Closed() {
		return transport.ErrTransportClosed
	}

	stream, err := c.session.OpenStreamSync(ctx)
	if err != nil {
		return transport.ErrTransportSend{Type: c.Type(), Err: err}
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(webtransport.StreamErrorCode(codeNoError))
		return transport.ErrTransportSend{Type: c.Type(), Err: err}
	}
	return stream.Close()
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() string {
	return c.session.RemoteAddr().String()
}

func (c *Conn) Close() error {
	c.closeWith(codeNoError, "closed")
	return c.closeErr
}

func (c *Conn) closeWith(code webtransport.SessionErrorCode, reason string) {
	c.closeOnce.Do(func() {
		c.MarkClosed()
		c.closeErr = c.session.CloseWithError(code, reason)
		close(c.done)
	})
}

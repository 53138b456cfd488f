// Package websockets carries CRDT buffers as binary gorilla/websocket messages.
package websockets

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

const writeWait = 5 * time.Second

// Conn is one peer connection. It implements transport.Transport and transport.Receiver.
type Conn struct {
	*transport.Link

	conn *websocket.Conn
	log  colog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(conn *websocket.Conn, cfg transport.LinkConfig) *Conn {
	c := &Conn{
		Link: transport.NewLink("ws:"+uuid.NewString(), cfg),
		conn: conn,
		log:  colog.OrNop(cfg.Logger),
		done: make(chan struct{}),
	}
	// frames above the limit fail the read and end the connection
	conn.SetReadLimit(int64(c.MaxFrameSize()))
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer c.shutdown()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.Closed() {
				c.log.Debug("websocket read failed", "transport", c.Type(), "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.Deliver(data)
	}
}

func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.Closed() {
		return transport.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return transport.ErrTransportSend{Type: c.Type(), Err: err}
	}
	return nil
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close sends a normal close frame and tears the connection down.
func (c *Conn) Close() error {
	if c.Closed() {
		return nil
	}

	var lastErr error

	c.writeMu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		lastErr = err
	}

	c.shutdown()
	return lastErr
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.MarkClosed()
		_ = c.conn.Close()
		close(c.done)
	})
}

package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/QYUbit/cosync/pkg/transport"
)

var ErrListenerNotStarted = errors.New("quic listener has not been started")

// streamTimeout bounds the wait for the dialer's announcing frame.
const streamTimeout = 5 * time.Second

type Listener struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config
	linkCfg  transport.LinkConfig
	listener *quic.Listener
}

func NewListener(addr string, tlsCfg *tls.Config, quicCfg *quic.Config, linkCfg transport.LinkConfig) *Listener {
	return &Listener{
		address: addr,
		tlsCfg:  tlsCfg,
		quicCfg: quicCfg,
		linkCfg: linkCfg,
	}
}

func (l *Listener) Listen() error {
	ln, err := quic.ListenAddr(l.address, l.tlsCfg, l.quicCfg)
	if err != nil {
		return err
	}
	l.listener = ln
	return nil
}

// Accept waits for the next peer and its stream.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if l.listener == nil {
		return nil, ErrListenerNotStarted
	}

	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		_ = conn.CloseWithError(codeNoError, "no stream")
		return nil, err
	}
	return newConn(conn, stream, l.linkCfg), nil
}

func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	if l.listener == nil {
		return ErrListenerNotStarted
	}
	return l.listener.Close()
}

// Dial connects to a listener and opens the shared stream.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, quicCfg *quic.Config, linkCfg transport.LinkConfig) (*Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsCfg, quicCfg)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeNoError, "no stream")
		return nil, err
	}
	c := newConn(conn, stream, linkCfg)
	// the listener only sees the stream once something was written on it
	if err := c.Send(ctx, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

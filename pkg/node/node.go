// Package node manages the lifetime of connected transports: every accepted or
// dialed connection is attached to the replica and detached once it closes.
package node

import (
	"context"
	"errors"
	"sync"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

var ErrNodeClosed = errors.New("node is already closed")

// Conn is a transport with a lifetime.
type Conn interface {
	transport.Transport
	transport.Receiver
	Done() <-chan struct{}
	Close() error
}

// Attacher is the part of the replica a node drives.
type Attacher interface {
	Attach(t transport.Transport) error
	Detach(t transport.Transport)
}

// AcceptFunc blocks until a peer connects or ctx ends.
type AcceptFunc func(ctx context.Context) (Conn, error)

type Node struct {
	target Attacher
	log    colog.Logger

	onConnect    func(Conn)
	onDisconnect func(Conn)

	mu     sync.Mutex
	conns  map[Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Node)

func WithLogger(l colog.Logger) Option {
	return func(n *Node) { n.log = colog.OrNop(l) }
}

func OnConnect(fn func(Conn)) Option {
	return func(n *Node) { n.onConnect = fn }
}

func OnDisconnect(fn func(Conn)) Option {
	return func(n *Node) { n.onDisconnect = fn }
}

func New(target Attacher, opts ...Option) *Node {
	n := &Node{
		target: target,
		log:    colog.Nop,
		conns:  make(map[Conn]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Add attaches c and detaches it again when c is done.
func (n *Node) Add(c Conn) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = c.Close()
		return ErrNodeClosed
	}
	n.conns[c] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	if err := n.target.Attach(c); err != nil {
		n.remove(c)
		n.wg.Done()
		_ = c.Close()
		return err
	}
	n.log.Info("peer connected", "transport", c.Type())
	if n.onConnect != nil {
		n.onConnect(c)
	}

	go func() {
		defer n.wg.Done()
		<-c.Done()
		n.target.Detach(c)
		n.remove(c)
		n.log.Info("peer disconnected", "transport", c.Type())
		if n.onDisconnect != nil {
			n.onDisconnect(c)
		}
	}()
	return nil
}

func (n *Node) remove(c Conn) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

// Serve accepts connections until ctx ends. Accept errors are logged and do not
// stop the loop.
func (n *Node) Serve(ctx context.Context, accept AcceptFunc) error {
	for {
		c, err := accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, ErrNodeClosed) {
				return err
			}
			n.log.Error("failed to accept peer", "error", err)
			continue
		}
		if err := n.Add(c); err != nil {
			if errors.Is(err, ErrNodeClosed) {
				return err
			}
			n.log.Error("failed to attach peer", "transport", c.Type(), "error", err)
		}
	}
}

// Len is the number of live connections.
func (n *Node) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// Close closes every connection and waits until all of them are detached.
func (n *Node) Close() (lastErr error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.closed = true
	conns := make([]Conn, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			lastErr = err
		}
	}
	n.wg.Wait()
	return lastErr
}

package transport

import (
	"context"
	"sync"

	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
)

// Pipe is one end of an in-memory transport pair. Send hands a copy of the buffer
// to the other end's handler; buffers sent before the handler is set are kept.
type Pipe struct {
	filter    Filter
	networked bool

	mu      sync.Mutex
	peer    *Pipe
	handler func([]byte)
	backlog [][]byte
	closed  bool
}

type PipeOption func(*Pipe)

// Networked makes both ends speak the network message variants.
func Networked() PipeOption {
	return func(p *Pipe) { p.networked = true }
}

// WithComponents restricts what the end it is applied to sends.
func WithComponents(components ...entity.ComponentID) PipeOption {
	return func(p *Pipe) { p.filter = NewFilter(p.filter.Type, components...) }
}

// NewPipe connects two ends of the given types. Options apply to both ends.
func NewPipe(aType, bType string, opts ...PipeOption) (*Pipe, *Pipe) {
	a := &Pipe{filter: NewFilter(aType)}
	b := &Pipe{filter: NewFilter(bType)}
	for _, opt := range opts {
		opt(a)
		opt(b)
	}
	a.peer, b.peer = b, a
	return a, b
}

// NewRendererPipe returns the runtime end and the renderer end of a local link. The
// runtime end only forwards the presentation components the renderer draws.
func NewRendererPipe(presentation ...entity.ComponentID) (runtime *Pipe, renderer *Pipe) {
	runtime, renderer = NewPipe("renderer", "runtime")
	runtime.filter = NewFilter("renderer", presentation...)
	return runtime, renderer
}

func (p *Pipe) Type() string {
	return p.filter.Type
}

func (p *Pipe) Networked() bool {
	return p.networked
}

func (p *Pipe) Filter(meta crdt.MessageMeta) bool {
	return p.filter.Allow(meta)
}

func (p *Pipe) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return p.peer.deliver(append([]byte(nil), data...))
}

func (p *Pipe) deliver(data []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrTransportClosed
	}
	h := p.handler
	if h == nil {
		p.backlog = append(p.backlog, data)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	h(data)
	return nil
}

func (p *Pipe) OnMessage(handler func([]byte)) {
	p.mu.Lock()
	p.handler = handler
	backlog := p.backlog
	p.backlog = nil
	p.mu.Unlock()

	for _, data := range backlog {
		handler(data)
	}
}

// Close closes both ends.
func (p *Pipe) Close() error {
	for _, end := range []*Pipe{p, p.peer} {
		end.mu.Lock()
		end.closed = true
		end.backlog = nil
		end.mu.Unlock()
	}
	return nil
}

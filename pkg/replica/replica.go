// Package replica drives synchronization: once per tick it turns local changes into
// CRDT messages for every attached transport, then reconciles what the transports
// delivered and applies the winners to the registry.
package replica

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/events"
	"github.com/QYUbit/cosync/pkg/remap"
	"github.com/QYUbit/cosync/pkg/transport"
)

var (
	ErrAlreadyRunning = errors.New("replica is already running")
	ErrClosed         = errors.New("replica is closed")
)

// DefaultInboundByteCap bounds the bytes a transport may queue between two ticks.
const DefaultInboundByteCap = 4 << 20

// Registry is the component storage a replica keeps in sync.
type Registry interface {
	ComponentIDs() []entity.ComponentID
	DirtyEntities(c entity.ComponentID) []entity.ID
	Serialize(e entity.ID, c entity.ComponentID, buf *bytebuf.Buffer) error
	ApplyFromWire(e entity.ID, c entity.ComponentID, data []byte) error
	AppendFromWire(e entity.ID, c entity.ComponentID, data []byte) error
	PendingAppends(c entity.ComponentID) iter.Seq2[entity.ID, []byte]
	Delete(e entity.ID, c entity.ComponentID)
	Has(e entity.ID, c entity.ComponentID) bool
	RemovedEntities() []entity.ID
	CreateEntity() (entity.ID, error)
	Claim(e entity.ID) bool
	// DropEntity removes the live incarnation of e's slot when it is not newer than
	// e and reports the id it removed.
	DropEntity(e entity.ID) (entity.ID, bool)
	ClearDirty()
}

type Role int

const (
	RolePeer Role = iota
	RoleAuthority
)

func (r Role) String() string {
	switch r {
	case RolePeer:
		return "peer"
	case RoleAuthority:
		return "authority"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Validator decides whether an authority accepts an inbound message. A non-nil
// error rejects it.
type Validator func(msg crdt.Message, origin string) error

type Replica struct {
	reg    Registry
	state  *crdt.State
	mapper *remap.Mapper
	bus    *events.Bus
	log    colog.Logger

	network         entity.NetworkID
	role            Role
	validators      map[entity.ComponentID]Validator
	deleteValidator Validator
	correctRejected bool
	inboundCap      int

	stateOpts []crdt.StateOption
	remapOpts []remap.Option

	mu     sync.Mutex
	links  []*link
	closed bool

	scratch *bytebuf.Buffer
	stats   stats
	running atomic.Bool
}

type Option func(*Replica)

func WithLogger(l colog.Logger) Option {
	return func(r *Replica) { r.log = colog.OrNop(l) }
}

func WithBus(bus *events.Bus) Option {
	return func(r *Replica) { r.bus = bus }
}

func WithRole(role Role) Option {
	return func(r *Replica) { r.role = role }
}

// WithValidator installs an authority check for one component.
func WithValidator(c entity.ComponentID, v Validator) Option {
	return func(r *Replica) { r.validators[c] = v }
}

// WithEntityDeleteValidator installs an authority check for entity deletions.
func WithEntityDeleteValidator(v Validator) Option {
	return func(r *Replica) { r.deleteValidator = v }
}

// WithCorrectRejected makes an authority answer a rejected write with its own
// value, restamped so that it wins at the sender.
func WithCorrectRejected(on bool) Option {
	return func(r *Replica) { r.correctRejected = on }
}

func WithInboundByteCap(n int) Option {
	return func(r *Replica) {
		if n > 0 {
			r.inboundCap = n
		}
	}
}

func WithStateOptions(opts ...crdt.StateOption) Option {
	return func(r *Replica) { r.stateOpts = append(r.stateOpts, opts...) }
}

func WithRemapOptions(opts ...remap.Option) Option {
	return func(r *Replica) { r.remapOpts = append(r.remapOpts, opts...) }
}

// New creates a replica for the peer identified by network.
func New(reg Registry, network entity.NetworkID, opts ...Option) *Replica {
	r := &Replica{
		reg:        reg,
		bus:        events.NewBus(),
		log:        colog.Nop,
		network:    network,
		validators: make(map[entity.ComponentID]Validator),
		inboundCap: DefaultInboundByteCap,
		scratch:    bytebuf.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.stats.init()
	r.state = crdt.NewState(r.stateOpts...)

	remapOpts := append([]remap.Option{remap.WithBus(r.bus), remap.WithLogger(r.log)}, r.remapOpts...)
	r.mapper = remap.New(network, reg, remapOpts...)
	return r
}

func (r *Replica) Network() entity.NetworkID {
	return r.network
}

func (r *Replica) Role() Role {
	return r.role
}

// Bus is the event bus the replica publishes on.
func (r *Replica) Bus() *events.Bus {
	return r.bus
}

func (r *Replica) State() *crdt.State {
	return r.state
}

func (r *Replica) Mapper() *remap.Mapper {
	return r.mapper
}

// link is the replica side of one transport: its send buffer and its inbound queue.
type link struct {
	t   transport.Transport
	out *bytebuf.Buffer
	in  *bytebuf.Buffer
	cap int

	mu           sync.Mutex
	pending      [][]byte
	pendingBytes int
}

func (l *link) enqueue(data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pendingBytes+len(data) > l.cap {
		return false
	}
	l.pending = append(l.pending, append([]byte(nil), data...))
	l.pendingBytes += len(data)
	return true
}

func (l *link) take() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := l.pending
	l.pending = nil
	l.pendingBytes = 0
	return out
}

// Attach starts synchronizing over t. Transports that implement transport.Receiver
// are also read from.
func (r *Replica) Attach(t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	for _, l := range r.links {
		if l.t == t {
			return nil
		}
	}

	l := &link{t: t, out: bytebuf.New(), in: bytebuf.New(), cap: r.inboundCap}
	r.links = append(r.links, l)

	if rcv, ok := t.(transport.Receiver); ok {
		rcv.OnMessage(func(data []byte) {
			if !l.enqueue(data) {
				r.stats.dropped.Add(1)
				r.log.Warn("inbound queue full, frame dropped", "transport", t.Type(), "bytes", len(data))
				events.Publish(r.bus, events.InboundDropped{Transport: t.Type(), Bytes: len(data), Reason: "inbound byte cap"})
			}
		})
	}
	r.log.Info("transport attached", "transport", t.Type(), "networked", t.Networked())
	return nil
}

// Detach stops synchronizing over t. Queued inbound data is discarded.
func (r *Replica) Detach(t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, l := range r.links {
		if l.t != t {
			continue
		}
		if rcv, ok := t.(transport.Receiver); ok {
			rcv.OnMessage(func([]byte) {})
		}
		r.links = append(r.links[:i], r.links[i+1:]...)
		r.log.Info("transport detached", "transport", t.Type())
		return
	}
}

func (r *Replica) snapshot() []*link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*link(nil), r.links...)
}

// Close ends the session: transports are detached and the identity map and
// tombstones are cleared.
func (r *Replica) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	links := r.links
	r.links = nil
	r.mu.Unlock()

	for _, l := range links {
		if rcv, ok := l.t.(transport.Receiver); ok {
			rcv.OnMessage(func([]byte) {})
		}
	}
	r.mapper.Reset()
	r.state.Reset()
	r.bus.Reset()
	return nil
}

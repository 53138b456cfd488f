// Package remap translates between the network identity space, where an entity is
// named by the peer that created it, and this peer's local entity ids.
//
// Entities owned by this peer keep their local id on the wire. Foreign entities get
// a local id on first sight and keep it until they are deleted. One component may
// carry a parent reference; its 4-byte field is rewritten in both directions and a
// 4-byte parent network id trailer is appended on the wire.
package remap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/events"
)

var (
	// ErrTombstoned means the network entity was deleted; the message must be dropped.
	ErrTombstoned = errors.New("remap: network entity was deleted")

	ErrNotNetworked  = errors.New("remap: message has no network id")
	ErrParentPayload = errors.New("remap: payload too short for parent field")
)

const (
	DefaultTombstoneCapacity = 4096
	trailerSize              = 4
)

// ParentField locates the parent reference inside one component's payload.
type ParentField struct {
	Component entity.ComponentID
	Offset    int
}

// DefaultParentField is the parent of the transform component.
var DefaultParentField = ParentField{Component: 1, Offset: 40}

// Allocator hands out local ids for entities first seen on the network.
type Allocator interface {
	CreateEntity() (entity.ID, error)
}

type pendingChild struct {
	child entity.ID
	msg   crdt.Message
}

type Mapper struct {
	self  entity.NetworkID
	alloc Allocator

	toLocal map[entity.NetworkEntity]entity.ID
	toNet   map[entity.ID]entity.NetworkEntity

	tombstones map[entity.NetworkEntity]struct{}
	tombOrder  []entity.NetworkEntity
	tombCap    int

	parent      *ParentField
	lazyParents bool
	pending     map[entity.NetworkEntity][]pendingChild
	resolved    []crdt.Message

	bus *events.Bus
	log colog.Logger
}

type Option func(*Mapper)

func WithParentField(f ParentField) Option {
	return func(m *Mapper) { m.parent = &f }
}

func WithoutParentField() Option {
	return func(m *Mapper) { m.parent = nil }
}

// WithLazyParents controls whether an unknown parent gets a local id as soon as a
// child references it. When disabled the child is applied as a root and patched
// once the parent shows up.
func WithLazyParents(on bool) Option {
	return func(m *Mapper) { m.lazyParents = on }
}

func WithTombstoneCapacity(n int) Option {
	return func(m *Mapper) {
		if n > 0 {
			m.tombCap = n
		}
	}
}

func WithBus(bus *events.Bus) Option {
	return func(m *Mapper) { m.bus = bus }
}

func WithLogger(l colog.Logger) Option {
	return func(m *Mapper) { m.log = colog.OrNop(l) }
}

func New(self entity.NetworkID, alloc Allocator, opts ...Option) *Mapper {
	f := DefaultParentField
	m := &Mapper{
		self:        self,
		alloc:       alloc,
		toLocal:     make(map[entity.NetworkEntity]entity.ID),
		toNet:       make(map[entity.ID]entity.NetworkEntity),
		tombstones:  make(map[entity.NetworkEntity]struct{}),
		tombCap:     DefaultTombstoneCapacity,
		parent:      &f,
		lazyParents: true,
		pending:     make(map[entity.NetworkEntity][]pendingChild),
		log:         colog.Nop,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mapper) Self() entity.NetworkID {
	return m.self
}

// Lookup returns the local id bound to key.
func (m *Mapper) Lookup(key entity.NetworkEntity) (entity.ID, bool) {
	if key.Network == m.self {
		return key.Entity, true
	}
	local, ok := m.toLocal[key]
	return local, ok
}

// KeyOf returns the network identity of a local entity.
func (m *Mapper) KeyOf(local entity.ID) entity.NetworkEntity {
	if key, ok := m.toNet[local]; ok {
		return key
	}
	return entity.NetworkEntity{Network: m.self, Entity: local}
}

// Len is the number of foreign entities currently bound.
func (m *Mapper) Len() int {
	return len(m.toLocal)
}

func (m *Mapper) Tombstoned(key entity.NetworkEntity) bool {
	_, ok := m.tombstones[key]
	return ok
}

func (m *Mapper) tombstone(key entity.NetworkEntity) {
	if _, ok := m.tombstones[key]; ok {
		return
	}
	if len(m.tombOrder) >= m.tombCap {
		oldest := m.tombOrder[0]
		m.tombOrder = m.tombOrder[1:]
		delete(m.tombstones, oldest)
	}
	m.tombstones[key] = struct{}{}
	m.tombOrder = append(m.tombOrder, key)
}

func (m *Mapper) bind(key entity.NetworkEntity) (entity.ID, error) {
	local, err := m.alloc.CreateEntity()
	if err != nil {
		return 0, fmt.Errorf("remap: allocating local id for %s: %w", key, err)
	}
	m.toLocal[key] = local
	m.toNet[local] = key
	m.log.Debug("network entity mapped", "key", key.String(), "local", local.String())
	events.Publish(m.bus, events.EntityMapped{Key: key, Local: local})
	m.resolvePending(key, local)
	return local, nil
}

// Inbound converts a network message into its local form, allocating a local id
// for a foreign entity seen for the first time.
func (m *Mapper) Inbound(msg crdt.Message) (crdt.Message, error) {
	key, ok := msg.NetworkEntity()
	if !ok {
		return crdt.Message{}, ErrNotNetworked
	}
	if m.Tombstoned(key) {
		return crdt.Message{}, ErrTombstoned
	}

	local, ok := m.Lookup(key)
	if !ok {
		if msg.Kind == crdt.KindDeleteEntity {
			// nothing to delete locally, but later updates must not resurrect it
			m.tombstone(key)
			return crdt.Message{}, ErrTombstoned
		}
		var err error
		if local, err = m.bind(key); err != nil {
			return crdt.Message{}, err
		}
	}

	out := msg.Local()
	out.Entity = local
	if m.reparentable(out) {
		data, err := m.parentInbound(local, out)
		if err != nil {
			return crdt.Message{}, err
		}
		out.Data = data
	}
	return out, nil
}

// Outbound converts a local message into its network form.
func (m *Mapper) Outbound(msg crdt.Message) (crdt.Message, error) {
	if msg.Kind == crdt.KindAppendValue {
		return crdt.Message{}, crdt.ErrUnsupportedMessage
	}
	key := m.KeyOf(msg.Entity)
	out := msg
	out.Entity = key.Entity
	if m.reparentable(msg) {
		data, err := m.parentOutbound(msg.Data)
		if err != nil {
			return crdt.Message{}, err
		}
		out.Data = data
	}
	return out.OnNetwork(key.Network), nil
}

// Forget unbinds a deleted entity and tombstones its network identity.
func (m *Mapper) Forget(local entity.ID) {
	m.tombstone(m.KeyOf(local))
	m.Unbind(local)
}

// Unbind removes the binding of local without tombstoning it, so the network entity
// gets a fresh local id when it shows up again.
func (m *Mapper) Unbind(local entity.ID) {
	if key, ok := m.toNet[local]; ok {
		delete(m.toLocal, key)
		delete(m.toNet, local)
	}

	for parent, children := range m.pending {
		kept := children[:0]
		for _, c := range children {
			if c.child != local {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(m.pending, parent)
		} else {
			m.pending[parent] = kept
		}
	}
}

// TakeResolved returns the patched child messages whose parent got a local id since
// the last call. They are in local form and ready to be reconciled again.
func (m *Mapper) TakeResolved() []crdt.Message {
	out := m.resolved
	m.resolved = nil
	return out
}

// Pending is the number of children waiting for a parent.
func (m *Mapper) Pending() int {
	n := 0
	for _, c := range m.pending {
		n += len(c)
	}
	return n
}

// Reset forgets every binding, tombstone and pending child.
func (m *Mapper) Reset() {
	clear(m.toLocal)
	clear(m.toNet)
	clear(m.tombstones)
	m.tombOrder = m.tombOrder[:0]
	clear(m.pending)
	m.resolved = nil
}

func (m *Mapper) reparentable(msg crdt.Message) bool {
	return m.parent != nil && msg.Kind == crdt.KindPutComponent && msg.Component == m.parent.Component
}

func (m *Mapper) parentInbound(child entity.ID, msg crdt.Message) ([]byte, error) {
	off := m.parent.Offset
	wire := msg.Data
	if len(wire) < off+4+trailerSize {
		return nil, ErrParentPayload
	}
	data := append([]byte(nil), wire[:len(wire)-trailerSize]...)
	parentKey := entity.NetworkEntity{
		Network: entity.NetworkID(binary.LittleEndian.Uint32(wire[len(wire)-trailerSize:])),
		Entity:  entity.ID(binary.LittleEndian.Uint32(wire[off:])),
	}
	if parentKey.Entity == entity.Root {
		return data, nil
	}

	parent, ok := m.Lookup(parentKey)
	switch {
	case ok:
	case m.Tombstoned(parentKey):
		parent = entity.Root
	case m.lazyParents:
		var err error
		if parent, err = m.bind(parentKey); err != nil {
			return nil, err
		}
	default:
		parent = entity.Root
		pendingMsg := msg
		pendingMsg.Data = data
		m.pending[parentKey] = append(m.pending[parentKey], pendingChild{child: child, msg: pendingMsg})
	}
	binary.LittleEndian.PutUint32(data[off:], uint32(parent))
	return data, nil
}

func (m *Mapper) parentOutbound(local []byte) ([]byte, error) {
	off := m.parent.Offset
	if len(local) < off+4 {
		return nil, ErrParentPayload
	}
	data := make([]byte, len(local)+trailerSize)
	copy(data, local)

	parent := entity.ID(binary.LittleEndian.Uint32(local[off:]))
	var key entity.NetworkEntity
	if parent != entity.Root {
		key = m.KeyOf(parent)
	}
	binary.LittleEndian.PutUint32(data[off:], uint32(key.Entity))
	binary.LittleEndian.PutUint32(data[len(local):], uint32(key.Network))
	return data, nil
}

func (m *Mapper) resolvePending(parentKey entity.NetworkEntity, parent entity.ID) {
	children, ok := m.pending[parentKey]
	if !ok {
		return
	}
	delete(m.pending, parentKey)
	for _, c := range children {
		patched := c.msg
		patched.Data = append([]byte(nil), c.msg.Data...)
		binary.LittleEndian.PutUint32(patched.Data[m.parent.Offset:], uint32(parent))
		m.resolved = append(m.resolved, patched)
		events.Publish(m.bus, events.ParentResolved{Child: c.child, Parent: parent})
	}
}

// Package ecs is a small entity-component store that implements the registry a
// replica synchronizes. Entity ids come from a generation-checked slot array and
// components live in typed sparse sets with per-entity dirty flags.
package ecs

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"reflect"
	"slices"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

var (
	ErrWorldFull      = errors.New("ecs: entity index space exhausted")
	ErrEntityNotAlive = errors.New("ecs: entity is not alive")
)

type ErrUnknownComponent struct {
	ID entity.ComponentID
}

func (e ErrUnknownComponent) Error() string {
	return fmt.Sprintf("ecs: component %d is not registered", e.ID)
}

const maxSlots = 1 << 16

type slot struct {
	version uint16
	alive   bool
	// a slot whose version wrapped is never handed out again
	retired bool
}

// TypedStore is the type-erased view of a component store the world and the
// replica work with.
type TypedStore interface {
	ID() entity.ComponentID
	Has(e entity.ID) bool
	Len() int
	Dirty() []entity.ID
	Serialize(e entity.ID, buf *bytebuf.Buffer) error
	ApplyFromWire(e entity.ID, data []byte) error
	AppendFromWire(e entity.ID, data []byte) error
	PendingAppends() iter.Seq2[entity.ID, []byte]
	remove(e entity.ID, local bool)
	clearDirty()
}

// World is not safe for concurrent use.
type World struct {
	slots []slot
	free  []uint16

	stores map[entity.ComponentID]TypedStore
	byType map[reflect.Type]TypedStore
	ids    []entity.ComponentID

	removed []entity.ID
}

func NewWorld() *World {
	return &World{
		// index 0 is the root and never allocated
		slots:  []slot{{retired: true}},
		stores: make(map[entity.ComponentID]TypedStore),
		byType: make(map[reflect.Type]TypedStore),
	}
}

func (w *World) register(t reflect.Type, s TypedStore) {
	if _, ok := w.stores[s.ID()]; ok {
		panic(fmt.Sprintf("ecs: component id %d registered twice", s.ID()))
	}
	if t != nil {
		if _, ok := w.byType[t]; ok {
			panic(fmt.Sprintf("ecs: component type %s registered twice", t))
		}
		w.byType[t] = s
	}
	w.stores[s.ID()] = s
	w.ids = append(w.ids, s.ID())
	slices.Sort(w.ids)
}

func (w *World) Store(c entity.ComponentID) (TypedStore, bool) {
	s, ok := w.stores[c]
	return s, ok
}

func (w *World) store(c entity.ComponentID) (TypedStore, error) {
	s, ok := w.stores[c]
	if !ok {
		return nil, ErrUnknownComponent{ID: c}
	}
	return s, nil
}

func (w *World) ComponentIDs() []entity.ComponentID {
	return w.ids
}

// CreateEntity allocates a fresh id, reusing freed slots with a bumped version.
func (w *World) CreateEntity() (entity.ID, error) {
	if len(w.free) > 0 {
		idx := w.free[0]
		w.free = w.free[1:]
		s := &w.slots[idx]
		s.alive = true
		return entity.New(idx, s.version), nil
	}
	if len(w.slots) >= maxSlots {
		return 0, ErrWorldFull
	}
	idx := uint16(len(w.slots))
	w.slots = append(w.slots, slot{alive: true})
	return entity.New(idx, 0), nil
}

func (w *World) Alive(e entity.ID) bool {
	idx := int(e.Index())
	if idx >= len(w.slots) {
		return false
	}
	s := w.slots[idx]
	return s.alive && s.version == e.Version()
}

// Claim makes e alive under exactly that id, for entities created by a peer that
// shares this id space. It fails when the slot holds another live entity or has
// already moved past e's version.
func (w *World) Claim(e entity.ID) bool {
	if e == entity.Root {
		return false
	}
	idx := int(e.Index())
	for len(w.slots) <= idx {
		w.free = append(w.free, uint16(len(w.slots)))
		w.slots = append(w.slots, slot{})
	}
	s := &w.slots[idx]
	switch {
	case s.alive:
		return s.version == e.Version()
	case s.retired || e.Version() < s.version:
		return false
	}
	s.version = e.Version()
	s.alive = true
	w.free = slices.DeleteFunc(w.free, func(i uint16) bool { return int(i) == idx })
	return true
}

// DestroyEntity removes a local entity and records it for replication.
func (w *World) DestroyEntity(e entity.ID) {
	if w.release(e) {
		w.removed = append(w.removed, e)
	}
}

// DropEntity applies a peer's deletion of e. The live incarnation of e's slot is
// removed when it is not newer than e, and the slot never hands out e's version or an
// older one again. It returns the id it removed. Nothing is recorded.
func (w *World) DropEntity(e entity.ID) (entity.ID, bool) {
	if e == entity.Root {
		return 0, false
	}
	idx := int(e.Index())
	for len(w.slots) <= idx {
		w.free = append(w.free, uint16(len(w.slots)))
		w.slots = append(w.slots, slot{})
	}

	var dropped entity.ID
	s := &w.slots[idx]
	live := s.alive && s.version <= e.Version()
	if live {
		dropped = entity.New(e.Index(), s.version)
		w.release(dropped)
	}

	if !s.retired && s.version <= e.Version() {
		if e.Version() == math.MaxUint16 {
			s.retired = true
			w.free = slices.DeleteFunc(w.free, func(i uint16) bool { return int(i) == idx })
		} else {
			s.version = e.Version() + 1
		}
	}
	return dropped, live
}

func (w *World) release(e entity.ID) bool {
	if !w.Alive(e) {
		return false
	}
	for _, s := range w.stores {
		s.remove(e, false)
	}
	idx := e.Index()
	s := &w.slots[idx]
	s.alive = false
	s.version++
	if s.version == 0 {
		s.retired = true
		return true
	}
	w.free = append(w.free, idx)
	return true
}

// RemovedEntities lists entities destroyed locally since the last ClearDirty.
func (w *World) RemovedEntities() []entity.ID {
	return w.removed
}

func (w *World) Has(e entity.ID, c entity.ComponentID) bool {
	s, ok := w.stores[c]
	return ok && s.Has(e)
}

func (w *World) DirtyEntities(c entity.ComponentID) []entity.ID {
	s, ok := w.stores[c]
	if !ok {
		return nil
	}
	return s.Dirty()
}

func (w *World) Serialize(e entity.ID, c entity.ComponentID, buf *bytebuf.Buffer) error {
	s, err := w.store(c)
	if err != nil {
		return err
	}
	return s.Serialize(e, buf)
}

// ApplyFromWire stores a replicated value without marking it dirty.
func (w *World) ApplyFromWire(e entity.ID, c entity.ComponentID, data []byte) error {
	s, err := w.store(c)
	if err != nil {
		return err
	}
	if !w.Alive(e) {
		return ErrEntityNotAlive
	}
	return s.ApplyFromWire(e, data)
}

func (w *World) AppendFromWire(e entity.ID, c entity.ComponentID, data []byte) error {
	s, err := w.store(c)
	if err != nil {
		return err
	}
	if !w.Alive(e) {
		return ErrEntityNotAlive
	}
	return s.AppendFromWire(e, data)
}

func (w *World) PendingAppends(c entity.ComponentID) iter.Seq2[entity.ID, []byte] {
	s, ok := w.stores[c]
	if !ok {
		return func(func(entity.ID, []byte) bool) {}
	}
	return s.PendingAppends()
}

// Delete removes a component a peer deleted. Nothing is recorded.
func (w *World) Delete(e entity.ID, c entity.ComponentID) {
	if s, ok := w.stores[c]; ok {
		s.remove(e, false)
	}
}

func (w *World) ClearDirty() {
	for _, s := range w.stores {
		s.clearDirty()
	}
	w.removed = w.removed[:0]
}

// Entities iterates the live entities in index order.
func (w *World) Entities() iter.Seq[entity.ID] {
	return func(yield func(entity.ID) bool) {
		for idx, s := range w.slots {
			if !s.alive {
				continue
			}
			if !yield(entity.New(uint16(idx), s.version)) {
				return
			}
		}
	}
}

func (w *World) Len() int {
	n := 0
	for _, s := range w.slots {
		if s.alive {
			n++
		}
	}
	return n
}

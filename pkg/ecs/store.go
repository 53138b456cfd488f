package ecs

import (
	"iter"
	"reflect"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

// Store is a sparse set of T values with a dirty flag per entity.
type Store[T any] struct {
	id     entity.ComponentID
	codec  Codec[T]
	sparse map[entity.ID]int
	dense  []entity.ID
	data   []T
	dirty  []bool

	// components removed locally since the last flush
	deleted map[entity.ID]struct{}
}

// Register adds a store for T under the wire id c. It panics when the id or the
// type is already registered.
func Register[T any](w *World, c entity.ComponentID, codec Codec[T]) *Store[T] {
	s := &Store[T]{
		id:      c,
		codec:   codec,
		sparse:  make(map[entity.ID]int),
		deleted: make(map[entity.ID]struct{}),
	}
	w.register(reflect.TypeFor[T](), s)
	return s
}

// RegisterRaw adds an opaque payload store under c. Raw stores are only reachable
// through the id-based World methods, so any number of them may coexist.
func RegisterRaw(w *World, c entity.ComponentID) *Store[[]byte] {
	s := &Store[[]byte]{
		id:      c,
		codec:   RawCodec{},
		sparse:  make(map[entity.ID]int),
		deleted: make(map[entity.ID]struct{}),
	}
	w.register(nil, s)
	return s
}

func getStore[T any](w *World) (*Store[T], bool) {
	s, ok := w.byType[reflect.TypeFor[T]()]
	if !ok {
		return nil, false
	}
	store, ok := s.(*Store[T])
	return store, ok
}

// Set writes v and marks it dirty.
func Set[T any](w *World, e entity.ID, v T) error {
	s, ok := getStore[T](w)
	if !ok {
		return ErrUnknownComponent{}
	}
	if !w.Alive(e) {
		return ErrEntityNotAlive
	}
	s.put(e, v, true)
	return nil
}

func Get[T any](w *World, e entity.ID) (T, bool) {
	s, ok := getStore[T](w)
	if !ok {
		var zero T
		return zero, false
	}
	return s.Get(e)
}

// Remove deletes T from e and records the deletion for replication.
func Remove[T any](w *World, e entity.ID) {
	if s, ok := getStore[T](w); ok {
		s.remove(e, true)
	}
}

func (s *Store[T]) ID() entity.ComponentID {
	return s.id
}

func (s *Store[T]) put(e entity.ID, v T, dirty bool) {
	if idx, ok := s.sparse[e]; ok {
		s.data[idx] = v
		s.dirty[idx] = s.dirty[idx] || dirty
		return
	}
	s.sparse[e] = len(s.data)
	s.data = append(s.data, v)
	s.dense = append(s.dense, e)
	s.dirty = append(s.dirty, dirty)
	if dirty {
		delete(s.deleted, e)
	}
}

func (s *Store[T]) remove(e entity.ID, local bool) {
	idx, exists := s.sparse[e]
	if !exists {
		return
	}

	lastIndex := len(s.data) - 1
	lastEntity := s.dense[lastIndex]

	if idx != lastIndex {
		s.data[idx] = s.data[lastIndex]
		s.dense[idx] = lastEntity
		s.dirty[idx] = s.dirty[lastIndex]

		s.sparse[lastEntity] = idx
	}

	s.data = s.data[:lastIndex]
	s.dense = s.dense[:lastIndex]
	s.dirty = s.dirty[:lastIndex]

	delete(s.sparse, e)
	if local {
		s.deleted[e] = struct{}{}
	} else {
		delete(s.deleted, e)
	}
}

func (s *Store[T]) Has(e entity.ID) bool {
	_, ok := s.sparse[e]
	return ok
}

func (s *Store[T]) Get(e entity.ID) (T, bool) {
	idx, ok := s.sparse[e]
	if !ok {
		var zero T
		return zero, false
	}
	return s.data[idx], true
}

// Mutate hands fn a pointer to e's value and marks it dirty.
func (s *Store[T]) Mutate(e entity.ID, fn func(*T)) bool {
	idx, ok := s.sparse[e]
	if !ok {
		return false
	}
	fn(&s.data[idx])
	s.dirty[idx] = true
	return true
}

func (s *Store[T]) Len() int {
	return len(s.dense)
}

func (s *Store[T]) Entities() iter.Seq[entity.ID] {
	return func(yield func(entity.ID) bool) {
		for _, e := range s.dense {
			if !yield(e) {
				break
			}
		}
	}
}

// Dirty lists entities whose value changed or was removed locally.
func (s *Store[T]) Dirty() []entity.ID {
	var out []entity.ID
	for i, d := range s.dirty {
		if d {
			out = append(out, s.dense[i])
		}
	}
	for e := range s.deleted {
		out = append(out, e)
	}
	return out
}

func (s *Store[T]) Serialize(e entity.ID, buf *bytebuf.Buffer) error {
	idx, ok := s.sparse[e]
	if !ok {
		return ErrEntityNotAlive
	}
	return s.codec.Encode(buf, s.data[idx])
}

func (s *Store[T]) ApplyFromWire(e entity.ID, data []byte) error {
	v, err := s.codec.Decode(data)
	if err != nil {
		return err
	}
	s.put(e, v, false)
	return nil
}

func (s *Store[T]) AppendFromWire(entity.ID, []byte) error {
	return ErrUnknownComponent{ID: s.id}
}

func (s *Store[T]) PendingAppends() iter.Seq2[entity.ID, []byte] {
	return func(func(entity.ID, []byte) bool) {}
}

func (s *Store[T]) clearDirty() {
	clear(s.dirty)
	clear(s.deleted)
}

package ecs

import (
	"iter"
	"reflect"

	"github.com/QYUbit/cosync/pkg/bytebuf"
	"github.com/QYUbit/cosync/pkg/entity"
)

type pendingValue struct {
	entity entity.ID
	data   []byte
}

// ValueSet holds a grow-only list of T per entity, replicated value by value.
type ValueSet[T any] struct {
	id      entity.ComponentID
	codec   Codec[T]
	values  map[entity.ID][]T
	pending []pendingValue
}

func RegisterValueSet[T any](w *World, c entity.ComponentID, codec Codec[T]) *ValueSet[T] {
	s := &ValueSet[T]{
		id:     c,
		codec:  codec,
		values: make(map[entity.ID][]T),
	}
	w.register(reflect.TypeFor[T](), s)
	return s
}

// Append adds v to e's set and queues it for replication.
func Append[T any](w *World, e entity.ID, v T) error {
	st, ok := w.byType[reflect.TypeFor[T]()]
	if !ok {
		return ErrUnknownComponent{}
	}
	s, ok := st.(*ValueSet[T])
	if !ok {
		return ErrUnknownComponent{ID: st.ID()}
	}
	if !w.Alive(e) {
		return ErrEntityNotAlive
	}
	buf := bytebuf.New()
	if err := s.codec.Encode(buf, v); err != nil {
		return err
	}
	s.values[e] = append(s.values[e], v)
	s.pending = append(s.pending, pendingValue{entity: e, data: buf.Bytes()})
	return nil
}

func (s *ValueSet[T]) ID() entity.ComponentID {
	return s.id
}

func (s *ValueSet[T]) Values(e entity.ID) []T {
	return s.values[e]
}

func (s *ValueSet[T]) Has(e entity.ID) bool {
	_, ok := s.values[e]
	return ok
}

func (s *ValueSet[T]) Len() int {
	return len(s.values)
}

// Dirty is always empty: value sets replicate through PendingAppends.
func (s *ValueSet[T]) Dirty() []entity.ID {
	return nil
}

func (s *ValueSet[T]) Serialize(entity.ID, *bytebuf.Buffer) error {
	return ErrUnknownComponent{ID: s.id}
}

func (s *ValueSet[T]) ApplyFromWire(entity.ID, []byte) error {
	return ErrUnknownComponent{ID: s.id}
}

func (s *ValueSet[T]) AppendFromWire(e entity.ID, data []byte) error {
	v, err := s.codec.Decode(data)
	if err != nil {
		return err
	}
	s.values[e] = append(s.values[e], v)
	return nil
}

func (s *ValueSet[T]) PendingAppends() iter.Seq2[entity.ID, []byte] {
	return func(yield func(entity.ID, []byte) bool) {
		for _, p := range s.pending {
			if !yield(p.entity, p.data) {
				return
			}
		}
	}
}

func (s *ValueSet[T]) remove(e entity.ID, _ bool) {
	delete(s.values, e)
}

func (s *ValueSet[T]) clearDirty() {
	s.pending = s.pending[:0]
}

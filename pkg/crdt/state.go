package crdt

import (
	"bytes"

	"github.com/QYUbit/cosync/pkg/entity"
)

// DefaultAppendSetSize bounds the number of values kept per (entity, component) set.
const DefaultAppendSetSize = 100

type key struct {
	entity    entity.ID
	component entity.ComponentID
}

// appendSet members are identified by timestamp and payload, so equal values
// appended at different times are kept apart.
type appendSet struct {
	seq     uint64
	entries []appendEntry
}

type appendEntry struct {
	ts   uint64
	data []byte
}

func (s *appendSet) contains(ts uint64, data []byte) bool {
	for _, e := range s.entries {
		if e.ts == ts && bytes.Equal(e.data, data) {
			return true
		}
	}
	return false
}

func (s *appendSet) add(ts uint64, data []byte, limit int) {
	if len(s.entries) >= limit {
		s.entries = append(s.entries[:0], s.entries[1:]...)
	}
	s.entries = append(s.entries, appendEntry{ts: ts, data: data})
}

// State holds the replicated registers of one peer. It is not safe for concurrent use;
// the replica owns it and touches it only from its tick.
type State struct {
	records    map[key]*Record
	appends    map[key]*appendSet
	entities   map[entity.ID]map[entity.ComponentID]struct{}
	tombstones *Tombstones
	appendSize int
}

type StateOption func(*State)

// WithAppendSetSize bounds every append set to n values; older values are evicted.
func WithAppendSetSize(n int) StateOption {
	return func(s *State) {
		if n > 0 {
			s.appendSize = n
		}
	}
}

func NewState(opts ...StateOption) *State {
	s := &State{
		records:    make(map[key]*Record),
		appends:    make(map[key]*appendSet),
		entities:   make(map[entity.ID]map[entity.ComponentID]struct{}),
		tombstones: NewTombstones(),
		appendSize: DefaultAppendSetSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) Tombstones() *Tombstones {
	return s.tombstones
}

// Len is the number of (entity, component) registers.
func (s *State) Len() int {
	return len(s.records)
}

func (s *State) Get(e entity.ID, c entity.ComponentID) (Record, bool) {
	r, ok := s.records[key{e, c}]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Values returns the current members of an append set, oldest first.
func (s *State) Values(e entity.ID, c entity.ComponentID) [][]byte {
	set, ok := s.appends[key{e, c}]
	if !ok {
		return nil
	}
	out := make([][]byte, len(set.entries))
	for i, e := range set.entries {
		out[i] = e.data
	}
	return out
}

func (s *State) track(k key) {
	comps, ok := s.entities[k.entity]
	if !ok {
		comps = make(map[entity.ComponentID]struct{})
		s.entities[k.entity] = comps
	}
	comps[k.component] = struct{}{}
}

// drop forgets the registers of e and of every older incarnation of its slot.
func (s *State) drop(e entity.ID) {
	for id, comps := range s.entities {
		if id.Index() != e.Index() || id.Version() > e.Version() {
			continue
		}
		for c := range comps {
			delete(s.records, key{id, c})
			delete(s.appends, key{id, c})
		}
		delete(s.entities, id)
	}
}

// Process reconciles a local-form message and applies it when it wins.
func (s *State) Process(m Message) Outcome {
	if s.tombstones.Deleted(m.Entity) {
		return EntityAlreadyDeleted
	}

	k := key{m.Entity, m.Component}
	switch m.Kind {
	case KindDeleteEntity:
		s.tombstones.Add(m.Entity)
		s.drop(m.Entity)
		return EntityNowDeleted

	case KindAppendValue:
		set, ok := s.appends[k]
		if !ok {
			set = &appendSet{}
			s.appends[k] = set
			s.track(k)
		}
		if set.contains(m.Timestamp, m.Data) {
			return NoChange
		}
		set.add(m.Timestamp, m.Data, s.appendSize)
		set.seq = max(set.seq, m.Timestamp)
		return UpdatedByTimestamp
	}

	incoming := Record{Timestamp: m.Timestamp, Data: m.Data, Present: m.Kind == KindPutComponent}
	current := s.records[k]
	outcome := Resolve(current, incoming)
	if outcome.Accepted() {
		if incoming.Present && incoming.Data == nil {
			incoming.Data = []byte{}
		}
		s.records[k] = &incoming
		s.track(k)
	}
	return outcome
}

// Stamp records a local write and returns the message announcing it. It reports
// false when data equals the current value.
func (s *State) Stamp(e entity.ID, c entity.ComponentID, data []byte) (Message, bool) {
	k := key{e, c}
	var ts uint64 = 1
	if r, ok := s.records[k]; ok {
		if r.Present && bytes.Equal(r.Data, data) {
			return Message{}, false
		}
		ts = r.Timestamp + 1
	}
	if data == nil {
		data = []byte{}
	}
	s.records[k] = &Record{Timestamp: ts, Data: data, Present: true}
	s.track(k)
	return PutComponent(e, c, ts, data), true
}

// StampDelete records a local component removal. It reports false when the
// component is not present.
func (s *State) StampDelete(e entity.ID, c entity.ComponentID) (Message, bool) {
	k := key{e, c}
	r, ok := s.records[k]
	if !ok || !r.Present {
		return Message{}, false
	}
	ts := r.Timestamp + 1
	s.records[k] = &Record{Timestamp: ts}
	return DeleteComponent(e, c, ts), true
}

// StampAppend records a locally appended value under the next timestamp of its set.
// Every call is announced, equal values included.
func (s *State) StampAppend(e entity.ID, c entity.ComponentID, data []byte) (Message, bool) {
	k := key{e, c}
	set, ok := s.appends[k]
	if !ok {
		set = &appendSet{}
		s.appends[k] = set
		s.track(k)
	}
	set.seq++
	set.add(set.seq, data, s.appendSize)
	return AppendValue(e, c, set.seq, data), true
}

// DeleteEntity tombstones a locally removed entity and returns the message
// announcing it. It reports false when the entity is already tombstoned.
func (s *State) DeleteEntity(e entity.ID) (Message, bool) {
	if s.tombstones.Deleted(e) {
		return Message{}, false
	}
	s.tombstones.Add(e)
	s.drop(e)
	return DeleteEntity(e), true
}

// Current returns the message that reproduces the stored register, used to correct
// a peer that sent an outdated value.
func (s *State) Current(e entity.ID, c entity.ComponentID) (Message, bool) {
	r, ok := s.records[key{e, c}]
	if !ok {
		return Message{}, false
	}
	if !r.Present {
		return DeleteComponent(e, c, r.Timestamp), true
	}
	return PutComponent(e, c, r.Timestamp, r.Data), true
}

// Reassert restamps the stored register above floor so it wins against a rejected
// write carrying timestamp floor. An absent register is asserted as deleted.
func (s *State) Reassert(e entity.ID, c entity.ComponentID, floor uint64) Message {
	k := key{e, c}
	r, ok := s.records[k]
	if !ok {
		r = &Record{}
	}
	ts := max(r.Timestamp, floor) + 1
	next := &Record{Timestamp: ts, Data: r.Data, Present: r.Present}
	s.records[k] = next
	s.track(k)
	if !next.Present {
		return DeleteComponent(e, c, ts)
	}
	return PutComponent(e, c, ts, next.Data)
}

// Reset forgets all registers and tombstones.
func (s *State) Reset() {
	clear(s.records)
	clear(s.appends)
	clear(s.entities)
	s.tombstones.Reset()
}

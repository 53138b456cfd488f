package crdt

import "github.com/QYUbit/cosync/pkg/entity"

// Tombstones remembers deleted entities by index, keeping the highest deleted version.
// Size is bounded by the 16-bit index space.
type Tombstones struct {
	versions map[uint16]uint16
}

func NewTombstones() *Tombstones {
	return &Tombstones{versions: make(map[uint16]uint16)}
}

func (t *Tombstones) Add(e entity.ID) {
	if v, ok := t.versions[e.Index()]; ok && v >= e.Version() {
		return
	}
	t.versions[e.Index()] = e.Version()
}

// Deleted reports whether e or a later incarnation of its slot was deleted.
func (t *Tombstones) Deleted(e entity.ID) bool {
	v, ok := t.versions[e.Index()]
	return ok && e.Version() <= v
}

func (t *Tombstones) Len() int {
	return len(t.versions)
}

func (t *Tombstones) Reset() {
	clear(t.versions)
}

// Package entity defines local and network entity identifiers.
//
// A local ID packs a slot index in the low 16 bits and a version in the high 16 bits.
// The version is bumped every time the slot is reused, so a late message addressed
// to an old version can be told apart from the entity that now lives in the slot.
package entity

import "fmt"

type ID uint32

// Root is the implicit scene root. It is never allocated and never deleted.
const Root ID = 0

const (
	indexMask    = 0xFFFF
	versionShift = 16
)

func New(index, version uint16) ID {
	return ID(uint32(version)<<versionShift | uint32(index))
}

func (e ID) Index() uint16 {
	return uint16(e & indexMask)
}

func (e ID) Version() uint16 {
	return uint16(e >> versionShift)
}

// Next returns the id the same slot gets after e is deleted.
func (e ID) Next() ID {
	return New(e.Index(), e.Version()+1)
}

func (e ID) String() string {
	return fmt.Sprintf("%d:%d", e.Index(), e.Version())
}

// ComponentID identifies a component type on the wire.
type ComponentID uint32

// NetworkID identifies the peer that created an entity.
type NetworkID uint32

// NetworkEntity is the identity of an entity that is stable across peers:
// the owner's network id and the owner's local id at creation time.
type NetworkEntity struct {
	Network NetworkID
	Entity  ID
}

func (n NetworkEntity) String() string {
	return fmt.Sprintf("%d/%s", n.Network, n.Entity)
}

package events

import (
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
)

// EntityMapped is published when a network entity is first bound to a local id.
type EntityMapped struct {
	Key   entity.NetworkEntity
	Local entity.ID
}

// EntityDeleted is published when a remote delete removed a local entity.
type EntityDeleted struct {
	Entity entity.ID
	Origin string
}

// ComponentApplied is published for every accepted inbound component change.
type ComponentApplied struct {
	Entity    entity.ID
	Component entity.ComponentID
	Kind      crdt.Kind
	Outcome   crdt.Outcome
	Origin    string
}

// MessageRejected is published when a validator refused an inbound message.
type MessageRejected struct {
	Message crdt.Message
	Origin  string
	Reason  error
}

// InboundDropped is published when a transport frame was discarded before decoding.
type InboundDropped struct {
	Transport string
	Bytes     int
	Reason    string
}

// ParentResolved is published when a child whose parent was unknown has been
// re-parented to the parent's local id.
type ParentResolved struct {
	Child  entity.ID
	Parent entity.ID
}

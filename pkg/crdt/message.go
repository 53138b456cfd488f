// Package crdt implements the binary replication protocol: the message model, one codec
// per wire type, framing and dispatch over a cursor buffer, and the last-writer-wins
// reconciliation that decides whether an incoming message changes state.
package crdt

import (
	"fmt"

	"github.com/QYUbit/cosync/pkg/entity"
)

// Kind is the logical operation a message carries, independent of its wire variant.
type Kind uint8

const (
	KindPutComponent Kind = iota + 1
	KindDeleteComponent
	KindDeleteEntity
	KindAppendValue
)

func (k Kind) String() string {
	switch k {
	case KindPutComponent:
		return "put-component"
	case KindDeleteComponent:
		return "delete-component"
	case KindDeleteEntity:
		return "delete-entity"
	case KindAppendValue:
		return "append-value"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// MessageType is the wire discriminant.
type MessageType uint32

const (
	TypePutComponent MessageType = iota + 1
	TypeDeleteComponent
	TypeDeleteEntity
	TypeAppendValue
	TypePutComponentNetwork
	TypeDeleteComponentNetwork
	TypeDeleteEntityNetwork

	typeCount
)

func (t MessageType) Known() bool {
	return t >= TypePutComponent && t < typeCount
}

func (t MessageType) Network() bool {
	return t >= TypePutComponentNetwork && t <= TypeDeleteEntityNetwork
}

func (t MessageType) String() string {
	switch t {
	case TypePutComponent:
		return "PUT_COMPONENT"
	case TypeDeleteComponent:
		return "DELETE_COMPONENT"
	case TypeDeleteEntity:
		return "DELETE_ENTITY"
	case TypeAppendValue:
		return "APPEND_VALUE"
	case TypePutComponentNetwork:
		return "PUT_COMPONENT_NETWORK"
	case TypeDeleteComponentNetwork:
		return "DELETE_COMPONENT_NETWORK"
	case TypeDeleteEntityNetwork:
		return "DELETE_ENTITY_NETWORK"
	}
	return fmt.Sprintf("TYPE(%d)", uint32(t))
}

// Message is the single internal representation shared by the local and the
// network wire variants. Network is nil for local messages.
type Message struct {
	Kind      Kind
	Entity    entity.ID
	Component entity.ComponentID
	Timestamp uint64
	Network   *entity.NetworkID
	Data      []byte
}

func PutComponent(e entity.ID, c entity.ComponentID, ts uint64, data []byte) Message {
	return Message{Kind: KindPutComponent, Entity: e, Component: c, Timestamp: ts, Data: data}
}

func DeleteComponent(e entity.ID, c entity.ComponentID, ts uint64) Message {
	return Message{Kind: KindDeleteComponent, Entity: e, Component: c, Timestamp: ts}
}

func DeleteEntity(e entity.ID) Message {
	return Message{Kind: KindDeleteEntity, Entity: e}
}

func AppendValue(e entity.ID, c entity.ComponentID, ts uint64, data []byte) Message {
	return Message{Kind: KindAppendValue, Entity: e, Component: c, Timestamp: ts, Data: data}
}

// OnNetwork returns a copy of m addressed in network identity space.
func (m Message) OnNetwork(n entity.NetworkID) Message {
	m.Network = &n
	return m
}

// Local returns a copy of m without its network id.
func (m Message) Local() Message {
	m.Network = nil
	return m
}

func (m Message) NetworkEntity() (entity.NetworkEntity, bool) {
	if m.Network == nil {
		return entity.NetworkEntity{}, false
	}
	return entity.NetworkEntity{Network: *m.Network, Entity: m.Entity}, true
}

// Type derives the wire type from the kind and the presence of a network id.
func (m Message) Type() MessageType {
	net := m.Network != nil
	switch m.Kind {
	case KindPutComponent:
		if net {
			return TypePutComponentNetwork
		}
		return TypePutComponent
	case KindDeleteComponent:
		if net {
			return TypeDeleteComponentNetwork
		}
		return TypeDeleteComponent
	case KindDeleteEntity:
		if net {
			return TypeDeleteEntityNetwork
		}
		return TypeDeleteEntity
	case KindAppendValue:
		return TypeAppendValue
	}
	panic(fmt.Sprintf("crdt: unhandled message kind %d", m.Kind))
}

func (m Message) String() string {
	if m.Network != nil {
		return fmt.Sprintf("%s{entity=%s component=%d ts=%d network=%d len=%d}",
			m.Kind, m.Entity, m.Component, m.Timestamp, *m.Network, len(m.Data))
	}
	return fmt.Sprintf("%s{entity=%s component=%d ts=%d len=%d}",
		m.Kind, m.Entity, m.Component, m.Timestamp, len(m.Data))
}

// MessageMeta is a message without its payload, tagged with the transport it came
// from. Transports filter on it.
type MessageMeta struct {
	Type      MessageType
	Entity    entity.ID
	Component entity.ComponentID
	Timestamp uint64

	// OriginType is the type of the transport the message arrived on, empty when
	// the message was produced locally.
	OriginType string
}

func (m Message) Meta(originType string) MessageMeta {
	return MessageMeta{
		Type:       m.Type(),
		Entity:     m.Entity,
		Component:  m.Component,
		Timestamp:  m.Timestamp,
		OriginType: originType,
	}
}

// Package transport defines the channels replicas exchange CRDT buffers over.
//
// A Transport carries whole encoded buffers. It decides per message whether the
// message may leave through it (Filter) and, when it can receive, hands inbound
// buffers to the replica through Receiver.OnMessage.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/QYUbit/cosync/pkg/crdt"
)

var ErrTransportClosed = errors.New("transport is closed")

type Transport interface {
	// Type names the transport. Messages are never sent back to a transport of the
	// type they arrived on.
	Type() string

	// Networked transports speak the network message variants and carry
	// network entity keys.
	Networked() bool

	Send(ctx context.Context, data []byte) error

	Filter(meta crdt.MessageMeta) bool
}

// Receiver is implemented by transports that deliver inbound buffers. The handler
// must not retain the slice after it returns.
type Receiver interface {
	OnMessage(handler func(data []byte))
}

// ErrTransportSend wraps a failed Send with the transport it happened on.
type ErrTransportSend struct {
	Type string
	Err  error
}

func (e ErrTransportSend) Error() string {
	return fmt.Sprintf("send on %s: %v", e.Type, e.Err)
}

func (e ErrTransportSend) Unwrap() error {
	return e.Err
}

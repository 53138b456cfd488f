package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrIncomplete means the buffer does not hold a full message yet. Nothing was consumed.
	ErrIncomplete = errors.New("crdt: incomplete message")

	// ErrMalformed means the declared length disagrees with the codec layout.
	// The message has been skipped.
	ErrMalformed = errors.New("crdt: malformed message")

	// ErrUnknownType means the header carried a type no codec handles.
	// Only the header has been consumed.
	ErrUnknownType = errors.New("crdt: unknown message type")

	ErrTimestampOverflow  = errors.New("crdt: timestamp does not fit the codec")
	ErrUnsupportedMessage = errors.New("crdt: message has no wire variant")
)

// ErrTypeMismatch is raised (as a panic) when a codec is asked to read a message of a
// different type. It indicates a dispatch bug, never bad input.
type ErrTypeMismatch struct {
	Codec  MessageType
	Header MessageType
}

func (e ErrTypeMismatch) Error() string {
	return fmt.Sprintf("crdt: %s codec invoked on %s message", e.Codec, e.Header)
}

package crdt

import (
	"bytes"
	"fmt"
)

// Outcome is the result of reconciling one incoming message against local state.
type Outcome uint8

const (
	UpdatedByTimestamp Outcome = iota + 1
	OutdatedByTimestamp
	NoChange
	OutdatedByData
	UpdatedByData
	EntityAlreadyDeleted
	EntityNowDeleted
)

func (o Outcome) String() string {
	switch o {
	case UpdatedByTimestamp:
		return "updated-by-timestamp"
	case OutdatedByTimestamp:
		return "outdated-by-timestamp"
	case NoChange:
		return "no-change"
	case OutdatedByData:
		return "outdated-by-data"
	case UpdatedByData:
		return "updated-by-data"
	case EntityAlreadyDeleted:
		return "entity-already-deleted"
	case EntityNowDeleted:
		return "entity-now-deleted"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Accepted reports whether the incoming message replaced local state.
func (o Outcome) Accepted() bool {
	return o == UpdatedByTimestamp || o == UpdatedByData
}

// Outdated reports whether the sender holds an older value than this peer.
func (o Outcome) Outdated() bool {
	return o == OutdatedByTimestamp || o == OutdatedByData
}

// Record is the LWW register of one (entity, component) pair. A record with
// Present=false is a deleted component and keeps its timestamp.
type Record struct {
	Timestamp uint64
	Data      []byte
	Present   bool
}

// Resolve orders incoming against current by timestamp, then by payload bytes. A
// deleted component orders below any present payload. It never mutates either side.
func Resolve(current *Record, incoming Record) Outcome {
	if current == nil {
		return UpdatedByTimestamp
	}
	switch {
	case incoming.Timestamp > current.Timestamp:
		return UpdatedByTimestamp
	case incoming.Timestamp < current.Timestamp:
		return OutdatedByTimestamp
	}
	switch cmp := compareData(current, &incoming); {
	case cmp == 0:
		return NoChange
	case cmp > 0:
		return OutdatedByData
	default:
		return UpdatedByData
	}
}

func compareData(a, b *Record) int {
	switch {
	case !a.Present && !b.Present:
		return 0
	case !a.Present:
		return -1
	case !b.Present:
		return 1
	}
	return bytes.Compare(a.Data, b.Data)
}

package replica

import (
	"sync"
	"sync/atomic"

	"github.com/QYUbit/cosync/pkg/crdt"
)

// Stats is a snapshot of a replica's counters.
type Stats struct {
	Ticks            uint64            `json:"ticks"`
	MessagesSent     uint64            `json:"messagesSent"`
	MessagesReceived uint64            `json:"messagesReceived"`
	Skipped          uint64            `json:"skipped"`
	Dropped          uint64            `json:"dropped"`
	Rejected         uint64            `json:"rejected"`
	SendErrors       uint64            `json:"sendErrors"`
	Outcomes         map[string]uint64 `json:"outcomes"`
}

type stats struct {
	ticks      atomic.Uint64
	sent       atomic.Uint64
	received   atomic.Uint64
	skipped    atomic.Uint64
	dropped    atomic.Uint64
	rejected   atomic.Uint64
	sendErrors atomic.Uint64

	mu       sync.Mutex
	outcomes map[crdt.Outcome]uint64
}

func (s *stats) init() {
	s.outcomes = make(map[crdt.Outcome]uint64)
}

func (s *stats) outcome(o crdt.Outcome) {
	s.mu.Lock()
	s.outcomes[o]++
	s.mu.Unlock()
}

func (r *Replica) Stats() Stats {
	s := &r.stats
	out := Stats{
		Ticks:            s.ticks.Load(),
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
		Skipped:          s.skipped.Load(),
		Dropped:          s.dropped.Load(),
		Rejected:         s.rejected.Load(),
		SendErrors:       s.sendErrors.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out.Outcomes = make(map[string]uint64, len(s.outcomes))
	for o, n := range s.outcomes {
		out.Outcomes[o.String()] = n
	}
	return out
}

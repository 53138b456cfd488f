package transport

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
)

const (
	DefaultMaxFrameSize = 1 << 20
	maxBacklog          = 64
)

// LinkConfig holds the settings shared by every network connection.
type LinkConfig struct {
	// MaxFrameSize drops larger inbound frames. Zero means DefaultMaxFrameSize.
	MaxFrameSize int

	// RateLimit caps inbound frames per second. Zero disables the limit.
	RateLimit rate.Limit
	RateBurst int

	// Components restricts outbound messages to these component ids.
	Components []entity.ComponentID

	Logger colog.Logger
}

func (c LinkConfig) maxFrame() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Link is the part of a network connection that does not depend on the wire: it
// names the connection, filters outbound messages and admits inbound frames.
// Concrete connections embed it and call Deliver from their read loop.
type Link struct {
	filter   Filter
	maxFrame int
	limiter  *rate.Limiter
	log      colog.Logger

	mu      sync.Mutex
	handler func([]byte)
	backlog [][]byte

	dropped  atomic.Uint64
	received atomic.Uint64
	closed   atomic.Bool
}

func NewLink(typ string, cfg LinkConfig) *Link {
	l := &Link{
		filter:   NewFilter(typ, cfg.Components...),
		maxFrame: cfg.maxFrame(),
		log:      colog.OrNop(cfg.Logger),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return l
}

func (l *Link) Type() string {
	return l.filter.Type
}

func (l *Link) Networked() bool {
	return true
}

func (l *Link) Filter(meta crdt.MessageMeta) bool {
	return l.filter.Allow(meta)
}

func (l *Link) MaxFrameSize() int {
	return l.maxFrame
}

func (l *Link) OnMessage(handler func([]byte)) {
	l.mu.Lock()
	l.handler = handler
	backlog := l.backlog
	l.backlog = nil
	l.mu.Unlock()

	for _, data := range backlog {
		handler(data)
	}
}

// Deliver admits one inbound frame. Oversized, rate-limited and post-close frames
// are dropped and counted.
func (l *Link) Deliver(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	if l.closed.Load() {
		return l.drop(frame, "closed")
	}
	if len(frame) > l.maxFrame {
		return l.drop(frame, "frame too large")
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return l.drop(frame, "rate limited")
	}

	l.mu.Lock()
	h := l.handler
	if h == nil {
		if len(l.backlog) >= maxBacklog {
			l.mu.Unlock()
			return l.drop(frame, "backlog full")
		}
		l.backlog = append(l.backlog, frame)
		l.mu.Unlock()
		l.received.Add(1)
		return true
	}
	l.mu.Unlock()

	l.received.Add(1)
	h(frame)
	return true
}

func (l *Link) drop(frame []byte, reason string) bool {
	l.dropped.Add(1)
	l.log.Warn("inbound frame dropped", "transport", l.Type(), "bytes", len(frame), "reason", reason)
	return false
}

func (l *Link) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *Link) Received() uint64 {
	return l.received.Load()
}

// MarkClosed reports true for the first caller only.
func (l *Link) MarkClosed() bool {
	return l.closed.CompareAndSwap(false, true)
}

func (l *Link) Closed() bool {
	return l.closed.Load()
}

// Package events is the typed event bus a replica publishes its session events on.
//
// Each event type has its own queue. Consumers either Pull a registered queue once per
// frame or Subscribe a callback that runs synchronously inside Publish. Only registered
// queues buffer events, up to DefaultQueueLimit unless SetLimit says otherwise.
package events

import (
	"reflect"
	"sync"
)

// DefaultQueueLimit bounds a registered queue that was given no explicit limit.
const DefaultQueueLimit = 4096

type typedQueue interface {
	Reset()
}

type Bus struct {
	mu     sync.RWMutex
	queues map[reflect.Type]typedQueue
}

func NewBus() *Bus {
	return &Bus{
		queues: make(map[reflect.Type]typedQueue),
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Register returns the queue of T, creating it on first use, and makes it buffer
// published events for Pull.
func Register[T any](bus *Bus) *Queue[T] {
	q := queueOf[T](bus)
	q.mu.Lock()
	if !q.buffered {
		q.buffered = true
		if q.limit == 0 {
			q.limit = DefaultQueueLimit
		}
	}
	q.mu.Unlock()
	return q
}

func queueOf[T any](bus *Bus) *Queue[T] {
	t := typeOf[T]()

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if q, ok := bus.queues[t]; ok {
		return q.(*Queue[T])
	}
	q := &Queue[T]{subs: make(map[int]func(T))}
	bus.queues[t] = q
	return q
}

func Unregister[T any](bus *Bus) {
	t := typeOf[T]()

	bus.mu.Lock()
	q, ok := bus.queues[t]
	delete(bus.queues, t)
	bus.mu.Unlock()

	if ok {
		q.Reset()
	}
}

func Lookup[T any](bus *Bus) (*Queue[T], bool) {
	t := typeOf[T]()

	bus.mu.RLock()
	q, ok := bus.queues[t]
	bus.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return q.(*Queue[T]), true
}

// Publish delivers e to T's subscribers and queues it for Pull. Events of an
// unregistered type are dropped.
func Publish[T any](bus *Bus, e T) {
	if bus == nil {
		return
	}
	q, ok := Lookup[T](bus)
	if !ok {
		return
	}
	q.Push(e)
}

// Subscribe calls fn for every published T. It does not make the queue buffer.
// The returned func removes the subscription.
func Subscribe[T any](bus *Bus, fn func(T)) (cancel func()) {
	return queueOf[T](bus).Subscribe(fn)
}

func (bus *Bus) Reset() {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	for _, q := range bus.queues {
		q.Reset()
	}
}

// Queue fans events of one type out to subscribers and, once registered, buffers
// them until they are pulled.
type Queue[T any] struct {
	mu       sync.Mutex
	events   []T
	subs     map[int]func(T)
	nextID   int
	limit    int
	buffered bool
}

// SetLimit bounds the number of buffered events; the oldest are dropped first.
// Zero means unbounded.
func (q *Queue[T]) SetLimit(n int) {
	q.mu.Lock()
	q.limit = n
	q.mu.Unlock()
}

func (q *Queue[T]) Push(e T) {
	q.mu.Lock()
	if q.buffered {
		q.events = append(q.events, e)
		if q.limit > 0 && len(q.events) > q.limit {
			q.events = q.events[len(q.events)-q.limit:]
		}
	}
	subs := make([]func(T), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

func (q *Queue[T]) Subscribe(fn func(T)) (cancel func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		delete(q.subs, id)
		q.mu.Unlock()
	}
}

func (q *Queue[T]) Pull() []T {
	q.mu.Lock()
	out := q.events
	q.events = nil
	q.mu.Unlock()
	return out
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *Queue[T]) Reset() {
	q.mu.Lock()
	q.events = nil
	q.mu.Unlock()
}

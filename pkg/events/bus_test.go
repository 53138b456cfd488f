package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ping struct{ n int }

func TestBus_PublishAndPull(t *testing.T) {
	bus := NewBus()
	q := Register[ping](bus)

	Publish(bus, ping{1})
	Publish(bus, ping{2})
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []ping{{1}, {2}}, q.Pull())
	assert.Empty(t, q.Pull())
}

func TestBus_UnregisteredTypeIsDropped(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() { Publish(bus, ping{1}) })
	_, ok := Lookup[ping](bus)
	assert.False(t, ok)

	var nilBus *Bus
	assert.NotPanics(t, func() { Publish(nilBus, ping{1}) })
}

func TestBus_RegisterIsIdempotent(t *testing.T) {
	bus := NewBus()
	assert.Same(t, Register[ping](bus), Register[ping](bus))
}

func TestBus_Subscribe(t *testing.T) {
	bus := NewBus()
	var got []int
	cancel := Subscribe(bus, func(p ping) { got = append(got, p.n) })

	Publish(bus, ping{1})
	cancel()
	Publish(bus, ping{2})

	assert.Equal(t, []int{1}, got)
	q, ok := Lookup[ping](bus)
	require.True(t, ok)
	assert.Empty(t, q.Pull())
}

func TestBus_SubscriberOnlyQueueDoesNotBuffer(t *testing.T) {
	bus := NewBus()
	delivered := 0
	Subscribe(bus, func(ping) { delivered++ })

	for i := 0; i < 10000; i++ {
		Publish(bus, ping{i})
	}
	q, ok := Lookup[ping](bus)
	require.True(t, ok)
	assert.Equal(t, 10000, delivered)
	assert.Zero(t, q.Len())

	// registering later starts buffering, capped by default
	Register[ping](bus)
	for i := 0; i < DefaultQueueLimit+10; i++ {
		Publish(bus, ping{i})
	}
	assert.Equal(t, DefaultQueueLimit, q.Len())
	assert.Equal(t, ping{10}, q.Pull()[0])
	assert.Equal(t, 10000+DefaultQueueLimit+10, delivered)
}

func TestQueue_SetLimitZeroIsUnbounded(t *testing.T) {
	bus := NewBus()
	q := Register[ping](bus)
	q.SetLimit(0)
	for i := 0; i < DefaultQueueLimit+1; i++ {
		Publish(bus, ping{i})
	}
	assert.Equal(t, DefaultQueueLimit+1, q.Len())
}

func TestQueue_Limit(t *testing.T) {
	bus := NewBus()
	q := Register[ping](bus)
	q.SetLimit(2)
	for i := 0; i < 5; i++ {
		Publish(bus, ping{i})
	}
	assert.Equal(t, []ping{{3}, {4}}, q.Pull())
}

func TestBus_ResetAndUnregister(t *testing.T) {
	bus := NewBus()
	q := Register[ping](bus)
	Publish(bus, ping{1})
	bus.Reset()
	assert.Zero(t, q.Len())

	Unregister[ping](bus)
	_, ok := Lookup[ping](bus)
	assert.False(t, ok)
}

package remap

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QYUbit/cosync/pkg/crdt"
	"github.com/QYUbit/cosync/pkg/entity"
	"github.com/QYUbit/cosync/pkg/events"
)

const (
	self  entity.NetworkID = 1
	peer  entity.NetworkID = 2
	other entity.NetworkID = 3

	transformID entity.ComponentID = 1
	colorID     entity.ComponentID = 2
)

type counter struct {
	next uint16
	err  error
}

func (c *counter) CreateEntity() (entity.ID, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.next++
	return entity.New(100+c.next, 0), nil
}

// local transform payload: 40 bytes of pose followed by the parent id
func localTransform(parent entity.ID) []byte {
	data := make([]byte, 44)
	data[0] = 0x7f
	binary.LittleEndian.PutUint32(data[40:], uint32(parent))
	return data
}

func wireTransform(parent entity.NetworkEntity) []byte {
	data := make([]byte, 48)
	data[0] = 0x7f
	binary.LittleEndian.PutUint32(data[40:], uint32(parent.Entity))
	binary.LittleEndian.PutUint32(data[44:], uint32(parent.Network))
	return data
}

func parentOf(data []byte) entity.ID {
	return entity.ID(binary.LittleEndian.Uint32(data[40:]))
}

func TestInbound_AllocatesOnceAndStaysStable(t *testing.T) {
	bus := events.NewBus()
	mapped := events.Register[events.EntityMapped](bus)
	m := New(self, &counter{}, WithBus(bus))

	key := entity.NetworkEntity{Network: peer, Entity: 7}
	first, err := m.Inbound(crdt.PutComponent(7, colorID, 1, []byte{1}).OnNetwork(peer))
	require.NoError(t, err)
	assert.Nil(t, first.Network)

	second, err := m.Inbound(crdt.PutComponent(7, colorID, 2, []byte{2}).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, first.Entity, second.Entity)

	local, ok := m.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, first.Entity, local)
	assert.Equal(t, key, m.KeyOf(local))
	assert.Equal(t, []events.EntityMapped{{Key: key, Local: local}}, mapped.Pull())
}

func TestInbound_SameEntityDifferentOwners(t *testing.T) {
	m := New(self, &counter{})
	a, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)
	b, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(other))
	require.NoError(t, err)
	assert.NotEqual(t, a.Entity, b.Entity)
	assert.Equal(t, 2, m.Len())
}

func TestInbound_OwnEntitiesMapDirectly(t *testing.T) {
	m := New(self, &counter{err: errors.New("must not allocate")})
	out, err := m.Inbound(crdt.PutComponent(9, colorID, 1, nil).OnNetwork(self))
	require.NoError(t, err)
	assert.Equal(t, entity.ID(9), out.Entity)
}

func TestInbound_DeleteOfUnknownEntityTombstones(t *testing.T) {
	m := New(self, &counter{})
	_, err := m.Inbound(crdt.DeleteEntity(7).OnNetwork(peer))
	assert.ErrorIs(t, err, ErrTombstoned)

	_, err = m.Inbound(crdt.PutComponent(7, colorID, 9, nil).OnNetwork(peer))
	assert.ErrorIs(t, err, ErrTombstoned)
	assert.Zero(t, m.Len())
}

func TestForget_BlocksResurrection(t *testing.T) {
	m := New(self, &counter{})
	in, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)

	m.Forget(in.Entity)
	_, ok := m.Lookup(entity.NetworkEntity{Network: peer, Entity: 7})
	assert.False(t, ok)

	_, err = m.Inbound(crdt.PutComponent(7, colorID, 5, nil).OnNetwork(peer))
	assert.ErrorIs(t, err, ErrTombstoned)
}

func TestUnbind_AllowsRebinding(t *testing.T) {
	m := New(self, &counter{})
	key := entity.NetworkEntity{Network: peer, Entity: 7}
	first, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)

	m.Unbind(first.Entity)
	_, ok := m.Lookup(key)
	assert.False(t, ok)
	assert.False(t, m.Tombstoned(key))
	assert.Zero(t, m.Len())

	second, err := m.Inbound(crdt.PutComponent(7, colorID, 2, nil).OnNetwork(peer))
	require.NoError(t, err)
	assert.NotEqual(t, first.Entity, second.Entity)
}

func TestTombstones_AreBounded(t *testing.T) {
	m := New(self, &counter{}, WithTombstoneCapacity(2))
	for e := entity.ID(1); e <= 3; e++ {
		_, _ = m.Inbound(crdt.DeleteEntity(e).OnNetwork(peer))
	}
	assert.False(t, m.Tombstoned(entity.NetworkEntity{Network: peer, Entity: 1}))
	assert.True(t, m.Tombstoned(entity.NetworkEntity{Network: peer, Entity: 3}))
}

func TestInbound_RequiresNetworkForm(t *testing.T) {
	m := New(self, &counter{})
	_, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil))
	assert.ErrorIs(t, err, ErrNotNetworked)
}

func TestOutbound_UsesNetworkKey(t *testing.T) {
	m := New(self, &counter{})
	in, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)

	out, err := m.Outbound(crdt.PutComponent(in.Entity, colorID, 2, []byte{1}))
	require.NoError(t, err)
	require.NotNil(t, out.Network)
	assert.Equal(t, peer, *out.Network)
	assert.Equal(t, entity.ID(7), out.Entity)

	own, err := m.Outbound(crdt.DeleteEntity(42))
	require.NoError(t, err)
	assert.Equal(t, self, *own.Network)
	assert.Equal(t, entity.ID(42), own.Entity)
	assert.Equal(t, crdt.TypeDeleteEntityNetwork, own.Type())

	_, err = m.Outbound(crdt.AppendValue(42, colorID, 1, nil))
	assert.ErrorIs(t, err, crdt.ErrUnsupportedMessage)
}

func TestParent_RoundTrip(t *testing.T) {
	m := New(self, &counter{})
	parentIn, err := m.Inbound(crdt.PutComponent(3, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)

	out, err := m.Outbound(crdt.PutComponent(50, transformID, 1, localTransform(parentIn.Entity)))
	require.NoError(t, err)
	assert.Equal(t, wireTransform(entity.NetworkEntity{Network: peer, Entity: 3}), out.Data)

	back, err := m.Inbound(crdt.PutComponent(8, transformID, 1, out.Data).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, localTransform(parentIn.Entity), back.Data)
}

func TestParent_RootStaysRoot(t *testing.T) {
	m := New(self, &counter{})
	out, err := m.Outbound(crdt.PutComponent(50, transformID, 1, localTransform(entity.Root)))
	require.NoError(t, err)
	assert.Equal(t, wireTransform(entity.NetworkEntity{}), out.Data)

	in, err := m.Inbound(crdt.PutComponent(8, transformID, 1, out.Data).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, entity.Root, parentOf(in.Data))
}

func TestParent_LazyAllocation(t *testing.T) {
	m := New(self, &counter{})
	parentKey := entity.NetworkEntity{Network: peer, Entity: 3}

	child, err := m.Inbound(crdt.PutComponent(8, transformID, 1, wireTransform(parentKey)).OnNetwork(peer))
	require.NoError(t, err)
	parent := parentOf(child.Data)
	assert.NotEqual(t, entity.Root, parent)

	later, err := m.Inbound(crdt.PutComponent(3, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, parent, later.Entity)
	assert.Zero(t, m.Pending())
}

func TestParent_DeferredResolution(t *testing.T) {
	bus := events.NewBus()
	resolvedEvents := events.Register[events.ParentResolved](bus)
	m := New(self, &counter{}, WithLazyParents(false), WithBus(bus))
	parentKey := entity.NetworkEntity{Network: peer, Entity: 3}

	child, err := m.Inbound(crdt.PutComponent(8, transformID, 4, wireTransform(parentKey)).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, entity.Root, parentOf(child.Data))
	assert.Equal(t, 1, m.Pending())
	assert.Empty(t, m.TakeResolved())

	parent, err := m.Inbound(crdt.PutComponent(3, colorID, 1, nil).OnNetwork(peer))
	require.NoError(t, err)

	resolved := m.TakeResolved()
	require.Len(t, resolved, 1)
	assert.Equal(t, child.Entity, resolved[0].Entity)
	assert.Equal(t, uint64(4), resolved[0].Timestamp)
	assert.Equal(t, parent.Entity, parentOf(resolved[0].Data))
	assert.Equal(t, entity.Root, parentOf(child.Data), "original message is not mutated")
	assert.Equal(t, []events.ParentResolved{{Child: child.Entity, Parent: parent.Entity}}, resolvedEvents.Pull())
	assert.Zero(t, m.Pending())
}

func TestParent_TombstonedParentIsRoot(t *testing.T) {
	m := New(self, &counter{}, WithLazyParents(false))
	parentKey := entity.NetworkEntity{Network: peer, Entity: 3}
	_, _ = m.Inbound(crdt.DeleteEntity(3).OnNetwork(peer))

	child, err := m.Inbound(crdt.PutComponent(8, transformID, 1, wireTransform(parentKey)).OnNetwork(peer))
	require.NoError(t, err)
	assert.Equal(t, entity.Root, parentOf(child.Data))
	assert.Zero(t, m.Pending())
}

func TestParent_ShortPayload(t *testing.T) {
	m := New(self, &counter{})
	_, err := m.Inbound(crdt.PutComponent(8, transformID, 1, []byte{1, 2}).OnNetwork(peer))
	assert.ErrorIs(t, err, ErrParentPayload)

	_, err = m.Outbound(crdt.PutComponent(8, transformID, 1, []byte{1, 2}))
	assert.ErrorIs(t, err, ErrParentPayload)
}

func TestParent_Disabled(t *testing.T) {
	m := New(self, &counter{}, WithoutParentField())
	data := []byte{1, 2, 3}
	out, err := m.Outbound(crdt.PutComponent(8, transformID, 1, data))
	require.NoError(t, err)
	assert.Equal(t, data, out.Data)
}

func TestForget_DropsPendingChild(t *testing.T) {
	m := New(self, &counter{}, WithLazyParents(false))
	child, err := m.Inbound(crdt.PutComponent(8, transformID, 1, wireTransform(entity.NetworkEntity{Network: peer, Entity: 3})).OnNetwork(peer))
	require.NoError(t, err)

	m.Forget(child.Entity)
	assert.Zero(t, m.Pending())
}

func TestReset(t *testing.T) {
	m := New(self, &counter{})
	in, _ := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	m.Forget(in.Entity)
	_, _ = m.Inbound(crdt.PutComponent(9, colorID, 1, nil).OnNetwork(peer))

	m.Reset()
	assert.Zero(t, m.Len())
	assert.False(t, m.Tombstoned(entity.NetworkEntity{Network: peer, Entity: 7}))
}

func TestAllocationFailure(t *testing.T) {
	boom := errors.New("full")
	m := New(self, &counter{err: boom})
	_, err := m.Inbound(crdt.PutComponent(7, colorID, 1, nil).OnNetwork(peer))
	assert.ErrorIs(t, err, boom)
}

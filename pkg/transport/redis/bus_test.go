package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QYUbit/cosync/pkg/transport"
)

var (
	_ transport.Transport = (*Bus)(nil)
	_ transport.Receiver  = (*Bus)(nil)
)

func TestFrame_RoundTrip(t *testing.T) {
	id := uuid.New()
	origin, data, err := decodeFrame(encodeFrame(id, []byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, id, origin)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestFrame_EmptyPayload(t *testing.T) {
	id := uuid.New()
	origin, data, err := decodeFrame(encodeFrame(id, nil))
	require.NoError(t, err)
	assert.Equal(t, id, origin)
	assert.Empty(t, data)
}

func TestFrame_TooShort(t *testing.T) {
	_, _, err := decodeFrame([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errShortFrame)
}

func openPair(t *testing.T) (a, b *Bus) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Open(ctx, client, "room", transport.LinkConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err = Open(ctx, client, "room", transport.LinkConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func TestBus_DeliversToOtherProcessesOnly(t *testing.T) {
	a, b := openPair(t)
	require.NotEqual(t, a.Origin(), b.Origin())
	assert.Equal(t, "redis:room", a.Type())

	atA := make(chan []byte, 4)
	a.OnMessage(func(p []byte) { atA <- p })
	atB := make(chan []byte, 4)
	b.OnMessage(func(p []byte) { atB <- p })

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte{1, 2, 3}))
	select {
	case got := <-atB:
		assert.Equal(t, []byte{1, 2, 3}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("frame did not reach the other bus")
	}

	// a saw its own frame before this one, so receiving b's first proves it was dropped
	require.NoError(t, b.Send(ctx, []byte{4}))
	select {
	case got := <-atA:
		assert.Equal(t, []byte{4}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("frame did not reach the other bus")
	}
	assert.Empty(t, atB)
}

func TestBus_Close(t *testing.T) {
	a, _ := openPair(t)
	require.NoError(t, a.Close())

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not stop")
	}
	assert.ErrorIs(t, a.Send(context.Background(), []byte{1}), transport.ErrTransportClosed)
	assert.NoError(t, a.Close())
}

// Package redis fans CRDT buffers out over a Redis pub/sub channel. Every process
// on the channel is one peer; frames carry the publisher's id so a process never
// consumes its own buffers.
package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/QYUbit/cosync/pkg/colog"
	"github.com/QYUbit/cosync/pkg/transport"
)

const originSize = 16

var errShortFrame = errors.New("redis: frame shorter than origin tag")

// Bus implements transport.Transport and transport.Receiver on one channel.
type Bus struct {
	*transport.Link

	client  redis.UniversalClient
	channel string
	origin  uuid.UUID
	log     colog.Logger

	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

// Open subscribes to channel and starts delivering frames published by other processes.
func Open(ctx context.Context, client redis.UniversalClient, channel string, linkCfg transport.LinkConfig) (*Bus, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	b := &Bus{
		Link:    transport.NewLink("redis:"+channel, linkCfg),
		client:  client,
		channel: channel,
		origin:  uuid.New(),
		log:     colog.OrNop(linkCfg.Logger),
		pubsub:  pubsub,
		done:    make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *Bus) readLoop() {
	defer b.shutdown()

	for msg := range b.pubsub.Channel() {
		origin, frame, err := decodeFrame([]byte(msg.Payload))
		if err != nil {
			b.log.Warn("redis frame dropped", "channel", b.channel, "error", err)
			continue
		}
		if origin == b.origin {
			continue
		}
		b.Deliver(frame)
	}
}

func (b *Bus) Send(ctx context.Context, data []byte) error {
	if b.Closed() {
		return transport.ErrTransportClosed
	}
	if err := b.client.Publish(ctx, b.channel, encodeFrame(b.origin, data)).Err(); err != nil {
		return transport.ErrTransportSend{Type: b.Type(), Err: err}
	}
	return nil
}

func (b *Bus) Origin() uuid.UUID {
	return b.origin
}

func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.MarkClosed()
		err = b.pubsub.Close()
	})
	return err
}

func (b *Bus) shutdown() {
	b.MarkClosed()
	close(b.done)
}

func encodeFrame(origin uuid.UUID, data []byte) []byte {
	out := make([]byte, originSize+len(data))
	copy(out, origin[:])
	copy(out[originSize:], data)
	return out
}

func decodeFrame(p []byte) (uuid.UUID, []byte, error) {
	if len(p) < originSize {
		return uuid.Nil, nil, errShortFrame
	}
	origin, err := uuid.FromBytes(p[:originSize])
	if err != nil {
		return uuid.Nil, nil, err
	}
	return origin, p[originSize:], nil
}

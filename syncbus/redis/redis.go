// Package redis implements syncbus.Bus on top of Redis pub/sub. A single
// Redis channel fans coordination messages out to every connected server
// process, which matches the fleet topology this layer is built for.
package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	gserrors "github.com/ottermc/groupsync/errors"
	"github.com/ottermc/groupsync/syncbus"
)

const publishTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan syncbus.Event
}

// Bus implements syncbus.Bus using a Redis backend.
type Bus struct {
	mu     sync.Mutex
	client *redis.Client
	subs   map[string]*redisSubscription

	published atomic.Uint64
	delivered atomic.Uint64
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Options configures the Bus.
type Options struct {
	Client *redis.Client
}

// New returns a new Redis-backed bus using the provided client.
func New(opts Options) *Bus {
	return &Bus{
		client:  opts.Client,
		subs:    make(map[string]*redisSubscription),
		closeCh: make(chan struct{}),
	}
}

// Publish implements Bus.Publish.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	select {
	case <-b.closeCh:
		return gserrors.ErrConnectionClosed
	default:
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	err := client.Publish(ctx, channel, data).Err()
	if err != nil {
		// One reconnect attempt; the caller retries at a higher level.
		_ = b.reconnect()
		b.mu.Lock()
		client = b.client
		b.mu.Unlock()
		err = client.Publish(ctx, channel, data).Err()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return gserrors.ErrTimeout
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan syncbus.Event, error) {
	select {
	case <-b.closeCh:
		return nil, gserrors.ErrConnectionClosed
	default:
	}
	ch := make(chan syncbus.Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[channel]
	if sub == nil {
		ps := b.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			return nil, err
		}
		sub = &redisSubscription{pubsub: ps, chans: []chan syncbus.Event{ch}}
		b.subs[channel] = sub
		go b.dispatch(channel, sub)
	} else {
		sub.chans = append(sub.chans, ch)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *Bus) dispatch(channel string, sub *redisSubscription) {
	msgCh := sub.pubsub.Channel()
	for msg := range msgCh { // terminates when the pubsub is closed
		b.mu.Lock()
		chans := append([]chan syncbus.Event(nil), sub.chans...)
		b.mu.Unlock()

		evt := syncbus.Event{Channel: channel, Data: []byte(msg.Payload)}
		for _, c := range chans {
			select {
			case c <- evt:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.subs[channel]
	if sub == nil {
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, channel)
		if sub.pubsub != nil {
			return sub.pubsub.Close()
		}
	}
	return nil
}

// reconnect rebuilds the client and every active subscription after a
// dropped connection.
func (b *Bus) reconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		opts := b.client.Options()
		b.client = redis.NewClient(opts)
	}
	for channel, sub := range b.subs {
		if sub.pubsub != nil {
			_ = sub.pubsub.Close()
		}
		ps := b.client.Subscribe(context.Background(), channel)
		// Wait for the subscription to settle to avoid racing Publish.
		if _, err := ps.Receive(context.Background()); err != nil {
			_ = ps.Close()
			continue
		}
		sub.pubsub = ps
		go b.dispatch(channel, sub)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close releases resources used by the bus.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, sub := range b.subs {
		if sub.pubsub != nil {
			_ = sub.pubsub.Close()
		}
		delete(b.subs, channel)
	}
	return nil
}

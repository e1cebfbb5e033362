// Package nats implements syncbus.Bus on top of NATS core subjects.
package nats

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/ottermc/groupsync/syncbus"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan syncbus.Event
}

// Bus implements syncbus.Bus using a NATS backend.
type Bus struct {
	mu        sync.Mutex
	conn      *nats.Conn
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// New returns a new NATS-backed bus using the provided connection.
func New(conn *nats.Conn) *Bus {
	return &Bus{
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// Publish implements Bus.Publish. Failed publishes are retried with
// jittered exponential backoff until the context is done.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	backoff := 100 * time.Millisecond
	for {
		err := b.conn.Publish(channel, data)
		if err == nil {
			b.published.Add(1)
			return nil
		}
		_ = b.reconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// Subscribe implements Bus.Subscribe.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 64)
	b.mu.Lock()
	sub := b.subs[channel]
	if sub == nil {
		ns, err := b.conn.Subscribe(channel, b.handler(channel))
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[channel] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

func (b *Bus) handler(channel string) nats.MsgHandler {
	return func(m *nats.Msg) {
		b.mu.Lock()
		sub := b.subs[channel]
		if sub == nil {
			b.mu.Unlock()
			return
		}
		chans := append([]chan syncbus.Event(nil), sub.chans...)
		b.mu.Unlock()

		evt := syncbus.Event{Channel: channel, Data: m.Data}
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
	sub := b.subs[channel]
	if sub == nil {
		b.mu.Unlock()
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
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

func (b *Bus) reconnect() error {
	if b.conn != nil && b.conn.IsConnected() {
		return nil
	}
	newConn, err := b.conn.Opts.Connect()
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = newConn
	for channel, sub := range b.subs {
		ns, err := b.conn.Subscribe(channel, b.handler(channel))
		if err != nil {
			continue
		}
		sub.sub = ns
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close drains the connection. Subscriptions are removed server-side.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		delete(b.subs, channel)
	}
	b.conn.Close()
	return nil
}

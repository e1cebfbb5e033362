package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is a message delivered on a subscribed channel.
type Event struct {
	Channel string
	Data    []byte
}

// Bus provides the pub/sub byte channel used to propagate coordination
// messages across nodes.
type Bus interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error
	Close() error
}

// Metrics reports publish/delivery counts for a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local implementation of Bus mainly for testing.
// Published payloads loop back to every subscriber, including ones owned
// by the publisher, matching the behaviour of the networked backends.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	closed    bool
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, channel string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[channel]...)
	b.mu.Unlock()
	b.published.Add(1)
	evt := Event{Channel: channel, Data: data}
	for _, ch := range chans {
		select {
		case ch <- evt:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Event, error) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, channel string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[channel] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
	return nil
}

// Close releases all subscriptions.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for channel, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subs, channel)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

package syncbus

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestInMemoryPublishSubscribe(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()
	ch, err := b.Subscribe(ctx, "coord")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, "coord", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if evt.Channel != "coord" || !bytes.Equal(evt.Data, []byte("hello")) {
			t.Fatalf("unexpected event %#v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestInMemoryDeliversToAllSubscribersIncludingPublisher(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()
	a, _ := b.Subscribe(ctx, "coord")
	c, _ := b.Subscribe(ctx, "coord")
	if err := b.Publish(ctx, "coord", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []<-chan Event{a, c} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d missed event", i)
		}
	}
	m := b.Metrics()
	if m.Published != 1 || m.Delivered != 2 {
		t.Fatalf("metrics: %+v", m)
	}
}

func TestInMemoryUnsubscribeStopsDelivery(t *testing.T) {
	b := NewInMemoryBus()
	ctx := context.Background()
	ch, _ := b.Subscribe(ctx, "coord")
	if err := b.Unsubscribe(ctx, "coord", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if err := b.Publish(ctx, "coord", []byte("x")); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestInMemorySubscribeContextCancel(t *testing.T) {
	b := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "coord")
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}

func TestInMemoryCloseIdempotent(t *testing.T) {
	b := NewInMemoryBus()
	ch, _ := b.Subscribe(context.Background(), "coord")
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed on bus close")
	}
}

package nats

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/ottermc/groupsync/syncbus"
)

func newBus(t *testing.T) (*Bus, context.Context) {
	t.Helper()
	addr := os.Getenv("GROUPSYNC_TEST_NATS_ADDR")
	forceReal := os.Getenv("GROUPSYNC_TEST_FORCE_REAL") == "true"

	if forceReal && addr == "" {
		t.Fatal("GROUPSYNC_TEST_FORCE_REAL is true but GROUPSYNC_TEST_NATS_ADDR is empty")
	}

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	} else {
		t.Log("using embedded NATS server")
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	}

	bus := New(conn)
	t.Cleanup(func() {
		_ = bus.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, context.Background()
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	bus, ctx := newBus(t)
	ch, err := bus.Subscribe(ctx, "groupsync.coord")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	payload := []byte(`{"type":"server_shutdown","timestamp":1,"server_id":"a"}`)
	if err := bus.Publish(ctx, "groupsync.coord", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case evt := <-ch:
		if !bytes.Equal(evt.Data, payload) {
			t.Fatalf("payload mismatch: %s", evt.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestNATSBusFanOut(t *testing.T) {
	bus, ctx := newBus(t)
	var chans []<-chan syncbus.Event
	for i := 0; i < 3; i++ {
		ch, err := bus.Subscribe(ctx, "groupsync.coord")
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	if err := bus.Publish(ctx, "groupsync.coord", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d missed event", i)
		}
	}
}

func TestNATSBusUnsubscribe(t *testing.T) {
	bus, ctx := newBus(t)
	ch, err := bus.Subscribe(ctx, "groupsync.coord")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "groupsync.coord", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
}

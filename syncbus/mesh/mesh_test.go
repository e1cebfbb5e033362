package mesh

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func findMulticastInterface() *net.Interface {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagLoopback == 0 {
			return &ifi
		}
	}
	return nil
}

func TestMeshIntegration(t *testing.T) {
	ifi := findMulticastInterface()
	if ifi == nil {
		t.Skip("no multicast-capable interface available")
	}

	opts := Options{
		Port:      8000 + (int(time.Now().Unix()) % 1000),
		Group:     "239.0.0.1",
		Interface: ifi.Name,
	}

	nodeA, err := New(opts)
	if err != nil {
		t.Skipf("mesh unavailable in this environment: %v", err)
	}
	defer nodeA.Close()

	nodeB, err := New(opts)
	if err != nil {
		t.Skipf("mesh unavailable in this environment: %v", err)
	}
	defer nodeB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chB, err := nodeB.Subscribe(ctx, "groupsync:coord")
	if err != nil {
		t.Fatalf("subscribe on nodeB: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	payload := []byte(`{"type":"server_shutdown","timestamp":1,"server_id":"a"}`)
	if err := nodeA.Publish(ctx, "groupsync:coord", payload); err != nil {
		t.Fatalf("publish from nodeA: %v", err)
	}

	select {
	case evt := <-chB:
		if evt.Channel != "groupsync:coord" || !bytes.Equal(evt.Data, payload) {
			t.Errorf("unexpected event %#v", evt)
		}
	case <-ctx.Done():
		t.Skip("multicast delivery unavailable in this environment")
	}
}

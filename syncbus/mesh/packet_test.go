package mesh

import (
	"bytes"
	"testing"
)

func TestPacketMarshalUnmarshal(t *testing.T) {
	p := packet{
		Magic:   magicByte,
		Type:    typePayload,
		NodeID:  [16]byte{1, 2, 3, 4},
		Channel: []byte("groupsync:coord"),
		Payload: []byte(`{"type":"heartbeat","timestamp":1,"server_id":"a","player_count":2}`),
	}
	buf := make([]byte, 2048)
	n, err := p.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got packet
	if err := got.unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != p.Type || got.NodeID != p.NodeID {
		t.Fatalf("header mismatch: %#v", got)
	}
	if !bytes.Equal(got.Channel, p.Channel) || !bytes.Equal(got.Payload, p.Payload) {
		t.Fatalf("body mismatch: channel %q payload %q", got.Channel, got.Payload)
	}
}

func TestPacketEmptyPayload(t *testing.T) {
	p := packet{Magic: magicByte, Type: typeHeartbeat, Channel: []byte("c")}
	buf := make([]byte, 64)
	n, err := p.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got packet
	if err := got.unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", got.Payload)
	}
}

func TestPacketUnmarshalRejectsGarbage(t *testing.T) {
	var p packet
	if err := p.unmarshal([]byte{0x00, 0x01}); err == nil {
		t.Fatal("short buffer accepted")
	}
	bad := make([]byte, 32)
	bad[0] = 0xFF
	if err := p.unmarshal(bad); err == nil {
		t.Fatal("wrong magic accepted")
	}
}

func TestPacketMarshalShortBuffer(t *testing.T) {
	p := packet{Magic: magicByte, Type: typePayload, Channel: []byte("coord"), Payload: make([]byte, 100)}
	if _, err := p.marshal(make([]byte, 16)); err == nil {
		t.Fatal("expected short buffer error")
	}
}

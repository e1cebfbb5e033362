package protocol

import (
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	player := uuid.New()
	msgs := []Message{
		AcquireLock{Player: player, ServerID: "lobby-1", Timestamp: 1700000000000},
		ReleaseLock{Player: player, ServerID: "lobby-1", Timestamp: 1700000000001},
		TransferLock{Player: player, FromServer: "lobby-1", ToServer: "pvp-2", Timestamp: 1700000000002},
		DataUpdate{Player: player, Group: "survival", Version: 42, ServerID: "lobby-1", Timestamp: 1700000000003},
		CacheInvalidate{Player: player, Group: "survival", Timestamp: 1700000000004},
		CacheInvalidate{Player: player, Timestamp: 1700000000005},
		Heartbeat{ServerID: "lobby-1", PlayerCount: 0, Timestamp: 1700000000006},
		LockAck{Player: player, ServerID: "pvp-2", Granted: false, CurrentHolder: "lobby-1", Timestamp: 1700000000007},
		LockAck{Player: player, ServerID: "pvp-2", Granted: true, Timestamp: 1700000000008},
		ServerShutdown{ServerID: "lobby-1", Timestamp: 1700000000009},
	}
	for _, m := range msgs {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %s: %v", m.Kind(), err)
		}
		got, ok := Decode(data)
		if !ok {
			t.Fatalf("decode %s failed: %s", m.Kind(), data)
		}
		if got != m {
			t.Fatalf("round trip %s: got %#v want %#v", m.Kind(), got, m)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"not json":       "not json at all",
		"missing type":   `{"timestamp":1}`,
		"unknown type":   `{"type":"frobnicate","timestamp":1}`,
		"bad uuid":       `{"type":"acquire_lock","timestamp":1,"player_uuid":"nope","server_id":"a"}`,
		"no server":      `{"type":"acquire_lock","timestamp":1,"player_uuid":"9b2db1f0-95a5-4f5c-8c43-0f6b6e3e2b11"}`,
		"no granted":     `{"type":"lock_ack","timestamp":1,"player_uuid":"9b2db1f0-95a5-4f5c-8c43-0f6b6e3e2b11","server_id":"a"}`,
		"no count":       `{"type":"heartbeat","timestamp":1,"server_id":"a"}`,
		"no version":     `{"type":"data_update","timestamp":1,"player_uuid":"9b2db1f0-95a5-4f5c-8c43-0f6b6e3e2b11","group":"g","server_id":"a"}`,
		"no to server":   `{"type":"transfer_lock","timestamp":1,"player_uuid":"9b2db1f0-95a5-4f5c-8c43-0f6b6e3e2b11","from_server":"a"}`,
		"truncated json": `{"type":"heartbeat","timesta`,
	}
	for name, input := range cases {
		if m, ok := Decode([]byte(input)); ok {
			t.Fatalf("%s: expected decode failure, got %#v", name, m)
		}
		if IsValid([]byte(input)) {
			t.Fatalf("%s: IsValid accepted malformed input", name)
		}
	}
}

func TestDecodeAsChecksType(t *testing.T) {
	data, err := Encode(Heartbeat{ServerID: "a", PlayerCount: 3, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hb, ok := DecodeAs[Heartbeat](data)
	if !ok || hb.ServerID != "a" || hb.PlayerCount != 3 {
		t.Fatalf("DecodeAs heartbeat: ok %v got %#v", ok, hb)
	}
	if _, ok := DecodeAs[AcquireLock](data); ok {
		t.Fatal("DecodeAs accepted mismatched variant")
	}
}

func TestHeartbeatZeroPlayerCountSurvives(t *testing.T) {
	data, err := Encode(Heartbeat{ServerID: "a", PlayerCount: 0, Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hb, ok := DecodeAs[Heartbeat](data)
	if !ok || hb.PlayerCount != 0 {
		t.Fatalf("zero player count lost: ok %v got %#v", ok, hb)
	}
}

func TestDeniedAckSerializesGrantedFalse(t *testing.T) {
	player := uuid.New()
	data, err := Encode(LockAck{Player: player, ServerID: "b", Granted: false, CurrentHolder: "a", Timestamp: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ack, ok := DecodeAs[LockAck](data)
	if !ok || ack.Granted || ack.CurrentHolder != "a" {
		t.Fatalf("denied ack round trip: ok %v got %#v", ok, ack)
	}
}

func TestNewServerID(t *testing.T) {
	a, err := NewServerID()
	if err != nil {
		t.Fatalf("NewServerID: %v", err)
	}
	b, err := NewServerID()
	if err != nil {
		t.Fatalf("NewServerID: %v", err)
	}
	if len(a) != 8 || a == b {
		t.Fatalf("expected short unique ids, got %q and %q", a, b)
	}
}

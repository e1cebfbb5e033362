package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// envelope is the wire representation shared by all variants. Optional
// numeric and boolean fields are pointers so that zero values survive the
// round trip for the variants that require them.
type envelope struct {
	Type          Type   `json:"type"`
	Timestamp     int64  `json:"timestamp"`
	PlayerUUID    string `json:"player_uuid,omitempty"`
	ServerID      string `json:"server_id,omitempty"`
	FromServer    string `json:"from_server,omitempty"`
	ToServer      string `json:"to_server,omitempty"`
	Group         string `json:"group,omitempty"`
	Version       *int64 `json:"version,omitempty"`
	PlayerCount   *int   `json:"player_count,omitempty"`
	Granted       *bool  `json:"granted,omitempty"`
	CurrentHolder string `json:"current_holder,omitempty"`
}

// Encode serializes a message for the transport. It does not fail on
// well-formed input; the error is surfaced only for symmetry with the
// underlying JSON encoder.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind(), Timestamp: m.SentAt()}
	switch v := m.(type) {
	case AcquireLock:
		env.PlayerUUID = v.Player.String()
		env.ServerID = v.ServerID
	case ReleaseLock:
		env.PlayerUUID = v.Player.String()
		env.ServerID = v.ServerID
	case TransferLock:
		env.PlayerUUID = v.Player.String()
		env.FromServer = v.FromServer
		env.ToServer = v.ToServer
	case DataUpdate:
		env.PlayerUUID = v.Player.String()
		env.Group = v.Group
		env.Version = &v.Version
		env.ServerID = v.ServerID
	case CacheInvalidate:
		env.PlayerUUID = v.Player.String()
		env.Group = v.Group
	case Heartbeat:
		env.ServerID = v.ServerID
		env.PlayerCount = &v.PlayerCount
	case LockAck:
		env.PlayerUUID = v.Player.String()
		env.ServerID = v.ServerID
		env.Granted = &v.Granted
		env.CurrentHolder = v.CurrentHolder
	case ServerShutdown:
		env.ServerID = v.ServerID
	}
	return json.Marshal(env)
}

// Decode parses a wire message. It returns false for empty input,
// invalid JSON, a missing or unknown type, or malformed identity fields.
// It never panics; a peer speaking a different protocol version must not
// crash the receiver.
func Decode(data []byte) (Message, bool) {
	if len(data) == 0 {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	switch env.Type {
	case TypeAcquireLock:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok || env.ServerID == "" {
			return nil, false
		}
		return AcquireLock{Player: player, ServerID: env.ServerID, Timestamp: env.Timestamp}, true
	case TypeReleaseLock:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok || env.ServerID == "" {
			return nil, false
		}
		return ReleaseLock{Player: player, ServerID: env.ServerID, Timestamp: env.Timestamp}, true
	case TypeTransferLock:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok || env.FromServer == "" || env.ToServer == "" {
			return nil, false
		}
		return TransferLock{Player: player, FromServer: env.FromServer, ToServer: env.ToServer, Timestamp: env.Timestamp}, true
	case TypeDataUpdate:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok || env.Group == "" || env.Version == nil || env.ServerID == "" {
			return nil, false
		}
		return DataUpdate{Player: player, Group: env.Group, Version: *env.Version, ServerID: env.ServerID, Timestamp: env.Timestamp}, true
	case TypeCacheInvalidate:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok {
			return nil, false
		}
		return CacheInvalidate{Player: player, Group: env.Group, Timestamp: env.Timestamp}, true
	case TypeHeartbeat:
		if env.ServerID == "" || env.PlayerCount == nil {
			return nil, false
		}
		return Heartbeat{ServerID: env.ServerID, PlayerCount: *env.PlayerCount, Timestamp: env.Timestamp}, true
	case TypeLockAck:
		player, ok := parsePlayer(env.PlayerUUID)
		if !ok || env.ServerID == "" || env.Granted == nil {
			return nil, false
		}
		return LockAck{Player: player, ServerID: env.ServerID, Granted: *env.Granted, CurrentHolder: env.CurrentHolder, Timestamp: env.Timestamp}, true
	case TypeServerShutdown:
		if env.ServerID == "" {
			return nil, false
		}
		return ServerShutdown{ServerID: env.ServerID, Timestamp: env.Timestamp}, true
	}
	return nil, false
}

// DecodeAs decodes and type-checks in one step.
func DecodeAs[T Message](data []byte) (T, bool) {
	m, ok := Decode(data)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := m.(T)
	if !ok {
		var zero T
		return zero, false
	}
	return v, true
}

// IsValid reports whether data decodes to a known message.
func IsValid(data []byte) bool {
	_, ok := Decode(data)
	return ok
}

func parsePlayer(s string) (uuid.UUID, bool) {
	if s == "" {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

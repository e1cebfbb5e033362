package protocol

import (
	"time"

	"github.com/google/uuid"
	hashiuuid "github.com/hashicorp/go-uuid"
)

// Type discriminates the message variants on the wire.
type Type string

const (
	TypeAcquireLock     Type = "acquire_lock"
	TypeReleaseLock     Type = "release_lock"
	TypeTransferLock    Type = "transfer_lock"
	TypeDataUpdate      Type = "data_update"
	TypeCacheInvalidate Type = "cache_invalidate"
	TypeHeartbeat       Type = "heartbeat"
	TypeLockAck         Type = "lock_ack"
	TypeServerShutdown  Type = "server_shutdown"
)

// Message is the closed union of coordination messages. Every variant
// carries a UTC-millisecond timestamp. Messages are immutable and
// transient; they are never persisted.
type Message interface {
	Kind() Type
	// SentAt returns the sender timestamp in epoch milliseconds.
	SentAt() int64

	sealed()
}

// AcquireLock announces that ServerID wants the exclusive lock for Player.
// A process that believes it holds the lock must answer with a denying
// LockAck; silence within the wait window is an implicit grant.
type AcquireLock struct {
	Player    uuid.UUID
	ServerID  string
	Timestamp int64
}

// ReleaseLock announces that ServerID gave up the lock for Player.
type ReleaseLock struct {
	Player    uuid.UUID
	ServerID  string
	Timestamp int64
}

// TransferLock hands the lock for Player from FromServer to ToServer
// directly, bypassing the acquire handshake.
type TransferLock struct {
	Player     uuid.UUID
	FromServer string
	ToServer   string
	Timestamp  int64
}

// DataUpdate announces a new persisted version for (Player, Group).
// Receivers invalidate their cached snapshot only when Version is newer
// than the last one they saw.
type DataUpdate struct {
	Player    uuid.UUID
	Group     string
	Version   int64
	ServerID  string
	Timestamp int64
}

// CacheInvalidate tells peers to drop the cached snapshot for
// (Player, Group). An empty Group drops the snapshots for every group.
type CacheInvalidate struct {
	Player    uuid.UUID
	Group     string
	Timestamp int64
}

// Heartbeat is the periodic liveness and load announcement.
type Heartbeat struct {
	ServerID    string
	PlayerCount int
	Timestamp   int64
}

// LockAck answers an AcquireLock. ServerID addresses the requester.
// A denial names the current holder.
type LockAck struct {
	Player        uuid.UUID
	ServerID      string
	Granted       bool
	CurrentHolder string
	Timestamp     int64
}

// ServerShutdown announces that ServerID is going away. Receivers mark
// the peer unhealthy and void any locks it held.
type ServerShutdown struct {
	ServerID  string
	Timestamp int64
}

func (AcquireLock) Kind() Type     { return TypeAcquireLock }
func (ReleaseLock) Kind() Type     { return TypeReleaseLock }
func (TransferLock) Kind() Type    { return TypeTransferLock }
func (DataUpdate) Kind() Type      { return TypeDataUpdate }
func (CacheInvalidate) Kind() Type { return TypeCacheInvalidate }
func (Heartbeat) Kind() Type       { return TypeHeartbeat }
func (LockAck) Kind() Type         { return TypeLockAck }
func (ServerShutdown) Kind() Type  { return TypeServerShutdown }

func (m AcquireLock) SentAt() int64     { return m.Timestamp }
func (m ReleaseLock) SentAt() int64     { return m.Timestamp }
func (m TransferLock) SentAt() int64    { return m.Timestamp }
func (m DataUpdate) SentAt() int64      { return m.Timestamp }
func (m CacheInvalidate) SentAt() int64 { return m.Timestamp }
func (m Heartbeat) SentAt() int64       { return m.Timestamp }
func (m LockAck) SentAt() int64         { return m.Timestamp }
func (m ServerShutdown) SentAt() int64  { return m.Timestamp }

func (AcquireLock) sealed()     {}
func (ReleaseLock) sealed()     {}
func (TransferLock) sealed()    {}
func (DataUpdate) sealed()      {}
func (CacheInvalidate) sealed() {}
func (Heartbeat) sealed()       {}
func (LockAck) sealed()         {}
func (ServerShutdown) sealed()  {}

// Now returns the current time in epoch milliseconds, the timestamp unit
// used on the wire.
func Now() int64 { return time.Now().UnixMilli() }

// NewServerID generates a short process-lifetime-stable server identity.
func NewServerID() (string, error) {
	id, err := hashiuuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return id[:8], nil
}

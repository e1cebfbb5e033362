// Package peers tracks the other server processes in the fleet. The
// directory is a process-local view refreshed by heartbeats; health is
// derived at read time, never stored.
package peers

import (
	"sync"
	"time"
)

// Record describes one known server process.
type Record struct {
	ServerID      string
	LastHeartbeat int64 // epoch ms of the newest heartbeat seen
	PlayerCount   int
}

// Directory is the heartbeat-refreshed table of known peers. All methods
// are safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]Record
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{peers: make(map[string]Record)}
}

// OnHeartbeat upserts the record for serverID. Heartbeats are resolved
// last-writer-wins by their own timestamp, not arrival order: a
// heartbeat older than the recorded one is ignored. It reports whether
// the record was updated.
func (d *Directory) OnHeartbeat(serverID string, timestamp int64, playerCount int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.peers[serverID]; ok && timestamp < cur.LastHeartbeat {
		return false
	}
	d.peers[serverID] = Record{ServerID: serverID, LastHeartbeat: timestamp, PlayerCount: playerCount}
	return true
}

// Get returns the record for serverID.
func (d *Directory) Get(serverID string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.peers[serverID]
	return r, ok
}

// IsHealthy reports whether serverID heartbeated within timeout of now.
// The boundary is inclusive: a peer exactly timeout old is still healthy.
func (d *Directory) IsHealthy(serverID string, now time.Time, timeout time.Duration) bool {
	d.mu.RLock()
	r, ok := d.peers[serverID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return now.UnixMilli()-r.LastHeartbeat <= timeout.Milliseconds()
}

// TotalPlayerCount sums the reported player counts of currently-healthy
// peers only.
func (d *Directory) TotalPlayerCount(now time.Time, timeout time.Duration) int {
	nowMs := now.UnixMilli()
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, r := range d.peers {
		if nowMs-r.LastHeartbeat <= timeout.Milliseconds() {
			total += r.PlayerCount
		}
	}
	return total
}

// HealthyCount returns the number of currently-healthy peers.
func (d *Directory) HealthyCount(now time.Time, timeout time.Duration) int {
	nowMs := now.UnixMilli()
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, r := range d.peers {
		if nowMs-r.LastHeartbeat <= timeout.Milliseconds() {
			n++
		}
	}
	return n
}

// Servers returns the IDs of all known peers, healthy or not.
func (d *Directory) Servers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	return out
}

// MarkShutdown removes serverID immediately. A clean shutdown must not
// linger as healthy until its heartbeat ages out.
func (d *Directory) MarkShutdown(serverID string) {
	d.mu.Lock()
	delete(d.peers, serverID)
	d.mu.Unlock()
}

// Purge drops peers silent for longer than ttl and returns their IDs.
// The ttl is coarser than the health timeout: an unhealthy peer stays
// listed (so its locks can be attributed) until it has been silent long
// enough to be forgotten entirely.
func (d *Directory) Purge(now time.Time, ttl time.Duration) []string {
	nowMs := now.UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	var purged []string
	for id, r := range d.peers {
		if nowMs-r.LastHeartbeat > ttl.Milliseconds() {
			delete(d.peers, id)
			purged = append(purged, id)
		}
	}
	return purged
}

package coord

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockState is this process's belief about who owns a player.
type LockState int

const (
	// StateUnlocked means no lock record exists for the player, or a
	// remote holder is recorded without this process holding anything.
	StateUnlocked LockState = iota
	// StateRequesting means an acquire broadcast is in flight and the
	// implicit-grant window has not elapsed.
	StateRequesting
	// StateHeld means this process owns the player.
	StateHeld
)

func (s LockState) String() string {
	switch s {
	case StateRequesting:
		return "requesting"
	case StateHeld:
		return "held"
	default:
		return "unlocked"
	}
}

// acquireSignal resolves an in-flight acquire early, either because a
// holder denied it or because a transfer handed the lock over.
type acquireSignal struct {
	granted bool
	holder  string
}

// subject is the actor owning all lock state for one player. Every
// mutation runs inside the actor goroutine; the mu-guarded fields form
// a read mirror for queries from other goroutines.
type subject struct {
	player uuid.UUID
	inbox  chan func()

	mu         sync.Mutex
	state      LockState
	holder     string
	acquiredAt int64 // epoch ms of the holder's claim
	presumed   bool  // holder inferred from an overheard acquire, unconfirmed
	lastActive time.Time
	retired    bool

	// acquire bookkeeping, touched only by the actor goroutine
	pendingAck   chan acquireSignal
	pendingToken uint64
	reqTimestamp int64
	tokenSeq     uint64
	transferring bool
}

func newSubject(player uuid.UUID) *subject {
	return &subject{
		player:     player,
		inbox:      make(chan func(), 128),
		lastActive: time.Now(),
	}
}

func (s *subject) run(done <-chan struct{}) {
	for {
		select {
		case fn := <-s.inbox:
			fn()
			if s.isRetired() {
				return
			}
		case <-done:
			return
		}
	}
}

// setView updates the read mirror. Actor goroutine only. presumed marks
// a holder inferred from an overheard acquire rather than a denial,
// transfer or own grant; such records never deny locally.
func (s *subject) setView(state LockState, holder string, acquiredAt int64, presumed bool) {
	s.mu.Lock()
	s.state = state
	s.holder = holder
	s.acquiredAt = acquiredAt
	s.presumed = presumed && holder != ""
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *subject) view() (LockState, string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.holder, s.acquiredAt
}

func (s *subject) presumedHolder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presumed
}

func (s *subject) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *subject) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *subject) markRetired() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

func (s *subject) isRetired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// signalPending resolves the in-flight acquire, if any. Actor only.
func (s *subject) signalPending(sig acquireSignal) {
	if s.pendingAck == nil {
		return
	}
	select {
	case s.pendingAck <- sig:
	default:
	}
	s.pendingAck = nil
	s.pendingToken = 0
}

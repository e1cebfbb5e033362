package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// WriteBehind buffers snapshot writes and persists them on demand. The
// coordinator flushes it before handing a player's lock to another
// process, so the receiving side never reads stale data.
type WriteBehind[T any] struct {
	store Store[T]

	mu    sync.Mutex
	dirty map[uuid.UUID]map[string]T
}

// NewWriteBehind returns a write-behind buffer on top of store.
func NewWriteBehind[T any](store Store[T]) *WriteBehind[T] {
	return &WriteBehind[T]{store: store, dirty: make(map[uuid.UUID]map[string]T)}
}

// Put records a pending write for (player, group).
func (w *WriteBehind[T]) Put(player uuid.UUID, group string, value T) {
	w.mu.Lock()
	groups := w.dirty[player]
	if groups == nil {
		groups = make(map[string]T)
		w.dirty[player] = groups
	}
	groups[group] = value
	w.mu.Unlock()
}

// Pending reports whether (player, group) has an unflushed write. An
// empty group asks about any group of the player.
func (w *WriteBehind[T]) Pending(player uuid.UUID, group string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	groups, ok := w.dirty[player]
	if !ok {
		return false
	}
	if group == "" {
		return len(groups) > 0
	}
	_, ok = groups[group]
	return ok
}

// Flush persists the pending writes for (player, group) to the store.
// An empty group flushes every group of the player. Entries stay dirty
// when the store reports an error so a retry can pick them up.
func (w *WriteBehind[T]) Flush(ctx context.Context, player uuid.UUID, group string) error {
	w.mu.Lock()
	groups := w.dirty[player]
	pending := make(map[string]T, len(groups))
	for g, v := range groups {
		if group == "" || g == group {
			pending[g] = v
		}
	}
	w.mu.Unlock()

	for g, v := range pending {
		if err := w.store.Save(ctx, player, g, v); err != nil {
			return err
		}
		w.mu.Lock()
		if cur, ok := w.dirty[player]; ok {
			delete(cur, g)
			if len(cur) == 0 {
				delete(w.dirty, player)
			}
		}
		w.mu.Unlock()
	}
	return nil
}

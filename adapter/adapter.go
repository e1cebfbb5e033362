// Package adapter abstracts the central store holding every player's
// persisted per-group data, together with a write-behind buffer that
// gives the lock transfer its flush-before-handoff semantics.
package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Store abstracts the central storage shared by the whole fleet.
//
// T is the decoded snapshot type for one (player, group) pair.
type Store[T any] interface {
	// Load retrieves the snapshot for the player in the given group.
	// The boolean return indicates whether the snapshot exists.
	Load(ctx context.Context, player uuid.UUID, group string) (T, bool, error)
	// Save persists the snapshot for the player in the given group.
	Save(ctx context.Context, player uuid.UUID, group string, value T) error
	// Delete removes the snapshot.
	Delete(ctx context.Context, player uuid.UUID, group string) error
}

// InMemoryStore is a Store backed by a map, for tests and local setups.
type InMemoryStore[T any] struct {
	mu    sync.RWMutex
	items map[uuid.UUID]map[string]T
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[uuid.UUID]map[string]T)}
}

// Load implements Store.Load.
func (s *InMemoryStore[T]) Load(ctx context.Context, player uuid.UUID, group string) (T, bool, error) {
	s.mu.RLock()
	v, ok := s.items[player][group]
	s.mu.RUnlock()
	if !ok {
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

// Save implements Store.Save.
func (s *InMemoryStore[T]) Save(ctx context.Context, player uuid.UUID, group string, value T) error {
	s.mu.Lock()
	groups := s.items[player]
	if groups == nil {
		groups = make(map[string]T)
		s.items[player] = groups
	}
	groups[group] = value
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore[T]) Delete(ctx context.Context, player uuid.UUID, group string) error {
	s.mu.Lock()
	if groups, ok := s.items[player]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(s.items, player)
		}
	}
	s.mu.Unlock()
	return nil
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
)

// Ristretto is a snapshot cache backed by dgraph-io/ristretto. A side
// index of each player's groups makes InvalidateAll possible, since
// ristretto itself has no keyspace scan.
type Ristretto[T any] struct {
	c *ristretto.Cache

	mu    sync.Mutex
	index map[uuid.UUID]map[string]struct{}
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption) *Ristretto[T] {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 20, // maximum cost of cache (1MB by default).
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		panic(err)
	}
	return &Ristretto[T]{c: rc, index: make(map[uuid.UUID]map[string]struct{})}
}

func snapshotKey(player uuid.UUID, group string) string {
	return player.String() + "|" + group
}

// Get implements Cache.Get.
func (r *Ristretto[T]) Get(ctx context.Context, player uuid.UUID, group string) (T, bool, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	default:
	}
	v, ok := r.c.Get(snapshotKey(player, group))
	if !ok {
		var zero T
		return zero, false, nil
	}
	val, ok := v.(T)
	if !ok {
		var zero T
		return zero, false, nil
	}
	return val, true, nil
}

// Put implements Cache.Put.
func (r *Ristretto[T]) Put(ctx context.Context, player uuid.UUID, group string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.mu.Lock()
	groups := r.index[player]
	if groups == nil {
		groups = make(map[string]struct{})
		r.index[player] = groups
	}
	groups[group] = struct{}{}
	r.mu.Unlock()

	if ttl > 0 {
		r.c.SetWithTTL(snapshotKey(player, group), value, 1, ttl)
	} else {
		r.c.Set(snapshotKey(player, group), value, 1)
	}
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *Ristretto[T]) Invalidate(ctx context.Context, player uuid.UUID, group string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.c.Del(snapshotKey(player, group))
	r.mu.Lock()
	if groups, ok := r.index[player]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(r.index, player)
		}
	}
	r.mu.Unlock()
	return nil
}

// InvalidateAll implements Cache.InvalidateAll.
func (r *Ristretto[T]) InvalidateAll(ctx context.Context, player uuid.UUID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	r.mu.Lock()
	groups := r.index[player]
	delete(r.index, player)
	r.mu.Unlock()
	for group := range groups {
		r.c.Del(snapshotKey(player, group))
	}
	return nil
}

// Close releases the underlying ristretto cache.
func (r *Ristretto[T]) Close() {
	r.c.Close()
}

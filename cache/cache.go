package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Cache defines the snapshot cache operations.
//
// T is the decoded snapshot type for one (player, group) pair.
type Cache[T any] interface {
	// Get retrieves the snapshot for the player in the given group. The
	// boolean indicates whether a snapshot was cached.
	Get(ctx context.Context, player uuid.UUID, group string) (T, bool, error)
	// Put stores the snapshot for the given TTL.
	Put(ctx context.Context, player uuid.UUID, group string, value T, ttl time.Duration) error
	// Invalidate drops the snapshot for the player in the given group.
	Invalidate(ctx context.Context, player uuid.UUID, group string) error
	// InvalidateAll drops the player's snapshots in every group.
	InvalidateAll(ctx context.Context, player uuid.UUID) error
}

type item[T any] struct {
	value     T
	expiresAt time.Time
}

// InMemory is a TTL-bounded in-memory snapshot cache.
type InMemory[T any] struct {
	mu     sync.RWMutex
	items  map[uuid.UUID]map[string]item[T]
	hits   atomic.Uint64
	misses atomic.Uint64

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
}

// InMemoryOption configures an InMemory cache.
type InMemoryOption[T any] func(*InMemory[T])

// WithSweepInterval sets the interval at which expired snapshots are
// removed. A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemory[T]) {
		c.sweepInterval = d
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemory[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_snapshot_hits_total",
			Help: "Total number of snapshot cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_snapshot_misses_total",
			Help: "Total number of snapshot cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupsync_snapshot_evictions_total",
			Help: "Total number of snapshot cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new in-memory snapshot cache. A background
// sweeper removes expired snapshots; the cache stays small in practice
// because it only holds players currently online on this process.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemory[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemory[T]{
		items:         make(map[uuid.UUID]map[string]item[T]),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// Get implements Cache.Get.
func (c *InMemory[T]) Get(ctx context.Context, player uuid.UUID, group string) (T, bool, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	default:
	}
	c.mu.RLock()
	it, ok := c.items[player][group]
	c.mu.RUnlock()
	if !ok || (!it.expiresAt.IsZero() && time.Now().After(it.expiresAt)) {
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		var zero T
		return zero, false, nil
	}
	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	return it.value, true, nil
}

// Put implements Cache.Put.
func (c *InMemory[T]) Put(ctx context.Context, player uuid.UUID, group string, value T, ttl time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	groups := c.items[player]
	if groups == nil {
		groups = make(map[string]item[T])
		c.items[player] = groups
	}
	groups[group] = item[T]{value: value, expiresAt: exp}
	c.mu.Unlock()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemory[T]) Invalidate(ctx context.Context, player uuid.UUID, group string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	if groups, ok := c.items[player]; ok {
		if _, ok := groups[group]; ok {
			delete(groups, group)
			if c.evictionCounter != nil {
				c.evictionCounter.Inc()
			}
		}
		if len(groups) == 0 {
			delete(c.items, player)
		}
	}
	c.mu.Unlock()
	return nil
}

// InvalidateAll implements Cache.InvalidateAll.
func (c *InMemory[T]) InvalidateAll(ctx context.Context, player uuid.UUID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.mu.Lock()
	if groups, ok := c.items[player]; ok {
		if c.evictionCounter != nil {
			for range groups {
				c.evictionCounter.Inc()
			}
		}
		delete(c.items, player)
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemory[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for player, groups := range c.items {
				for group, it := range groups {
					if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
						delete(groups, group)
						if c.evictionCounter != nil {
							c.evictionCounter.Inc()
						}
					}
				}
				if len(groups) == 0 {
					delete(c.items, player)
				}
			}
			c.mu.Unlock()
		case <-c.ctx.Done():
			return
		}
	}
}

// Close terminates the background sweeper and clears the cache.
func (c *InMemory[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[uuid.UUID]map[string]item[T])
	c.mu.Unlock()
}

// Stats reports basic usage metrics.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemory[T]) Metrics() Stats {
	c.mu.RLock()
	size := 0
	for _, groups := range c.items {
		size += len(groups)
	}
	c.mu.RUnlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}

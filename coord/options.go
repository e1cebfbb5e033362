package coord

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ottermc/groupsync/peers"
)

// Defaults for Options when the corresponding With* option is not supplied.
const (
	DefaultChannel           = "groupsync:coord"
	DefaultAcquireWait       = 250 * time.Millisecond
	DefaultMaxHold           = 30 * time.Second
	DefaultHealthTimeout     = 90 * time.Second
	DefaultPurgeAfter        = 5 * time.Minute
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultSweepInterval     = time.Minute
)

// Flusher persists any locally buffered writes for a player before a
// lock handoff. *adapter.WriteBehind satisfies it.
type Flusher interface {
	Flush(ctx context.Context, player uuid.UUID, group string) error
}

// Invalidator drops locally cached snapshots when a remote process
// announces fresher data. Any cache.Cache implementation satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, player uuid.UUID, group string) error
	InvalidateAll(ctx context.Context, player uuid.UUID) error
}

// PlayerCountFunc reports how many players are currently connected to
// this process. It is sampled on every heartbeat tick.
type PlayerCountFunc func() int

// Options tunes coordinator timing and wiring.
type Options struct {
	// Channel is the bus channel all coordination traffic flows over.
	Channel string

	// AcquireWait is how long an acquire broadcast waits for a denial
	// before the lock is implicitly granted.
	AcquireWait time.Duration

	// MaxHold bounds how long a remote holder is trusted after its
	// last observed activity. A record older than MaxHold whose holder
	// is also unhealthy is forcibly cleared.
	MaxHold time.Duration

	// HealthTimeout is the heartbeat silence after which a peer stops
	// counting as healthy.
	HealthTimeout time.Duration

	// PurgeAfter is the heartbeat silence after which a peer record is
	// dropped entirely. It should be coarser than HealthTimeout.
	PurgeAfter time.Duration

	// HeartbeatInterval is how often this process announces itself.
	HeartbeatInterval time.Duration

	// SweepInterval paces the janitor that repairs stale lock records,
	// purges dead peers and trims the dedup window.
	SweepInterval time.Duration

	flusher     Flusher
	invalidator Invalidator
	countFn     PlayerCountFunc
	dir         *peers.Directory
}

// Option mutates Options.
type Option func(*Options)

// WithChannel overrides the bus channel name.
func WithChannel(name string) Option {
	return func(o *Options) {
		if name != "" {
			o.Channel = name
		}
	}
}

// WithAcquireWait overrides the implicit-grant window.
func WithAcquireWait(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.AcquireWait = d
		}
	}
}

// WithMaxHold overrides the stale-holder bound.
func WithMaxHold(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxHold = d
		}
	}
}

// WithHealthTimeout overrides the peer health window.
func WithHealthTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HealthTimeout = d
		}
	}
}

// WithPurgeAfter overrides the peer record retention window.
func WithPurgeAfter(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PurgeAfter = d
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HeartbeatInterval = d
		}
	}
}

// WithSweepInterval overrides the janitor cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SweepInterval = d
		}
	}
}

// WithFlusher installs the write-behind flusher consulted before a
// lock transfer hands data to another process.
func WithFlusher(f Flusher) Option {
	return func(o *Options) { o.flusher = f }
}

// WithInvalidator installs the snapshot cache to drop entries from
// when invalidations or fresher data versions arrive.
func WithInvalidator(inv Invalidator) Option {
	return func(o *Options) { o.invalidator = inv }
}

// WithPlayerCount installs the sampler reported in heartbeats.
func WithPlayerCount(fn PlayerCountFunc) Option {
	return func(o *Options) { o.countFn = fn }
}

// WithDirectory shares an existing peer directory instead of creating
// a private one.
func WithDirectory(d *peers.Directory) Option {
	return func(o *Options) { o.dir = d }
}

func defaultOptions() Options {
	return Options{
		Channel:           DefaultChannel,
		AcquireWait:       DefaultAcquireWait,
		MaxHold:           DefaultMaxHold,
		HealthTimeout:     DefaultHealthTimeout,
		PurgeAfter:        DefaultPurgeAfter,
		HeartbeatInterval: DefaultHeartbeatInterval,
		SweepInterval:     DefaultSweepInterval,
	}
}

package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/ottermc/groupsync/cache"
	gserrors "github.com/ottermc/groupsync/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	redisKeyPrefix        = "groupsync:data:"
)

// RedisStore implements Store using a Redis backend. Keys are
// "groupsync:data:<player>:<group>".
type RedisStore[T any] struct {
	client  *redis.Client
	timeout time.Duration
	codec   cache.Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	codec   cache.Codec
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithCodec sets the codec used to serialize snapshots.
func WithCodec(c cache.Codec) RedisOption {
	return func(o *redisStoreOptions) {
		o.codec = c
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client *redis.Client, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, codec: cache.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, timeout: o.timeout, codec: o.codec}
}

func redisKey(player uuid.UUID, group string) string {
	return redisKeyPrefix + player.String() + ":" + group
}

// Load implements Store.Load.
func (s *RedisStore[T]) Load(ctx context.Context, player uuid.UUID, group string) (T, bool, error) {
	var zero T
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, redisKey(player, group)).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, translateRedisErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Save implements Store.Save.
func (s *RedisStore[T]) Save(ctx context.Context, player uuid.UUID, group string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return translateRedisErr(s.client.Set(cctx, redisKey(player, group), data, 0).Err())
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, player uuid.UUID, group string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return translateRedisErr(s.client.Del(cctx, redisKey(player, group)).Err())
}

func translateRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return gserrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return gserrors.ErrConnectionClosed
	default:
		return err
	}
}

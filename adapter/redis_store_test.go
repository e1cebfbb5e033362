package adapter

import (
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

func newRedisStore[T any](t *testing.T) *RedisStore[T] {
	t.Helper()
	addr := os.Getenv("GROUPSYNC_TEST_REDIS_ADDR")
	var client *redis.Client
	if addr != "" {
		client = redis.NewClient(&redis.Options{Addr: addr})
	} else {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		t.Cleanup(mr.Close)
		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore[T](client)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := newRedisStore[inventory](t)
	ctx := context.Background()
	player := uuid.New()

	if _, ok, err := s.Load(ctx, player, "survival"); err != nil || ok {
		t.Fatalf("expected missing, ok=%v err=%v", ok, err)
	}
	if err := s.Save(ctx, player, "survival", inventory{Items: []string{"sword", "apple"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, ok, err := s.Load(ctx, player, "survival")
	if err != nil || !ok || len(v.Items) != 2 {
		t.Fatalf("load: ok=%v err=%v v=%+v", ok, err, v)
	}
	if err := s.Delete(ctx, player, "survival"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Load(ctx, player, "survival"); ok {
		t.Fatal("snapshot survived delete")
	}
}

func TestRedisStoreGroupsAreIndependent(t *testing.T) {
	s := newRedisStore[inventory](t)
	ctx := context.Background()
	player := uuid.New()

	if err := s.Save(ctx, player, "survival", inventory{Items: []string{"sword"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, player, "creative", inventory{Items: []string{"blocks"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	surv, _, _ := s.Load(ctx, player, "survival")
	crea, _, _ := s.Load(ctx, player, "creative")
	if len(surv.Items) != 1 || surv.Items[0] != "sword" || crea.Items[0] != "blocks" {
		t.Fatalf("groups bled into each other: %+v %+v", surv, crea)
	}
}

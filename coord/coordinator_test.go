package coord

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ottermc/groupsync/cache"
	"github.com/ottermc/groupsync/protocol"
	"github.com/ottermc/groupsync/syncbus"
)

func fastOptions() []Option {
	return []Option{
		WithAcquireWait(60 * time.Millisecond),
		WithMaxHold(150 * time.Millisecond),
		WithHealthTimeout(200 * time.Millisecond),
		WithPurgeAfter(time.Second),
		WithHeartbeatInterval(25 * time.Millisecond),
		WithSweepInterval(50 * time.Millisecond),
	}
}

func newTestCoordinator(t *testing.T, bus syncbus.Bus, serverID string, extra ...Option) *Coordinator {
	t.Helper()
	opts := append(fastOptions(), extra...)
	c, err := New(context.Background(), serverID, bus, opts...)
	if err != nil {
		t.Fatalf("New(%s): %v", serverID, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func publishRaw(t *testing.T, bus syncbus.Bus, m protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := bus.Publish(context.Background(), DefaultChannel, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestTryAcquireUncontested(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	c := newTestCoordinator(t, bus, "srv-a")

	player := uuid.New()
	res, err := c.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant, denied by %q", res.Holder)
	}
	if !c.HoldsLock(player) {
		t.Fatal("HoldsLock should report true after grant")
	}
	if got := c.LockHolder(player); got != "srv-a" {
		t.Fatalf("LockHolder = %q, want srv-a", got)
	}

	// A second acquire while held resolves locally.
	res, err = c.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !res.Granted {
		t.Fatal("re-acquire of an owned lock should be granted")
	}
}

func TestTryAcquireDeniedByHolder(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	if res, err := a.TryAcquire(context.Background(), player); err != nil || !res.Granted {
		t.Fatalf("seed acquire: res=%+v err=%v", res, err)
	}

	res, err := b.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire on b: %v", err)
	}
	if res.Granted {
		t.Fatal("b should have been denied while a holds the lock")
	}
	if res.Holder != "srv-a" {
		t.Fatalf("denial names %q, want srv-a", res.Holder)
	}
	if b.HoldsLock(player) {
		t.Fatal("b must not hold the lock after a denial")
	}
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	type outcome struct {
		res AcquireResult
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, c := range []*Coordinator{a, b} {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			res, err := c.TryAcquire(context.Background(), player)
			results <- outcome{res, err}
		}(c)
	}
	wg.Wait()
	close(results)

	granted := 0
	for out := range results {
		if out.err != nil {
			t.Fatalf("TryAcquire: %v", out.err)
		}
		if out.res.Granted {
			granted++
		} else if out.res.Holder != "srv-a" && out.res.Holder != "srv-b" {
			t.Fatalf("denial names %q, want one of the contenders", out.res.Holder)
		}
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1", granted)
	}
}

func TestSilentHolderVoidedAfterMaxHold(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	// An overheard denial confirms srv-ghost as holder, then it goes
	// silent forever.
	publishRaw(t, bus, protocol.LockAck{
		Player:        player,
		ServerID:      "srv-x",
		Granted:       false,
		CurrentHolder: "srv-ghost",
		Timestamp:     protocol.Now(),
	})
	waitFor(t, time.Second, func() bool { return b.LockHolder(player) == "srv-ghost" })

	// The record is confirmed and still fresh, so the acquire resolves
	// locally.
	res, err := b.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if res.Granted || res.Holder != "srv-ghost" {
		t.Fatalf("fresh record should deny with srv-ghost, got %+v", res)
	}

	// Past MaxHold with no heartbeats the record is voided and the
	// acquire goes through.
	time.Sleep(200 * time.Millisecond)
	res, err = b.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire after silence: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant after holder went silent, denied by %q", res.Holder)
	}
}

func TestOverheardDenialCorrectsPresumedHolder(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	h := newTestCoordinator(t, bus, "srv-h")

	player := uuid.New()
	if res, err := h.TryAcquire(context.Background(), player); err != nil || !res.Granted {
		t.Fatalf("seed acquire: res=%+v err=%v", res, err)
	}

	// Two nodes join after the acquire and never saw it. The first
	// one's denied attempt teaches the bystander who really holds.
	r := newTestCoordinator(t, bus, "srv-r")
	o := newTestCoordinator(t, bus, "srv-o")

	res, err := r.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire on r: %v", err)
	}
	if res.Granted || res.Holder != "srv-h" {
		t.Fatalf("expected denial naming srv-h, got %+v", res)
	}
	waitFor(t, time.Second, func() bool { return o.LockHolder(player) == "srv-h" })

	// Once the real holder releases, the bystander must be able to
	// acquire; a record sourced from the overheard traffic alone may
	// never wedge it behind the denied requester.
	if err := h.Release(context.Background(), player); err != nil {
		t.Fatalf("Release: %v", err)
	}
	waitFor(t, time.Second, func() bool { return o.LockHolder(player) == "" })

	res, err = o.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire on o: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant on a free lock, denied by %q", res.Holder)
	}
}

func TestInvalidateDistinctGroupsSameTimestamp(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	newTestCoordinator(t, bus, "srv-b", WithInvalidator(snapshots))

	ctx := context.Background()
	player := uuid.New()
	for _, group := range []string{"survival", "skyblock"} {
		if err := snapshots.Put(ctx, player, group, "cached", time.Minute); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	// Same millisecond on the wire; both must still be applied.
	ts := protocol.Now()
	publishRaw(t, bus, protocol.CacheInvalidate{Player: player, Group: "survival", Timestamp: ts})
	publishRaw(t, bus, protocol.CacheInvalidate{Player: player, Group: "skyblock", Timestamp: ts})

	waitFor(t, time.Second, func() bool {
		_, okSurvival, _ := snapshots.Get(ctx, player, "survival")
		_, okSkyblock, _ := snapshots.Get(ctx, player, "skyblock")
		return !okSurvival && !okSkyblock
	})
}

func TestIdleSubjectsRetired(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	c := newTestCoordinator(t, bus, "srv-a", WithPurgeAfter(100*time.Millisecond))

	baseline := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		player := uuid.New()
		if res, err := c.TryAcquire(context.Background(), player); err != nil || !res.Granted {
			t.Fatalf("TryAcquire %d: res=%+v err=%v", i, res, err)
		}
		if err := c.Release(context.Background(), player); err != nil {
			t.Fatalf("Release %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool {
		c.mu.Lock()
		n := len(c.subjects)
		c.mu.Unlock()
		return n == 0
	})

	// The retired actors must exit too, not park until Close.
	waitFor(t, 3*time.Second, func() bool {
		return runtime.NumGoroutine() <= baseline+3
	})
}

func TestReleaseClearsRemoteRecord(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	if res, err := a.TryAcquire(context.Background(), player); err != nil || !res.Granted {
		t.Fatalf("seed acquire: res=%+v err=%v", res, err)
	}
	waitFor(t, time.Second, func() bool { return b.LockHolder(player) == "srv-a" })

	if err := a.Release(context.Background(), player); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.HoldsLock(player) {
		t.Fatal("a still holds after Release")
	}
	waitFor(t, time.Second, func() bool { return b.LockHolder(player) == "" })

	// Releasing again is a no-op.
	if err := a.Release(context.Background(), player); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

type recordingFlusher struct {
	mu      sync.Mutex
	flushes []string
}

func (f *recordingFlusher) Flush(ctx context.Context, player uuid.UUID, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, group)
	return nil
}

func (f *recordingFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

func TestTransferHandsLockOver(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	flusher := &recordingFlusher{}
	a := newTestCoordinator(t, bus, "srv-a", WithFlusher(flusher))
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	if res, err := a.TryAcquire(context.Background(), player); err != nil || !res.Granted {
		t.Fatalf("seed acquire: res=%+v err=%v", res, err)
	}

	if err := a.Transfer(context.Background(), player, "srv-b"); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if flusher.count() != 1 {
		t.Fatalf("flushes = %d, want 1 before the handoff", flusher.count())
	}
	if a.HoldsLock(player) {
		t.Fatal("a still holds after transfer")
	}
	if got := a.LockHolder(player); got != "srv-b" {
		t.Fatalf("a's view of the holder = %q, want srv-b", got)
	}
	waitFor(t, time.Second, func() bool { return b.HoldsLock(player) })

	// The recipient now denies third-party acquires.
	cOther := newTestCoordinator(t, bus, "srv-c")
	res, err := cOther.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire on c: %v", err)
	}
	if res.Granted || res.Holder != "srv-b" {
		t.Fatalf("expected denial naming srv-b, got %+v", res)
	}
}

func TestTransferRequiresOwnership(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")

	if err := a.Transfer(context.Background(), uuid.New(), "srv-b"); err != ErrNotHolder {
		t.Fatalf("Transfer without lock: %v, want ErrNotHolder", err)
	}
}

func TestShutdownVoidsHeldLocks(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")
	b := newTestCoordinator(t, bus, "srv-b")

	player := uuid.New()
	if res, err := a.TryAcquire(context.Background(), player); err != nil || !res.Granted {
		t.Fatalf("seed acquire: res=%+v err=%v", res, err)
	}
	waitFor(t, time.Second, func() bool { return b.LockHolder(player) == "srv-a" })

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, time.Second, func() bool { return b.LockHolder(player) == "" })

	res, err := b.TryAcquire(context.Background(), player)
	if err != nil {
		t.Fatalf("TryAcquire after shutdown: %v", err)
	}
	if !res.Granted {
		t.Fatalf("expected grant after holder shut down, denied by %q", res.Holder)
	}
}

func TestBroadcastInvalidateDropsSnapshots(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	a := newTestCoordinator(t, bus, "srv-a", WithInvalidator(snapshots))

	ctx := context.Background()
	player := uuid.New()
	if err := snapshots.Put(ctx, player, "survival", "inv-1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := snapshots.Put(ctx, player, "skyblock", "inv-2", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := a.BroadcastInvalidate(ctx, player, "survival"); err != nil {
		t.Fatalf("BroadcastInvalidate: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := snapshots.Get(ctx, player, "survival")
		return !ok
	})
	if _, ok, _ := snapshots.Get(ctx, player, "skyblock"); !ok {
		t.Fatal("invalidating one group must not touch the other")
	}

	// Empty group wipes everything for the player.
	if err := a.BroadcastInvalidate(ctx, player, ""); err != nil {
		t.Fatalf("BroadcastInvalidate all: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, ok, _ := snapshots.Get(ctx, player, "skyblock")
		return !ok
	})
}

func TestDataUpdateVersionGate(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	b := newTestCoordinator(t, bus, "srv-b", WithInvalidator(snapshots))

	ctx := context.Background()
	player := uuid.New()
	if b.IsLockedLocally(player) {
		t.Fatal("fresh coordinator reports a lock record")
	}
	seed := func() {
		if err := snapshots.Put(ctx, player, "survival", "cached", time.Minute); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	cached := func() bool {
		_, ok, _ := snapshots.Get(ctx, player, "survival")
		return ok
	}

	seed()
	publishRaw(t, bus, protocol.DataUpdate{
		Player:    player,
		Group:     "survival",
		Version:   2,
		ServerID:  "srv-a",
		Timestamp: protocol.Now(),
	})
	waitFor(t, time.Second, func() bool { return !cached() })

	// A replayed older version must not invalidate again.
	seed()
	publishRaw(t, bus, protocol.DataUpdate{
		Player:    player,
		Group:     "survival",
		Version:   1,
		ServerID:  "srv-a",
		Timestamp: protocol.Now(),
	})
	time.Sleep(100 * time.Millisecond)
	if !cached() {
		t.Fatal("stale version invalidated a fresh snapshot")
	}

	// A newer one does.
	publishRaw(t, bus, protocol.DataUpdate{
		Player:    player,
		Group:     "survival",
		Version:   3,
		ServerID:  "srv-a",
		Timestamp: protocol.Now(),
	})
	waitFor(t, time.Second, func() bool { return !cached() })
}

func TestAnnounceDataVersionAdvancesOwnGate(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	a := newTestCoordinator(t, bus, "srv-a", WithInvalidator(snapshots))

	ctx := context.Background()
	player := uuid.New()
	if err := snapshots.Put(ctx, player, "survival", "fresh", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := a.AnnounceDataVersion(ctx, player, "survival", 5); err != nil {
		t.Fatalf("AnnounceDataVersion: %v", err)
	}

	// A peer echoing an older version must not drop the announcer's
	// own fresh snapshot.
	publishRaw(t, bus, protocol.DataUpdate{
		Player:    player,
		Group:     "survival",
		Version:   4,
		ServerID:  "srv-b",
		Timestamp: protocol.Now(),
	})
	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := snapshots.Get(ctx, player, "survival"); !ok {
		t.Fatal("stale peer version dropped the announcer's snapshot")
	}
}

func TestHeartbeatsFeedPlayerCount(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a", WithPlayerCount(func() int { return 3 }))
	b := newTestCoordinator(t, bus, "srv-b", WithPlayerCount(func() int { return 7 }))

	waitFor(t, time.Second, func() bool { return a.TotalNetworkPlayerCount() == 10 })
	waitFor(t, time.Second, func() bool { return b.TotalNetworkPlayerCount() == 10 })

	if _, ok := a.Directory().Get("srv-b"); !ok {
		t.Fatal("a's directory never saw srv-b")
	}
	if _, ok := a.Directory().Get("srv-a"); ok {
		t.Fatal("a's own heartbeats must not land in its directory")
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	newTestCoordinator(t, bus, "srv-b", WithInvalidator(snapshots))

	ctx := context.Background()
	player := uuid.New()
	msg := protocol.DataUpdate{
		Player:    player,
		Group:     "survival",
		Version:   2,
		ServerID:  "srv-a",
		Timestamp: protocol.Now(),
	}
	publishRaw(t, bus, msg)
	time.Sleep(50 * time.Millisecond)

	// Redeliver the exact same message; the version gate aside, the
	// dedup window must swallow it before any handler runs.
	if err := snapshots.Put(ctx, player, "survival", "cached", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	publishRaw(t, bus, msg)
	time.Sleep(100 * time.Millisecond)
	if _, ok, _ := snapshots.Get(ctx, player, "survival"); !ok {
		t.Fatal("duplicate delivery was processed twice")
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	defer bus.Close()
	a := newTestCoordinator(t, bus, "srv-a")

	payloads := [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"unknown_kind","timestamp":1}`),
		[]byte(`{"type":"acquire_lock","timestamp":1}`),
	}
	for _, p := range payloads {
		if err := bus.Publish(context.Background(), DefaultChannel, p); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	// The coordinator is still alive and functional.
	res, err := a.TryAcquire(context.Background(), uuid.New())
	if err != nil || !res.Granted {
		t.Fatalf("coordinator wedged by malformed input: res=%+v err=%v", res, err)
	}
}

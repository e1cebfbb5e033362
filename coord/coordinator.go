package coord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gserrors "github.com/ottermc/groupsync/errors"
	"github.com/ottermc/groupsync/metrics"
	"github.com/ottermc/groupsync/peers"
	"github.com/ottermc/groupsync/protocol"
	"github.com/ottermc/groupsync/syncbus"
)

var tracer = otel.Tracer("github.com/ottermc/groupsync/coord")

var (
	// ErrAcquireInProgress reports a second TryAcquire for a player
	// whose previous attempt has not resolved yet.
	ErrAcquireInProgress = errors.New("coord: acquire already in progress for player")
	// ErrNotHolder reports a Transfer for a player this process does
	// not hold.
	ErrNotHolder = errors.New("coord: lock not held by this process")
	// ErrTransferInProgress reports overlapping Transfer calls for the
	// same player.
	ErrTransferInProgress = errors.New("coord: transfer already in progress for player")
)

// AcquireResult is the outcome of a TryAcquire. A denial is a normal
// outcome, not an error: Holder names the process that owns the player.
type AcquireResult struct {
	Granted bool
	Holder  string
}

type versionKey struct {
	player uuid.UUID
	group  string
}

type seenKey struct {
	kind   protocol.Type
	player uuid.UUID
	server string
	group  string
	sentAt int64
}

// Coordinator owns this process's side of the synchronization protocol:
// the per-player lock actors, the peer directory, the dedup window and
// the heartbeat and janitor loops.
type Coordinator struct {
	serverID string
	bus      syncbus.Bus
	opts     Options
	dir      *peers.Directory
	events   <-chan syncbus.Event

	mu       sync.Mutex
	subjects map[uuid.UUID]*subject
	versions map[versionKey]int64
	seen     map[seenKey]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New starts a coordinator identified by serverID on the given bus.
// It subscribes to the coordination channel and begins heartbeating
// immediately.
func New(ctx context.Context, serverID string, bus syncbus.Bus, options ...Option) (*Coordinator, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(&opts)
	}
	dir := opts.dir
	if dir == nil {
		dir = peers.NewDirectory()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		serverID: serverID,
		bus:      bus,
		opts:     opts,
		dir:      dir,
		subjects: make(map[uuid.UUID]*subject),
		versions: make(map[versionKey]int64),
		seen:     make(map[seenKey]time.Time),
		ctx:      runCtx,
		cancel:   cancel,
	}

	events, err := bus.Subscribe(ctx, opts.Channel)
	if err != nil {
		cancel()
		return nil, err
	}
	c.events = events

	c.wg.Add(3)
	go c.receive(events)
	go c.heartbeatLoop()
	go c.janitorLoop()

	return c, nil
}

// ServerID returns this process's identity on the wire.
func (c *Coordinator) ServerID() string { return c.serverID }

// Directory exposes the peer directory for inspection.
func (c *Coordinator) Directory() *peers.Directory { return c.dir }

// Close broadcasts a shutdown announcement so peers void this process's
// locks immediately, then stops all loops. Safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.send(ctx, protocol.ServerShutdown{
			ServerID:  c.serverID,
			Timestamp: protocol.Now(),
		})
		c.cancel()
		if err := c.bus.Unsubscribe(ctx, c.opts.Channel, c.events); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		c.wg.Wait()
	})
	return c.closeErr
}

func (c *Coordinator) send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.opts.Channel, data)
}

// sendAsync publishes without blocking the caller, used from actor
// closures that must never wait on the bus.
func (c *Coordinator) sendAsync(m protocol.Message) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.send(ctx, m)
	}()
}

// subject returns the actor for player, starting it if needed. The
// access bumps lastActive under c.mu, so the janitor's retire check
// (also under c.mu) can never race a caller about to dispatch.
func (c *Coordinator) subject(player uuid.UUID) *subject {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[player]
	if ok && !s.isRetired() {
		s.touch()
		return s
	}
	s = newSubject(player)
	c.subjects[player] = s
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.run(c.ctx.Done())
	}()
	return s
}

// dispatch hands fn to the subject actor. Reports false when the
// coordinator is shutting down.
func (c *Coordinator) dispatch(s *subject, fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// TryAcquire attempts to take the exclusive lock for player. It first
// consults local belief: a lock already held here is granted at once, a
// fresh record of a healthy remote holder is denied without touching
// the network. Otherwise it broadcasts an acquire and waits out the
// implicit-grant window; any denial that arrives in time loses the
// attempt and names the winner.
func (c *Coordinator) TryAcquire(ctx context.Context, player uuid.UUID) (AcquireResult, error) {
	ctx, span := tracer.Start(ctx, "coord.TryAcquire", trace.WithAttributes(
		attribute.String("player", player.String()),
	))
	defer span.End()
	metrics.AcquireCounter.Inc()

	s := c.subject(player)
	type beginResult struct {
		outcome  AcquireResult
		resolved bool
		err      error
		ackCh    chan acquireSignal
		token    uint64
		sentAt   int64
	}
	resp := make(chan beginResult, 1)
	ok := c.dispatch(s, func() {
		state, holder, acquiredAt := s.view()
		confirmed := holder != "" && !s.presumedHolder()
		switch {
		case state == StateHeld:
			resp <- beginResult{outcome: AcquireResult{Granted: true}, resolved: true}
		case state == StateRequesting:
			resp <- beginResult{err: ErrAcquireInProgress, resolved: true}
		case confirmed && !c.recordStale(holder, acquiredAt):
			resp <- beginResult{outcome: AcquireResult{Holder: holder}, resolved: true}
		default:
			// A presumed holder never denies locally; the broadcast
			// lets the real holder, if any, speak for itself.
			if confirmed {
				// Holder silent past MaxHold and unhealthy: void the
				// record and contend for the lock.
				metrics.ForcedUnlockCounter.Inc()
			}
			s.tokenSeq++
			s.pendingToken = s.tokenSeq
			s.pendingAck = make(chan acquireSignal, 1)
			s.reqTimestamp = protocol.Now()
			s.setView(StateRequesting, "", 0, false)
			resp <- beginResult{ackCh: s.pendingAck, token: s.pendingToken, sentAt: s.reqTimestamp}
		}
	})
	if !ok {
		return AcquireResult{}, gserrors.ErrClosed
	}

	var begin beginResult
	select {
	case begin = <-resp:
	case <-ctx.Done():
		return AcquireResult{}, ctx.Err()
	}
	if begin.resolved {
		if begin.err == nil && !begin.outcome.Granted {
			metrics.DenyCounter.Inc()
			span.SetAttributes(attribute.String("outcome", "denied"))
		}
		return begin.outcome, begin.err
	}

	if err := c.send(ctx, protocol.AcquireLock{
		Player:    player,
		ServerID:  c.serverID,
		Timestamp: begin.sentAt,
	}); err != nil {
		c.abortAcquire(s, begin.token)
		return AcquireResult{}, err
	}

	timer := time.NewTimer(c.opts.AcquireWait)
	defer timer.Stop()
	select {
	case sig := <-begin.ackCh:
		if sig.granted {
			span.SetAttributes(attribute.String("outcome", "granted"))
			return AcquireResult{Granted: true}, nil
		}
		metrics.DenyCounter.Inc()
		span.SetAttributes(attribute.String("outcome", "denied"))
		return AcquireResult{Holder: sig.holder}, nil
	case <-timer.C:
		return c.finishAcquire(ctx, s, begin.token, span)
	case <-ctx.Done():
		c.abortAcquire(s, begin.token)
		return AcquireResult{}, ctx.Err()
	case <-c.ctx.Done():
		return AcquireResult{}, gserrors.ErrClosed
	}
}

// finishAcquire converts an expired wait window into a grant, unless
// the actor resolved the attempt in the meantime.
func (c *Coordinator) finishAcquire(ctx context.Context, s *subject, token uint64, span trace.Span) (AcquireResult, error) {
	resp := make(chan AcquireResult, 1)
	ok := c.dispatch(s, func() {
		if s.pendingToken == token {
			s.pendingAck = nil
			s.pendingToken = 0
			s.setView(StateHeld, c.serverID, protocol.Now(), false)
			resp <- AcquireResult{Granted: true}
			return
		}
		// Resolved while the timer fired: report whatever the actor
		// decided.
		state, holder, _ := s.view()
		if state == StateHeld {
			resp <- AcquireResult{Granted: true}
			return
		}
		resp <- AcquireResult{Holder: holder}
	})
	if !ok {
		return AcquireResult{}, gserrors.ErrClosed
	}
	select {
	case res := <-resp:
		if res.Granted {
			span.SetAttributes(attribute.String("outcome", "granted"))
		} else {
			metrics.DenyCounter.Inc()
			span.SetAttributes(attribute.String("outcome", "denied"))
		}
		return res, nil
	case <-ctx.Done():
		c.abortAcquire(s, token)
		return AcquireResult{}, ctx.Err()
	}
}

func (c *Coordinator) abortAcquire(s *subject, token uint64) {
	c.dispatch(s, func() {
		if s.pendingToken != token {
			return
		}
		s.pendingAck = nil
		s.pendingToken = 0
		s.setView(StateUnlocked, "", 0, false)
	})
}

// Release gives up the lock for player and tells everyone. A release
// for a player this process does not hold is a no-op.
func (c *Coordinator) Release(ctx context.Context, player uuid.UUID) error {
	s := c.subject(player)
	resp := make(chan bool, 1)
	if !c.dispatch(s, func() {
		state, holder, _ := s.view()
		if state == StateHeld && holder == c.serverID {
			s.setView(StateUnlocked, "", 0, false)
			resp <- true
			return
		}
		resp <- false
	}) {
		return gserrors.ErrClosed
	}
	var held bool
	select {
	case held = <-resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !held {
		return nil
	}
	return c.send(ctx, protocol.ReleaseLock{
		Player:    player,
		ServerID:  c.serverID,
		Timestamp: protocol.Now(),
	})
}

// Transfer hands the lock for player to another process, flushing any
// buffered writes first so the receiver loads current data. On flush
// or publish failure the lock stays held here.
func (c *Coordinator) Transfer(ctx context.Context, player uuid.UUID, toServer string) error {
	ctx, span := tracer.Start(ctx, "coord.Transfer", trace.WithAttributes(
		attribute.String("player", player.String()),
		attribute.String("to_server", toServer),
	))
	defer span.End()

	s := c.subject(player)
	resp := make(chan error, 1)
	if !c.dispatch(s, func() {
		state, holder, _ := s.view()
		switch {
		case state != StateHeld || holder != c.serverID:
			resp <- ErrNotHolder
		case s.transferring:
			resp <- ErrTransferInProgress
		default:
			s.transferring = true
			resp <- nil
		}
	}) {
		return gserrors.ErrClosed
	}
	select {
	case err := <-resp:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	finish := func(completed bool) {
		c.dispatch(s, func() {
			s.transferring = false
			if completed {
				s.setView(StateUnlocked, toServer, protocol.Now(), false)
			}
		})
	}

	if c.opts.flusher != nil {
		if err := c.opts.flusher.Flush(ctx, player, ""); err != nil {
			finish(false)
			return err
		}
	}
	if err := c.send(ctx, protocol.TransferLock{
		Player:     player,
		FromServer: c.serverID,
		ToServer:   toServer,
		Timestamp:  protocol.Now(),
	}); err != nil {
		finish(false)
		return err
	}
	finish(true)
	metrics.TransferCounter.Inc()
	return nil
}

// IsLockedLocally reports whether a lock record exists for player,
// regardless of who holds it.
func (c *Coordinator) IsLockedLocally(player uuid.UUID) bool {
	c.mu.Lock()
	s, ok := c.subjects[player]
	c.mu.Unlock()
	if !ok {
		return false
	}
	state, holder, _ := s.view()
	return state == StateHeld || state == StateRequesting || holder != ""
}

// LockHolder returns the server believed to hold player, or "" when no
// record exists.
func (c *Coordinator) LockHolder(player uuid.UUID) string {
	c.mu.Lock()
	s, ok := c.subjects[player]
	c.mu.Unlock()
	if !ok {
		return ""
	}
	_, holder, _ := s.view()
	return holder
}

// HoldsLock reports whether this process owns player.
func (c *Coordinator) HoldsLock(player uuid.UUID) bool {
	return c.LockHolder(player) == c.serverID
}

// BroadcastInvalidate tells every process, this one included, to drop
// the cached snapshot for (player, group). An empty group drops all of
// the player's snapshots.
func (c *Coordinator) BroadcastInvalidate(ctx context.Context, player uuid.UUID, group string) error {
	return c.send(ctx, protocol.CacheInvalidate{
		Player:    player,
		Group:     group,
		Timestamp: protocol.Now(),
	})
}

// AnnounceDataVersion broadcasts that (player, group) was persisted at
// version. The local version gate is advanced first so an echo or a
// stale peer update never re-invalidates fresh data.
func (c *Coordinator) AnnounceDataVersion(ctx context.Context, player uuid.UUID, group string, version int64) error {
	c.mu.Lock()
	key := versionKey{player: player, group: group}
	if version > c.versions[key] {
		c.versions[key] = version
	}
	c.mu.Unlock()
	return c.send(ctx, protocol.DataUpdate{
		Player:    player,
		Group:     group,
		Version:   version,
		ServerID:  c.serverID,
		Timestamp: protocol.Now(),
	})
}

// TotalNetworkPlayerCount sums the player counts of healthy peers plus
// this process's own sampler, when one is installed.
func (c *Coordinator) TotalNetworkPlayerCount() int {
	total := c.dir.TotalPlayerCount(time.Now(), c.opts.HealthTimeout)
	if c.opts.countFn != nil {
		total += c.opts.countFn()
	}
	return total
}

// recordStale reports whether a remote holder record may be voided:
// older than MaxHold with the holder no longer healthy.
func (c *Coordinator) recordStale(holder string, acquiredAt int64) bool {
	if holder == c.serverID {
		return false
	}
	now := time.Now()
	age := now.UnixMilli() - acquiredAt
	if age < c.opts.MaxHold.Milliseconds() {
		return false
	}
	return !c.dir.IsHealthy(holder, now, c.opts.HealthTimeout)
}

func (c *Coordinator) receive(events <-chan syncbus.Event) {
	defer c.wg.Done()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handle(evt.Data)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) handle(data []byte) {
	m, ok := protocol.Decode(data)
	if !ok {
		metrics.MalformedCounter.Inc()
		return
	}
	sender, player := senderOf(m)
	if ack, isAck := m.(protocol.LockAck); isAck {
		// An ack's server_id addresses the requester. Everyone else
		// still overhears it: a denial names the real holder.
		if sender != c.serverID {
			c.onAckObserved(ack)
			return
		}
	} else if sender == c.serverID {
		// Own broadcast looped back, except cache invalidations which
		// carry no sender and apply everywhere.
		if _, isInv := m.(protocol.CacheInvalidate); !isInv {
			return
		}
	}
	if c.duplicate(m.Kind(), player, sender, groupOf(m), m.SentAt()) {
		return
	}

	switch msg := m.(type) {
	case protocol.Heartbeat:
		metrics.HeartbeatCounter.Inc()
		c.dir.OnHeartbeat(msg.ServerID, msg.Timestamp, msg.PlayerCount)
		c.updatePeerGauge()
	case protocol.ServerShutdown:
		c.dir.MarkShutdown(msg.ServerID)
		c.voidLocksOf(msg.ServerID)
		c.updatePeerGauge()
	case protocol.AcquireLock:
		c.onRemoteAcquire(msg)
	case protocol.LockAck:
		c.onAck(msg)
	case protocol.ReleaseLock:
		c.onRemoteRelease(msg)
	case protocol.TransferLock:
		c.onRemoteTransfer(msg)
	case protocol.DataUpdate:
		c.onDataUpdate(msg)
	case protocol.CacheInvalidate:
		c.onInvalidate(msg)
	}
}

// duplicate records and detects redelivered messages. Heartbeats skip
// the window; the directory's last-writer-wins handles them.
func (c *Coordinator) duplicate(kind protocol.Type, player uuid.UUID, server, group string, sentAt int64) bool {
	if kind == protocol.TypeHeartbeat {
		return false
	}
	key := seenKey{kind: kind, player: player, server: server, group: group, sentAt: sentAt}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = time.Now()
	return false
}

func (c *Coordinator) onRemoteAcquire(msg protocol.AcquireLock) {
	s := c.subject(msg.Player)
	c.dispatch(s, func() {
		state, holder, _ := s.view()
		switch state {
		case StateHeld:
			c.sendAsync(protocol.LockAck{
				Player:        msg.Player,
				ServerID:      msg.ServerID,
				Granted:       false,
				CurrentHolder: c.serverID,
				Timestamp:     protocol.Now(),
			})
		case StateRequesting:
			// Two requesters and no holder: the earlier request wins,
			// ties break on server id, so exactly one side ends up
			// held.
			if msg.Timestamp < s.reqTimestamp ||
				(msg.Timestamp == s.reqTimestamp && msg.ServerID < c.serverID) {
				s.signalPending(acquireSignal{holder: msg.ServerID})
				s.setView(StateUnlocked, msg.ServerID, msg.Timestamp, true)
			} else {
				c.sendAsync(protocol.LockAck{
					Player:        msg.Player,
					ServerID:      msg.ServerID,
					Granted:       false,
					CurrentHolder: c.serverID,
					Timestamp:     protocol.Now(),
				})
			}
		default:
			if holder == "" {
				// Presume the requester wins; a real holder elsewhere
				// will deny it, and that overheard denial corrects us.
				s.setView(StateUnlocked, msg.ServerID, msg.Timestamp, true)
			}
		}
	})
}

func (c *Coordinator) onAck(msg protocol.LockAck) {
	s := c.subject(msg.Player)
	c.dispatch(s, func() {
		state, _, _ := s.view()
		if state != StateRequesting {
			return
		}
		if msg.Granted {
			s.signalPending(acquireSignal{granted: true})
			s.setView(StateHeld, c.serverID, protocol.Now(), false)
			return
		}
		s.signalPending(acquireSignal{holder: msg.CurrentHolder})
		s.setView(StateUnlocked, msg.CurrentHolder, protocol.Now(), false)
	})
}

// onAckObserved mines a denial addressed to another requester: the
// CurrentHolder it names is authoritative, so it upgrades or corrects
// any presumed record for the player.
func (c *Coordinator) onAckObserved(msg protocol.LockAck) {
	if msg.Granted || msg.CurrentHolder == "" || msg.CurrentHolder == c.serverID {
		return
	}
	s := c.subject(msg.Player)
	c.dispatch(s, func() {
		state, _, _ := s.view()
		if state != StateUnlocked {
			return
		}
		s.setView(StateUnlocked, msg.CurrentHolder, msg.Timestamp, false)
	})
}

func (c *Coordinator) onRemoteRelease(msg protocol.ReleaseLock) {
	s := c.subject(msg.Player)
	c.dispatch(s, func() {
		state, holder, _ := s.view()
		if state == StateHeld && holder == c.serverID {
			// A release from a server that never held here does not
			// evict a legitimate local hold.
			return
		}
		if holder == msg.ServerID || s.presumedHolder() {
			s.setView(StateUnlocked, "", 0, false)
		}
	})
}

func (c *Coordinator) onRemoteTransfer(msg protocol.TransferLock) {
	s := c.subject(msg.Player)
	c.dispatch(s, func() {
		if msg.ToServer == c.serverID {
			s.signalPending(acquireSignal{granted: true})
			s.setView(StateHeld, c.serverID, protocol.Now(), false)
			return
		}
		s.setView(StateUnlocked, msg.ToServer, msg.Timestamp, false)
	})
}

func (c *Coordinator) onDataUpdate(msg protocol.DataUpdate) {
	key := versionKey{player: msg.Player, group: msg.Group}
	c.mu.Lock()
	last := c.versions[key]
	if msg.Version <= last {
		c.mu.Unlock()
		return
	}
	c.versions[key] = msg.Version
	c.mu.Unlock()

	if c.opts.invalidator != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.opts.invalidator.Invalidate(ctx, msg.Player, msg.Group)
	}
	metrics.InvalidateCounter.Inc()
}

func (c *Coordinator) onInvalidate(msg protocol.CacheInvalidate) {
	if c.opts.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if msg.Group == "" {
		_ = c.opts.invalidator.InvalidateAll(ctx, msg.Player)
	} else {
		_ = c.opts.invalidator.Invalidate(ctx, msg.Player, msg.Group)
	}
	metrics.InvalidateCounter.Inc()
}

// voidLocksOf clears every record naming server as holder, typically
// after its shutdown announcement.
func (c *Coordinator) voidLocksOf(server string) {
	c.mu.Lock()
	subs := make([]*subject, 0, len(c.subjects))
	for _, s := range c.subjects {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s := s
		c.dispatch(s, func() {
			_, holder, _ := s.view()
			if holder == server && holder != c.serverID {
				s.setView(StateUnlocked, "", 0, false)
			}
		})
	}
}

func (c *Coordinator) updatePeerGauge() {
	metrics.HealthyPeersGauge.Set(float64(c.dir.HealthyCount(time.Now(), c.opts.HealthTimeout)))
}

func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	beat := func() {
		count := 0
		if c.opts.countFn != nil {
			count = c.opts.countFn()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.send(ctx, protocol.Heartbeat{
			ServerID:    c.serverID,
			PlayerCount: count,
			Timestamp:   protocol.Now(),
		})
		cancel()
	}

	beat()
	for {
		select {
		case <-ticker.C:
			beat()
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) janitorLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.ctx.Done():
			return
		}
	}
}

// sweep repairs stale remote holders, expires dead peers, trims the
// dedup window and retires idle actors.
func (c *Coordinator) sweep() {
	now := time.Now()
	c.dir.Purge(now, c.opts.PurgeAfter)
	c.updatePeerGauge()

	c.mu.Lock()
	for key, at := range c.seen {
		if now.Sub(at) > c.opts.SweepInterval {
			delete(c.seen, key)
		}
	}
	subs := make(map[uuid.UUID]*subject, len(c.subjects))
	for player, s := range c.subjects {
		subs[player] = s
	}
	c.mu.Unlock()

	for player, s := range subs {
		state, holder, acquiredAt := s.view()
		if holder != "" && holder != c.serverID && c.recordStale(holder, acquiredAt) {
			s := s
			c.dispatch(s, func() {
				_, h, at := s.view()
				if h != "" && h != c.serverID && c.recordStale(h, at) {
					metrics.ForcedUnlockCounter.Inc()
					s.setView(StateUnlocked, "", 0, false)
				}
			})
			continue
		}
		if state == StateUnlocked && holder == "" && now.Sub(s.idleSince()) > c.opts.PurgeAfter {
			c.retire(player, s)
		}
	}
}

// retire asks an idle subject's actor to shut itself down. The final
// idle check runs inside the actor under c.mu, the same lock subject()
// takes to bump lastActive, so a caller about to dispatch either aborts
// the retirement or gets a fresh actor from the map.
func (c *Coordinator) retire(player uuid.UUID, s *subject) {
	c.dispatch(s, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		state, holder, _ := s.view()
		if state != StateUnlocked || holder != "" ||
			time.Since(s.idleSince()) <= c.opts.PurgeAfter {
			return
		}
		s.markRetired()
		if c.subjects[player] == s {
			delete(c.subjects, player)
		}
	})
}

// senderOf extracts the originating (or, for acks, addressed) server
// and the player a message concerns. The zero UUID stands in for
// player-less messages.
func senderOf(m protocol.Message) (string, uuid.UUID) {
	switch msg := m.(type) {
	case protocol.AcquireLock:
		return msg.ServerID, msg.Player
	case protocol.ReleaseLock:
		return msg.ServerID, msg.Player
	case protocol.TransferLock:
		return msg.FromServer, msg.Player
	case protocol.DataUpdate:
		return msg.ServerID, msg.Player
	case protocol.CacheInvalidate:
		return "", msg.Player
	case protocol.Heartbeat:
		return msg.ServerID, uuid.UUID{}
	case protocol.LockAck:
		return msg.ServerID, msg.Player
	case protocol.ServerShutdown:
		return msg.ServerID, uuid.UUID{}
	}
	return "", uuid.UUID{}
}

// groupOf extracts the group a message targets, for the variants that
// carry one. It keeps distinct per-group messages out of each other's
// dedup slot.
func groupOf(m protocol.Message) string {
	switch msg := m.(type) {
	case protocol.DataUpdate:
		return msg.Group
	case protocol.CacheInvalidate:
		return msg.Group
	}
	return ""
}

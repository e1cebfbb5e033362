// Package mesh implements syncbus.Bus over UDP multicast with unicast
// gossip to static seed peers. It targets LAN game fleets where a
// broker would be overkill; delivery is best-effort, which the
// coordination layer already tolerates.
package mesh

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/ottermc/groupsync/syncbus"
)

// Options configures the mesh bus.
type Options struct {
	Port          int
	Interface     string
	Group         string
	Peers         []string      // static seeds for unicast gossip
	AdvertiseAddr string        // address advertised to other peers, e.g. "10.0.0.1:7946"
	Heartbeat     time.Duration // transport-level peer discovery interval (default 5s)
}

// Bus implements a peer-to-peer synchronization bus using UDP multicast
// and unicast gossip.
type Bus struct {
	opts      Options
	nodeID    [16]byte
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu   sync.RWMutex
	subs map[string][]chan syncbus.Event

	peersMu      sync.RWMutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	published atomic.Uint64
	received  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new mesh synchronization bus.
func New(opts Options) (*Bus, error) {
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.1"
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}

	// Allow multiple listeners on the same port for same-host fleets.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1)
			})
			return err
		},
	}

	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)

	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to find interface %s: %w", opts.Interface, err)
		}
	}

	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mesh: failed to join group %s: %w", opts.Group, err)
	}

	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}

	// Enable loopback so multiple nodes on the same host hear each other.
	_ = pconn.SetMulticastLoopback(true)

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:         opts,
		nodeID:       uuid.New(),
		conn:         c,
		pconn:        pconn,
		groupAddr:    addr,
		subs:         make(map[string][]chan syncbus.Event),
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		ctx:          ctx,
		cancel:       cancel,
	}

	go b.listen()
	go b.heartbeatLoop()
	go b.cleanupPeers()

	return b, nil
}

// Publish sends the payload to the multicast group and known unicast
// peers. Coordination messages loop back to local subscribers too, since
// multicast loopback is enabled.
func (b *Bus) Publish(ctx context.Context, channel string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p := packet{
		Magic:   magicByte,
		Type:    typePayload,
		NodeID:  b.nodeID,
		Channel: []byte(channel),
		Payload: data,
	}
	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	return b.broadcast(buf[:n])
}

func (b *Bus) broadcast(payload []byte) error {
	_, err := b.conn.WriteTo(payload, b.groupAddr)
	if err == nil {
		b.published.Add(1)
	}

	b.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(b.resolvedAddr))
	for _, addr := range b.resolvedAddr {
		addrs = append(addrs, addr)
	}
	b.peersMu.RUnlock()

	for _, addr := range addrs {
		_, _ = b.conn.WriteTo(payload, addr)
	}

	for _, peer := range b.opts.Peers {
		b.peersMu.RLock()
		_, known := b.resolvedAddr[peer]
		b.peersMu.RUnlock()
		if known {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", peer)
		if err != nil {
			continue
		}
		_, _ = b.conn.WriteTo(payload, addr)
	}

	return err
}

// Subscribe registers a channel to receive events for a bus channel.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), channel, ch)
	}()
	return ch, nil
}

// Unsubscribe removes a channel from the subscriptions.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[channel]
	if !ok {
		return nil
	}
	for i, c := range subs {
		if c == ch {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			close(c)
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
	return nil
}

func (b *Bus) listen() {
	buf := make([]byte, 2048)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			continue
		}

		var p packet
		if err := p.unmarshal(buf[:n]); err != nil {
			continue
		}
		if p.NodeID == b.nodeID {
			continue
		}
		b.received.Add(1)

		switch p.Type {
		case typeHeartbeat:
			b.peersMu.Lock()
			addrStr := string(p.Payload)
			b.knownPeers[addrStr] = time.Now()
			if _, ok := b.resolvedAddr[addrStr]; !ok {
				if rAddr, err := net.ResolveUDPAddr("udp4", addrStr); err == nil {
					b.resolvedAddr[addrStr] = rAddr
				}
			}
			b.peersMu.Unlock()
		case typePayload:
			b.deliver(string(p.Channel), p.Payload)
		}
	}
}

func (b *Bus) deliver(channel string, payload []byte) {
	b.mu.RLock()
	chans, ok := b.subs[channel]
	if ok {
		evt := syncbus.Event{Channel: channel, Data: payload}
		for _, ch := range chans {
			select {
			case ch <- evt:
			default:
			}
		}
	}
	b.mu.RUnlock()
}

func (b *Bus) heartbeatLoop() {
	interval := b.opts.Heartbeat
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			addr := b.opts.AdvertiseAddr
			if addr == "" {
				addr = b.conn.LocalAddr().String()
			}
			p := packet{
				Magic:   magicByte,
				Type:    typeHeartbeat,
				NodeID:  b.nodeID,
				Payload: []byte(addr),
			}
			buf := bufferPool.Get().([]byte)
			if n, err := p.marshal(buf); err == nil {
				_ = b.broadcast(buf[:n])
			}
			bufferPool.Put(buf)
		}
	}
}

func (b *Bus) cleanupPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.peersMu.Lock()
			now := time.Now()
			for addr, lastSeen := range b.knownPeers {
				if now.Sub(lastSeen) > 60*time.Second {
					delete(b.knownPeers, addr)
					delete(b.resolvedAddr, addr)
				}
			}
			b.peersMu.Unlock()
		}
	}
}

// Peers returns the transport-level peers currently heard from. Lock
// liveness decisions use the coordination-level peer directory, not this
// list.
func (b *Bus) Peers() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	peers := make([]string, 0, len(b.knownPeers))
	for addr := range b.knownPeers {
		peers = append(peers, addr)
	}
	return peers
}

// Metrics returns the published and received counts.
func (b *Bus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.received.Load(),
	}
}

// Close gracefully shuts down the mesh bus.
func (b *Bus) Close() error {
	b.cancel()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

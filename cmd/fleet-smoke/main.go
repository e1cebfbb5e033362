// fleet-smoke runs a single synchronization node for manual fleet
// testing. Start a few instances against the same transport, then poke
// the HTTP endpoints to watch locks, transfers and invalidations move
// across the fleet.
//
//	fleet-smoke -http :8080 -mode mesh -mesh-port 7946
//	fleet-smoke -http :8081 -mode mesh -mesh-port 7946
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ottermc/groupsync/adapter"
	"github.com/ottermc/groupsync/cache"
	"github.com/ottermc/groupsync/coord"
	"github.com/ottermc/groupsync/metrics"
	"github.com/ottermc/groupsync/protocol"
	"github.com/ottermc/groupsync/syncbus"
	meshbus "github.com/ottermc/groupsync/syncbus/mesh"
	natsbus "github.com/ottermc/groupsync/syncbus/nats"
	redisbus "github.com/ottermc/groupsync/syncbus/redis"
	"github.com/ottermc/groupsync/watch"
)

func main() {
	httpAddr := flag.String("http", ":8080", "HTTP listen address")
	serverID := flag.String("server-id", "", "Server identity (generated when empty)")
	mode := flag.String("mode", "mesh", "Transport: mesh, redis or nats")
	meshPort := flag.Int("mesh-port", 7946, "Mesh UDP port")
	peers := flag.String("peers", "", "Comma-separated mesh seed peers (e.g. 127.0.0.1:7947)")
	redisAddr := flag.String("redis-addr", "localhost:6379", "Redis address")
	natsURL := flag.String("nats-url", nats.DefaultURL, "NATS server URL")
	channel := flag.String("channel", coord.DefaultChannel, "Coordination channel")
	flag.Parse()

	id := *serverID
	if id == "" {
		var err error
		id, err = protocol.NewServerID()
		if err != nil {
			log.Fatalf("generate server id: %v", err)
		}
	}

	var (
		bus   syncbus.Bus
		store adapter.Store[string]
		err   error
	)
	switch *mode {
	case "mesh":
		opts := meshbus.Options{
			Port:          *meshPort,
			AdvertiseAddr: fmt.Sprintf("127.0.0.1:%d", *meshPort),
		}
		if *peers != "" {
			opts.Peers = strings.Split(*peers, ",")
		}
		bus, err = meshbus.New(opts)
		if err != nil {
			log.Fatalf("mesh bus: %v", err)
		}
		store = adapter.NewInMemoryStore[string]()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bus = redisbus.New(redisbus.Options{Client: client})
		store = adapter.NewRedisStore[string](client)
	case "nats":
		conn, cerr := nats.Connect(*natsURL)
		if cerr != nil {
			log.Fatalf("nats connect: %v", cerr)
		}
		bus = natsbus.New(conn)
		store = adapter.NewInMemoryStore[string]()
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
	defer bus.Close()

	snapshots := cache.NewInMemory[string]()
	defer snapshots.Close()
	writes := adapter.NewWriteBehind[string](store)

	var playerCount atomic.Int64
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	co, err := coord.New(ctx, id, bus,
		coord.WithChannel(*channel),
		coord.WithFlusher(writes),
		coord.WithInvalidator(snapshots),
		coord.WithPlayerCount(func() int { return int(playerCount.Load()) }),
	)
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}

	registry := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(registry)

	playerParam := func(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
		player, perr := uuid.Parse(r.URL.Query().Get("player"))
		if perr != nil {
			http.Error(w, "missing or invalid player", http.StatusBadRequest)
			return uuid.UUID{}, false
		}
		return player, true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/acquire", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		res, aerr := co.TryAcquire(r.Context(), player)
		if aerr != nil {
			http.Error(w, aerr.Error(), http.StatusInternalServerError)
			return
		}
		if res.Granted {
			fmt.Fprintln(w, "granted")
			return
		}
		fmt.Fprintf(w, "denied by %s\n", res.Holder)
	})
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		if rerr := co.Release(r.Context(), player); rerr != nil {
			http.Error(w, rerr.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "released")
	})
	mux.HandleFunc("/transfer", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		to := r.URL.Query().Get("to")
		if to == "" {
			http.Error(w, "missing to", http.StatusBadRequest)
			return
		}
		if terr := co.Transfer(r.Context(), player, to); terr != nil {
			http.Error(w, terr.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "transferred to %s\n", to)
	})
	mux.HandleFunc("/holder", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		holder := co.LockHolder(player)
		if holder == "" {
			fmt.Fprintln(w, "unlocked")
			return
		}
		fmt.Fprintln(w, holder)
	})
	mux.HandleFunc("/put", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		group := r.URL.Query().Get("group")
		val := r.URL.Query().Get("val")
		if group == "" {
			http.Error(w, "missing group", http.StatusBadRequest)
			return
		}
		writes.Put(player, group, val)
		if cerr := snapshots.Put(r.Context(), player, group, val, time.Hour); cerr != nil {
			http.Error(w, cerr.Error(), http.StatusInternalServerError)
			return
		}
		if ferr := writes.Flush(r.Context(), player, group); ferr != nil {
			http.Error(w, ferr.Error(), http.StatusInternalServerError)
			return
		}
		if aerr := co.AnnounceDataVersion(r.Context(), player, group, protocol.Now()); aerr != nil {
			http.Error(w, aerr.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		group := r.URL.Query().Get("group")
		if val, hit, _ := snapshots.Get(r.Context(), player, group); hit {
			fmt.Fprintln(w, val)
			return
		}
		val, found, gerr := store.Load(r.Context(), player, group)
		if gerr != nil {
			http.Error(w, gerr.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_ = snapshots.Put(r.Context(), player, group, val, time.Hour)
		fmt.Fprintln(w, val)
	})
	mux.HandleFunc("/invalidate", func(w http.ResponseWriter, r *http.Request) {
		player, ok := playerParam(w, r)
		if !ok {
			return
		}
		if ierr := co.BroadcastInvalidate(r.Context(), player, r.URL.Query().Get("group")); ierr != nil {
			http.Error(w, ierr.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintln(w, "OK")
	})
	mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, playerCount.Add(1))
	})
	mux.HandleFunc("/leave", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, playerCount.Add(-1))
	})
	mux.HandleFunc("/count", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, co.TotalNetworkPlayerCount())
	})
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		for _, s := range co.Directory().Servers() {
			rec, _ := co.Directory().Get(s)
			fmt.Fprintf(w, "%s players=%d last=%dms\n",
				rec.ServerID, rec.PlayerCount, protocol.Now()-rec.LastHeartbeat)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/watch/sse", watch.SSEHandler(bus))
	mux.Handle("/watch/ws", watch.WebSocketHandler(bus))

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("node %s listening on %s (mode: %s, channel: %s)", id, *httpAddr, *mode, *channel)
		if serr := srv.ListenAndServe(); serr != http.ErrServerClosed {
			return serr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := co.Close(shutdownCtx); cerr != nil {
			log.Printf("coordinator close: %v", cerr)
		}
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Fatalf("fleet-smoke: %v", err)
	}
}

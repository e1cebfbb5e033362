package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks lock acquire attempts.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_lock_acquires_total",
		Help: "Total number of lock acquire attempts",
	})
	// DenyCounter tracks lock acquires denied by a current holder.
	DenyCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_lock_denials_total",
		Help: "Total number of lock acquires denied by a holder",
	})
	// TransferCounter tracks completed lock transfers.
	TransferCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_lock_transfers_total",
		Help: "Total number of lock transfers",
	})
	// ForcedUnlockCounter tracks stale locks voided by the timeout fallback.
	ForcedUnlockCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_lock_forced_unlocks_total",
		Help: "Total number of stale locks voided after their holder went silent",
	})
	// HeartbeatCounter tracks heartbeats received from peers.
	HeartbeatCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_heartbeats_received_total",
		Help: "Total number of heartbeats received",
	})
	// InvalidateCounter tracks cache invalidations applied from the bus.
	InvalidateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_invalidations_total",
		Help: "Total number of cache invalidations applied",
	})
	// MalformedCounter tracks inbound messages dropped by the codec.
	MalformedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "groupsync_malformed_messages_total",
		Help: "Total number of inbound messages dropped as malformed",
	})
	// HealthyPeersGauge reports the number of currently-healthy peers.
	HealthyPeersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "groupsync_healthy_peers",
		Help: "Current number of healthy peers in the directory",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers groupsync core metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		AcquireCounter,
		DenyCounter,
		TransferCounter,
		ForcedUnlockCounter,
		HeartbeatCounter,
		InvalidateCounter,
		MalformedCounter,
		HealthyPeersGauge,
	)
}

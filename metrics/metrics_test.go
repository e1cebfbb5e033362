package metrics

import "testing"

func TestRegisterCoreMetrics(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreMetrics(reg)

	AcquireCounter.Inc()
	HealthyPeersGauge.Set(3)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("no metric families registered")
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
	}
	for _, name := range []string{"groupsync_lock_acquires_total", "groupsync_healthy_peers"} {
		if !found[name] {
			t.Fatalf("metric %s not registered", name)
		}
	}
}

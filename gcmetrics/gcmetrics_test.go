package gcmetrics

import (
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"pmgc/gccoord"
	"pmgc/target"
)

func TestCollectorReportsGlobalEpoch(t *testing.T) {
	cfg := gccoord.Config{
		PoolPath:     filepath.Join(t.TempDir(), "metrics.pm"),
		PoolCapacity: 8 << 20,
		LayoutTag:    "gcmetrics-test",
		MaxThreads:   4,
		Targets:      []target.Policy{{Name: "widget", ChunkSlots: 4, ValueSize: 8}},
	}
	co, err := gccoord.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer co.Shutdown()

	reg := prometheus.NewRegistry()
	if err := reg.Register(New(co)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var found bool
	for _, fam := range families {
		if fam.GetName() != "pmgc_global_epoch" {
			continue
		}
		found = true
		if len(fam.Metric) != 1 {
			t.Fatalf("expected exactly one pmgc_global_epoch sample, got %d", len(fam.Metric))
		}
		if got := fam.Metric[0].GetGauge().GetValue(); got != 0 {
			t.Fatalf("global epoch = %v, want 0 on a freshly opened pool", got)
		}
	}
	if !found {
		t.Fatalf("pmgc_global_epoch not present in gathered families")
	}
}

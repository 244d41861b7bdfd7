package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordOnIsolatedRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := New(registry)

	collector.DocumentLoaded()
	collector.DocumentLoaded()
	collector.DocumentEvicted()
	collector.RecordSave(SaveWritten, 0.01)
	collector.RecordSave(SaveFailed, 0.02)
	collector.SnapshotCreated(true)

	if got := testutil.ToFloat64(collector.LiveDocuments); got != 1 {
		t.Fatalf("expected one live document, got %v", got)
	}
	if got := testutil.ToFloat64(collector.Evictions); got != 1 {
		t.Fatalf("expected one eviction, got %v", got)
	}
	if got := testutil.ToFloat64(collector.SavesTotal.WithLabelValues(SaveFailed)); got != 1 {
		t.Fatalf("expected one failed save, got %v", got)
	}
	if got := testutil.ToFloat64(collector.SnapshotsCreated.WithLabelValues("auto")); got != 1 {
		t.Fatalf("expected one auto snapshot, got %v", got)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var collector *Metrics
	collector.DocumentLoaded()
	collector.ConnectionOpened()
	collector.RecordSave(SaveWritten, 1)
	collector.RecordHTTPRequest("GET", "/healthz", "200")
}

// Package metrics provides Prometheus metrics for the collaboration service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "collab"

// Save outcomes.
const (
	SaveWritten   = "written"
	SaveUnchanged = "unchanged"
	SaveFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	LiveDocuments     prometheus.Gauge
	Connections       prometheus.Gauge
	UpdatesApplied    prometheus.Counter
	MalformedUpdates  prometheus.Counter
	RateLimitedFrames prometheus.Counter
	SavesTotal        *prometheus.CounterVec
	SaveDuration      prometheus.Histogram
	SnapshotsCreated  *prometheus.CounterVec
	Evictions         prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
}

// New creates and registers all metrics with the registerer. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		LiveDocuments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_documents",
			Help:      "Number of documents held in memory",
		}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of active editor connections",
		}),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_applied_total",
			Help:      "Total number of updates that changed a document",
		}),
		MalformedUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_updates_total",
			Help:      "Total number of inbound frames dropped as malformed",
		}),
		RateLimitedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_frames_total",
			Help:      "Total number of inbound frames dropped by the rate limiter",
		}),
		SavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Total number of document saves by outcome",
		}, []string{"outcome"}),
		SaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of document saves in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_created_total",
			Help:      "Total number of snapshots created",
		}, []string{"kind"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total number of idle documents evicted from memory",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
	}
}

// DocumentLoaded records a document entering memory.
func (m *Metrics) DocumentLoaded() {
	if m == nil {
		return
	}
	m.LiveDocuments.Inc()
}

// DocumentEvicted records a document leaving memory.
func (m *Metrics) DocumentEvicted() {
	if m == nil {
		return
	}
	m.LiveDocuments.Dec()
	m.Evictions.Inc()
}

// ConnectionOpened records an editor connection becoming active.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed records an editor connection closing.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// UpdateApplied records an update that changed a document.
func (m *Metrics) UpdateApplied() {
	if m == nil {
		return
	}
	m.UpdatesApplied.Inc()
}

// MalformedUpdate records a dropped malformed frame.
func (m *Metrics) MalformedUpdate() {
	if m == nil {
		return
	}
	m.MalformedUpdates.Inc()
}

// FrameRateLimited records a frame dropped by the rate limiter.
func (m *Metrics) FrameRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedFrames.Inc()
}

// RecordSave records a save outcome and its duration in seconds.
func (m *Metrics) RecordSave(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SavesTotal.WithLabelValues(outcome).Inc()
	m.SaveDuration.Observe(seconds)
}

// SnapshotCreated records a new snapshot.
func (m *Metrics) SnapshotCreated(autoSave bool) {
	if m == nil {
		return
	}
	kind := "manual"
	if autoSave {
		kind = "auto"
	}
	m.SnapshotsCreated.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}

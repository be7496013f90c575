package monitor

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"execution-core/internal/reconciliation"
)

// Metrics tracks order outcomes, reconciliation passes and broker latency.
// Every sample is also forwarded to the otel meter.
type Metrics struct {
	mu sync.RWMutex

	BrokerLatency *LatencyHistogram

	outcomes      map[string]uint64 // "EXECUTION_TYPE/outcome"
	lastReconcile *reconciliation.Report

	reconcilePasses uint64
	executed        uint64
	failed          uint64
	reconcileErrors uint64
	brokerErrors    uint64

	otelOutcomes  metric.Int64Counter
	otelBroker    metric.Float64Histogram
	otelReconcile metric.Int64Counter
}

// LatencyHistogram tracks latency samples with a sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewMetrics creates a metrics instance on meter; nil uses the global
// otel provider.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = otel.Meter("execution-core")
	}
	m := &Metrics{
		BrokerLatency: NewLatencyHistogram(1000),
		outcomes:      make(map[string]uint64),
	}
	// Instrument errors only leave the otel side as a no-op.
	m.otelOutcomes, _ = meter.Int64Counter("orders_outcome_total",
		metric.WithDescription("Order commands by execution type and outcome"))
	m.otelBroker, _ = meter.Float64Histogram("broker_call_duration",
		metric.WithDescription("Broker round-trip latency"),
		metric.WithUnit("ms"))
	m.otelReconcile, _ = meter.Int64Counter("reconcile_orders_total",
		metric.WithDescription("Order records settled by reconciliation"))
	return m
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordOutcome counts one command result: "sent", a block tag or a
// broker failure tag.
func (m *Metrics) RecordOutcome(executionType, outcome string) {
	m.mu.Lock()
	m.outcomes[executionType+"/"+outcome]++
	m.mu.Unlock()
	m.otelOutcomes.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("execution_type", executionType),
		attribute.String("outcome", outcome),
	))
}

// RecordReconcile stores the latest pass summary.
func (m *Metrics) RecordReconcile(r reconciliation.Report) {
	atomic.AddUint64(&m.reconcilePasses, 1)
	atomic.AddUint64(&m.executed, uint64(r.Executed))
	atomic.AddUint64(&m.failed, uint64(r.Failed))
	atomic.AddUint64(&m.reconcileErrors, uint64(r.Errors))

	m.mu.Lock()
	m.lastReconcile = &r
	m.mu.Unlock()

	ctx := context.Background()
	if r.Executed > 0 {
		m.otelReconcile.Add(ctx, int64(r.Executed), metric.WithAttributes(attribute.String("result", "executed")))
	}
	if r.Failed > 0 {
		m.otelReconcile.Add(ctx, int64(r.Failed), metric.WithAttributes(attribute.String("result", "failed")))
	}
}

// ObserveBrokerCall records one gateway round-trip.
func (m *Metrics) ObserveBrokerCall(op string, d time.Duration, err error) {
	m.BrokerLatency.RecordDuration(d)
	if err != nil {
		atomic.AddUint64(&m.brokerErrors, 1)
	}
	m.otelBroker.Record(context.Background(), float64(d.Nanoseconds())/1e6, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}

// MetricsSnapshot is a point-in-time copy for the ops API.
type MetricsSnapshot struct {
	BrokerLatency   LatencyStats           `json:"broker_latency"`
	Outcomes        map[string]uint64      `json:"outcomes"`
	ReconcilePasses uint64                 `json:"reconcile_passes"`
	Executed        uint64                 `json:"executed"`
	Failed          uint64                 `json:"failed"`
	ReconcileErrors uint64                 `json:"reconcile_errors"`
	BrokerErrors    uint64                 `json:"broker_errors"`
	LastReconcile   *reconciliation.Report `json:"last_reconcile,omitempty"`
	GoroutineCount  int                    `json:"goroutine_count"`
	HeapAlloc       uint64                 `json:"heap_alloc_bytes"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	outcomes := make(map[string]uint64, len(m.outcomes))
	for k, v := range m.outcomes {
		outcomes[k] = v
	}
	var last *reconciliation.Report
	if m.lastReconcile != nil {
		cp := *m.lastReconcile
		last = &cp
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		BrokerLatency:   m.BrokerLatency.Stats(),
		Outcomes:        outcomes,
		ReconcilePasses: atomic.LoadUint64(&m.reconcilePasses),
		Executed:        atomic.LoadUint64(&m.executed),
		Failed:          atomic.LoadUint64(&m.failed),
		ReconcileErrors: atomic.LoadUint64(&m.reconcileErrors),
		BrokerErrors:    atomic.LoadUint64(&m.brokerErrors),
		LastReconcile:   last,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       mem.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

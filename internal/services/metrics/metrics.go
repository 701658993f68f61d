package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks execution counters twice: Prometheus instruments for
// scraping, and plain atomically-guarded numbers plus a bounded history
// ring for the JSON endpoints.
type Metrics struct {
	executionsTotal  prometheus.Counter
	executionErrors  prometheus.Counter
	executionSeconds prometheus.Histogram
	tokensTotal      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	cacheOccupancy   prometheus.Gauge

	mu        sync.RWMutex
	snapshot  Snapshot
	history   []ExecutionRecord
	historyAt int
	historyN  int
}

// Snapshot is the aggregate view served by GET /metrics.
type Snapshot struct {
	Executions     int64     `json:"executions"`
	Errors         int64     `json:"errors"`
	Timeouts       int64     `json:"timeouts"`
	TotalTokens    int64     `json:"total_tokens"`
	ActiveSessions int       `json:"active_sessions"`
	CacheOccupancy int       `json:"cache_occupancy"`
	StartedAt      time.Time `json:"started_at"`
}

// ExecutionRecord is one entry in the recent-execution ring.
type ExecutionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	WorkspaceID string    `json:"workspace_id"`
	SessionID   string    `json:"session_id"`
	DurationMS  int64     `json:"duration_ms"`
	TotalTokens int       `json:"total_tokens"`
	Status      string    `json:"status"`
}

const historySize = 256

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		executionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskbridge_executions_total",
			Help: "Total task executions attempted.",
		}),
		executionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskbridge_execution_errors_total",
			Help: "Executions that ended in an engine error or timeout.",
		}),
		executionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskbridge_execution_duration_seconds",
			Help:    "Wall-clock duration of task executions.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
		}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbridge_tokens_total",
			Help: "Tokens consumed, by direction.",
		}, []string{"direction"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskbridge_active_sessions",
			Help: "Live sessions in the thread cache.",
		}),
		cacheOccupancy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskbridge_cache_occupancy",
			Help: "Thread cache entries as a fraction of capacity.",
		}),
		snapshot: Snapshot{StartedAt: time.Now().UTC()},
		history:  make([]ExecutionRecord, historySize),
	}
}

// RecordExecution accounts one completed (or failed) execution.
func (m *Metrics) RecordExecution(rec ExecutionRecord, inputTokens, outputTokens int) {
	m.executionsTotal.Inc()
	m.executionSeconds.Observe(float64(rec.DurationMS) / 1000.0)
	if rec.Status != "success" {
		m.executionErrors.Inc()
	}
	m.tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues("output").Add(float64(outputTokens))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.Executions++
	if rec.Status != "success" {
		m.snapshot.Errors++
	}
	if rec.Status == "timeout" {
		m.snapshot.Timeouts++
	}
	m.snapshot.TotalTokens += int64(rec.TotalTokens)

	m.history[m.historyAt] = rec
	m.historyAt = (m.historyAt + 1) % historySize
	if m.historyN < historySize {
		m.historyN++
	}
}

// SetCacheStats publishes the thread cache's current size and capacity.
func (m *Metrics) SetCacheStats(live, capacity int) {
	m.activeSessions.Set(float64(live))
	if capacity > 0 {
		m.cacheOccupancy.Set(float64(live) / float64(capacity))
	}

	m.mu.Lock()
	m.snapshot.ActiveSessions = live
	m.snapshot.CacheOccupancy = live
	m.mu.Unlock()
}

// Snapshot returns the current aggregate counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// History returns up to limit recent executions, newest first.
func (m *Metrics) History(limit int) []ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > m.historyN {
		limit = m.historyN
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.historyAt - 1 - i + historySize*2) % historySize
		out = append(out, m.history[idx])
	}
	return out
}

package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskbridge/taskbridge/internal/database"
	"github.com/taskbridge/taskbridge/internal/services/metrics"
	"github.com/taskbridge/taskbridge/internal/services/session"
)

// HealthHandler reports liveness plus the state of every dependency the
// hot path needs: database, mount, cache, counters.
type HealthHandler struct {
	db        *gorm.DB
	cache     *session.Cache
	metrics   *metrics.Metrics
	mountPath string
	startedAt time.Time
	logger    *zap.Logger
}

func NewHealthHandler(db *gorm.DB, cache *session.Cache, m *metrics.Metrics, mountPath string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		cache:     cache,
		metrics:   m,
		mountPath: mountPath,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]interface{}{}
	healthy := true

	dbOK := database.IsHealthy(h.db)
	checks["database"] = map[string]interface{}{"healthy": dbOK}
	if !dbOK {
		healthy = false
	}

	mountOK := h.mountWritable()
	checks["mount"] = map[string]interface{}{
		"path":     h.mountPath,
		"writable": mountOK,
	}
	if !mountOK {
		healthy = false
	}

	var keyCount int64
	if dbOK {
		h.db.Table("api_keys").Where("is_active = ?", true).Count(&keyCount)
	}
	checks["keys"] = map[string]interface{}{"active": keyCount}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	checks["memory"] = map[string]interface{}{
		"alloc_bytes": mem.Alloc,
		"sys_bytes":   mem.Sys,
		"goroutines":  runtime.NumGoroutine(),
	}

	checks["cache"] = map[string]interface{}{
		"live_sessions": h.cache.Len(),
	}
	checks["metrics"] = h.metrics.Snapshot()

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"uptime_s":  int64(time.Since(h.startedAt).Seconds()),
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// mountWritable proves the mount is usable by touching a probe file.
func (h *HealthHandler) mountWritable() bool {
	probe := filepath.Join(h.mountPath, ".health-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		h.logger.Warn("mount probe failed", zap.Error(err))
		return false
	}
	os.Remove(probe)
	return true
}

// Metrics handles GET /metrics — the aggregate counters as JSON. The
// Prometheus exposition lives at /metrics/prometheus.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	h.metrics.SetCacheStats(h.cache.Len(), 0)
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

// MetricsHistory handles GET /metrics/history?limit=N.
func (h *HealthHandler) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history := h.metrics.History(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": history,
		"total":      len(history),
	})
}

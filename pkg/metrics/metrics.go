package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capture metrics
	RecordsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_records_captured_total",
		Help: "Records built by the capture facades, by table",
	}, []string{"table"})

	RecordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_records_dropped_total",
		Help: "Records dropped before persistence, by reason",
	}, []string{"reason"})

	RecorderPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localanalytics_recorder_pending",
		Help: "Records waiting in the recorder batch",
	})

	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localanalytics_flush_duration_seconds",
		Help:    "Sink write duration per flushed batch",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"sink"})

	// Store metrics
	StoreWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_store_writes_total",
		Help: "Records written to the local store, by table",
	}, []string{"table"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_store_errors_total",
		Help: "Local store failures, by kind",
	}, []string{"kind"})

	StoreEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_store_evictions_total",
		Help: "Records evicted by the retention cap, by table",
	}, []string{"table"})

	StoreRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "localanalytics_store_records",
		Help: "Records currently retained, by table",
	}, []string{"table"})

	// Error log metrics
	ErrorLogCompactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_errorlog_compactions_total",
		Help: "Error log compactions, by service",
	}, []string{"service"})

	// HTTP metrics
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localanalytics_ingest_requests_total",
		Help: "Ingest requests, by endpoint and status code",
	}, []string{"endpoint", "code"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	for _, table := range []string{"analytics_events", "error_reports", "session_recordings", "page_analytics"} {
		RecordsCaptured.WithLabelValues(table)
		StoreWrites.WithLabelValues(table)
		StoreEvictions.WithLabelValues(table)
	}
	RecordsDropped.WithLabelValues("queue_full")
	RecordsDropped.WithLabelValues("write_failure")
	StoreErrors.WithLabelValues("write")
	StoreErrors.WithLabelValues("read")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// Handler returns the mux served by MetricsServer.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)
	return mux
}

// MetricsServer serves /metrics and /healthz on addr until ctx is cancelled,
// then shuts down gracefully.
func MetricsServer(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Package metrics exposes Prometheus metrics for sql2arc runs.
//
// Metrics are registered on the default registry through promauto and can
// be scraped from the endpoint started by Serve while a run is in progress.
//
// # Basic Usage
//
//	metrics.Outcomes.WithLabelValues("failure", "upload", "http_status").Inc()
//
//	timer := metrics.NewTimer("convert")
//	artifact, err := convert(group)
//	metrics.ConversionDuration.WithLabelValues("success").Observe(timer.Stop().Seconds())
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// GroupsFetched counts record groups read from the source
	GroupsFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sql2arc_groups_fetched_total",
			Help: "Total number of record groups read from the source",
		},
	)

	// ChunksFetched counts source chunks
	ChunksFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sql2arc_chunks_fetched_total",
			Help: "Total number of chunks read from the source",
		},
	)

	// Outcomes counts terminal outcomes.
	// Labels: status (success/failure), kind (conversion/upload), reason
	//
	// Example:
	//	metrics.Outcomes.WithLabelValues("success", "", "").Inc()
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sql2arc_outcomes_total",
			Help: "Total number of record groups that reached a terminal state",
		},
		[]string{"status", "kind", "reason"},
	)

	// GateInFlight tracks record groups holding an admission slot
	GateInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sql2arc_gate_in_flight",
			Help: "Record groups between admission and terminal state",
		},
	)

	// WorkersBusy tracks workers currently running a conversion
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sql2arc_workers_busy",
			Help: "Workers currently running a conversion",
		},
	)

	// ConversionsAbandoned counts conversions that finished after their
	// submitter stopped waiting
	ConversionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sql2arc_conversions_abandoned_total",
			Help: "Conversions whose result was discarded after a timeout",
		},
	)

	// ConversionDuration tracks conversion time in seconds.
	// Labels: result (success/failure)
	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sql2arc_conversion_duration_seconds",
			Help:    "Time spent converting one record group",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms .. ~11min
		},
		[]string{"result"},
	)

	// UploadDuration tracks upload time in seconds.
	// Labels: sink, result (success/failure)
	UploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sql2arc_upload_duration_seconds",
			Help:    "Time spent uploading one artifact",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink", "result"},
	)

	// ArtifactSize tracks serialized artifact sizes in bytes
	ArtifactSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sql2arc_artifact_size_bytes",
			Help:    "Size of serialized ARC artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256MiB
		},
	)

	// ProcessRSS tracks the resident set size sampled during a run
	ProcessRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sql2arc_process_rss_bytes",
			Help: "Resident set size of the sql2arc process",
		},
	)

	// Throughput tracks completed record groups per second
	Throughput = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sql2arc_throughput_groups_per_second",
			Help: "Completed record groups per second over the last interval",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It can be called
// more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks completions per second over time windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
}

// NewThroughputTracker creates a tracker starting now
func NewThroughputTracker() *ThroughputTracker {
	return &ThroughputTracker{lastReset: time.Now()}
}

// Increment adds n to the count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns the throughput since the last reset, publishes it
// to the Throughput gauge and starts a new window.
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	Throughput.Set(throughput)
	return throughput
}

// Serve exposes /metrics on addr until ctx is done. An empty addr is a no-op.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

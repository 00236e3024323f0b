package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Download results.
const (
	ResultOK        = "ok"
	ResultRetry     = "retry"
	ResultExhausted = "exhausted"
	ResultBounds    = "bounds"
)

// Metrics groups the collectors of one engine instance on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	downloads         *prometheus.CounterVec
	attemptDuration   prometheus.Histogram
	bytesDownloaded   prometheus.Counter
	bytesDecompressed prometheus.Counter
	inflight          prometheus.Gauge
	writerTasks       *prometheus.CounterVec
	bytesWritten      prometheus.Counter
	slotsInUse        prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vaultfetch_chunk_downloads_total", Help: "Chunk download attempts by result"},
			[]string{"result"},
		),
		attemptDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vaultfetch_chunk_download_duration_seconds",
			Help:    "Time spent per chunk download attempt",
			Buckets: prometheus.DefBuckets,
		}),
		bytesDownloaded:   prometheus.NewCounter(prometheus.CounterOpts{Name: "vaultfetch_downloaded_bytes_total", Help: "Bytes received from the CDN"}),
		bytesDecompressed: prometheus.NewCounter(prometheus.CounterOpts{Name: "vaultfetch_decompressed_bytes_total", Help: "Chunk payload bytes placed in shared memory"}),
		inflight:          prometheus.NewGauge(prometheus.GaugeOpts{Name: "vaultfetch_downloads_inflight", Help: "In-flight chunk requests"}),
		writerTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "vaultfetch_writer_tasks_total", Help: "Writer tasks by operation and result"},
			[]string{"op", "result"},
		),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{Name: "vaultfetch_written_bytes_total", Help: "Bytes appended to destination files"}),
		slotsInUse:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "vaultfetch_shm_slots_in_use", Help: "Shared memory slots holding a chunk"}),
	}
	m.registry.MustRegister(
		m.downloads, m.attemptDuration, m.bytesDownloaded, m.bytesDecompressed,
		m.inflight, m.writerTasks, m.bytesWritten, m.slotsInUse,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// DownloadAttempt records one attempt. Sizes are only counted for ResultOK.
func (m *Metrics) DownloadAttempt(result string, d time.Duration, downloaded, decompressed int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
	m.attemptDuration.Observe(d.Seconds())
	if result == ResultOK {
		m.bytesDownloaded.Add(float64(downloaded))
		m.bytesDecompressed.Add(float64(decompressed))
	}
}

// Inflight adjusts the in-flight request gauge.
func (m *Metrics) Inflight(delta int) {
	if m == nil {
		return
	}
	m.inflight.Add(float64(delta))
}

// WriterTask records one writer task outcome.
func (m *Metrics) WriterTask(op string, ok bool, written int64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.writerTasks.WithLabelValues(op, result).Inc()
	if ok && written > 0 {
		m.bytesWritten.Add(float64(written))
	}
}

// SlotsInUse sets the number of occupied shared memory slots.
func (m *Metrics) SlotsInUse(n int) {
	if m == nil {
		return
	}
	m.slotsInUse.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if logger != nil {
		logger.Info("serving metrics", "addr", addr)
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

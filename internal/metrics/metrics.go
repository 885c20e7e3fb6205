// Registers:
//
//	#depthflow_writer_items_total
//	#depthflow_writer_flushes_total
//	#depthflow_writer_files_finalized_total
//	#depthflow_writer_bytes_total
//	#depthflow_normalizer_lines_total{outcome}
//	#depthflow_normalizer_gaps_total
//	#depthflow_normalizer_files_total{result}
//	#go_* and process_* system metrics
//
// Serve exposes them on the configured address under /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Line outcomes of the normalizer.
const (
	OutcomeKept           = "kept"
	OutcomeBadJSON        = "bad_json"
	OutcomeSkippedSchema  = "skipped_schema"
	OutcomeNormalizeError = "normalize_error"
)

// File results of the batch driver.
const (
	ResultProcessed = "processed"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

var (
	once     sync.Once
	registry = prometheus.NewRegistry()

	writerItems = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_writer_items_total",
		Help: "Lines accepted by rotating writers",
	})
	writerFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_writer_flushes_total",
		Help: "Buffer flushes to temp files",
	})
	writerFinalized = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_writer_files_finalized_total",
		Help: "Bucket files atomically renamed to their final name",
	})
	writerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_writer_bytes_total",
		Help: "Bytes accepted by rotating writers",
	})
	normalizerLines = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthflow_normalizer_lines_total",
		Help: "Raw lines by normalization outcome",
	}, []string{"outcome"})
	normalizerGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "depthflow_normalizer_gaps_total",
		Help: "Update-id continuity gaps detected",
	})
	normalizerFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "depthflow_normalizer_files_total",
		Help: "Raw files by batch result",
	}, []string{"result"})
)

// Init registers all collectors. It is safe to call more than once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			writerItems,
			writerFlushes,
			writerFinalized,
			writerBytes,
			normalizerLines,
			normalizerGaps,
			normalizerFiles,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Registry exposes the registry for tests and custom handlers.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// Serve runs the /metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func AddWriterItem(size int) {
	writerItems.Inc()
	writerBytes.Add(float64(size))
}

func IncWriterFlush() { writerFlushes.Inc() }

func IncWriterFinalized() { writerFinalized.Inc() }

func AddNormalizerLines(outcome string, n int64) {
	if n > 0 {
		normalizerLines.WithLabelValues(outcome).Add(float64(n))
	}
}

func AddNormalizerGaps(n int64) {
	if n > 0 {
		normalizerGaps.Add(float64(n))
	}
}

func IncNormalizerFile(result string) {
	normalizerFiles.WithLabelValues(result).Inc()
}

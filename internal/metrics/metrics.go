// Package metrics exposes QOP counters, gauges and histograms in Prometheus
// exposition format, following functions/internal/prometrics's use of
// promauto and promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AdmittedTotal counts queries that were handed a pipeline.
	AdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qop_admitted_total",
		Help: "Total queries admitted into a pipeline.",
	})

	// CompletedTotal counts pipelines that finished, whether their terminal
	// progress was 100 or a negative error code.
	CompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qop_completed_total",
		Help: "Total pipelines that finished, successfully or with an error.",
	})

	// ErrorsTotal counts terminal negative-progress outcomes, by errno code
	// and table name (table is "__UNKNOWN__" when the failure preceded
	// HGETALL, per the original proxy's telemetry behavior).
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qop_errors_total",
		Help: "Total terminal error outcomes, by errno code and table.",
	}, []string{"code", "table"})

	// ActivePipelines is the current number of in-flight pipelines.
	ActivePipelines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qop_active_pipelines",
		Help: "Number of pipelines currently admitted and running.",
	})

	// EndpointLoad is the sum of worker connection load per endpoint.
	EndpointLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qop_endpoint_load",
		Help: "Sum of worker connection load per KV endpoint.",
	}, []string{"endpoint"})

	// ChunkMergeDuration observes per-chunk merge time.
	ChunkMergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qop_chunk_merge_duration_seconds",
		Help:    "Time spent merging one chunk's partial into the accumulator.",
		Buckets: prometheus.DefBuckets,
	})

	// FinalMergeDuration observes the Chunk Merger's QueryFinalMerge call.
	FinalMergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qop_final_merge_duration_seconds",
		Help:    "Time spent in the final cross-chunk merge.",
		Buckets: prometheus.DefBuckets,
	})

	// EnqueueDelay observes query_starttm - enqueue_time at admission.
	EnqueueDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qop_enqueue_delay_seconds",
		Help:    "Delay between a query's enqueue_time and its admission.",
		Buckets: prometheus.DefBuckets,
	})

	// RowsPublished observes the terminal row count per completed query.
	RowsPublished = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qop_rows_published",
		Help:    "Row count of the terminal RESULT for a completed query.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
)

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

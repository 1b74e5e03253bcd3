package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	global *Metrics
	once   sync.Once
)

// Metrics holds the Prometheus collectors for the whole process.
type Metrics struct {
	GitHubRequests     *prometheus.CounterVec
	RateLimitRemaining prometheus.Gauge

	IndexTotal    *prometheus.CounterVec
	IndexDuration prometheus.Histogram

	EmbedDuration prometheus.Histogram
	EmbedErrors   prometheus.Counter

	SearchDuration prometheus.Histogram
	SearchResults  prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
}

// Get returns the process-wide collectors, registering them on first use
// with the default registry.
//
// Metrics:
//   - reporadar_github_requests_total{op,outcome}
//   - reporadar_github_rate_limit_remaining
//   - reporadar_index_total{status}
//   - reporadar_index_duration_seconds
//   - reporadar_embed_duration_seconds
//   - reporadar_embed_errors_total
//   - reporadar_search_duration_seconds
//   - reporadar_search_results
//   - reporadar_http_requests_total{route,code}
func Get() *Metrics {
	once.Do(func() {
		global = &Metrics{
			GitHubRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reporadar_github_requests_total",
					Help: "GitHub API calls by operation and outcome",
				},
				[]string{"op", "outcome"},
			),
			RateLimitRemaining: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "reporadar_github_rate_limit_remaining",
				Help: "Remaining GitHub quota as last reported upstream",
			}),
			IndexTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reporadar_index_total",
					Help: "Index requests by resulting status",
				},
				[]string{"status"},
			),
			IndexDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "reporadar_index_duration_seconds",
				Help:    "Wall time of full indexing runs",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			}),
			EmbedDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "reporadar_embed_duration_seconds",
				Help:    "Latency of embedding batches",
				Buckets: prometheus.DefBuckets,
			}),
			EmbedErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "reporadar_embed_errors_total",
				Help: "Failed embedding batches",
			}),
			SearchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "reporadar_search_duration_seconds",
				Help:    "Latency of merge-rerank searches",
				Buckets: prometheus.DefBuckets,
			}),
			SearchResults: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "reporadar_search_results",
				Help:    "Number of results returned per search",
				Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
			}),
			HTTPRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "reporadar_http_requests_total",
					Help: "API requests by route and status code",
				},
				[]string{"route", "code"},
			),
		}
	})
	return global
}

// ObserveSince records the elapsed time since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus collectors for the crawl pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	robotsChecksTotal          *prometheus.CounterVec
	politenessWaitSeconds      prometheus.Histogram
	documentsTotal             *prometheus.CounterVec
	linksDiscovered            prometheus.Histogram
	publishedTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_jobs_total",
				Help: "Crawl jobs handled, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_fetch_attempts_total",
				Help: "Individual fetch attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbcrawler_fetch_duration_seconds",
				Help:    "Wall time of a fetch including retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		robotsChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_robots_checks_total",
				Help: "Robots.txt decisions, labeled by result.",
			},
			[]string{"result"},
		)

		politenessWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbcrawler_politeness_wait_seconds",
				Help:    "Time spent waiting for a per-origin fetch slot.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		documentsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_documents_total",
				Help: "Document upserts, labeled by result.",
			},
			[]string{"result"},
		)

		linksDiscovered = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kbcrawler_links_discovered",
				Help:    "Candidate child links found per page before the fan-out cap.",
				Buckets: []float64{0, 1, 5, 10, 20, 40, 80, 160, 320},
			},
		)

		publishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_published_total",
				Help: "Queue messages published, labeled by topic and result.",
			},
			[]string{"topic", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kbcrawler_http_requests_total",
				Help: "Total number of API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kbcrawler_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveJob counts a finished crawl job.
func ObserveJob(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetchAttempt counts one HTTP attempt ("ok", "retry", "fail").
func ObserveFetchAttempt(result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveFetchDuration records a complete fetch.
func ObserveFetchDuration(d time.Duration) {
	Init()
	fetchDurationSeconds.Observe(d.Seconds())
}

// ObserveRobots counts a robots decision ("allowed", "blocked", "fail_open").
func ObserveRobots(result string) {
	Init()
	robotsChecksTotal.WithLabelValues(result).Inc()
}

// ObservePolitenessWait records how long a caller waited for a slot.
func ObservePolitenessWait(d time.Duration) {
	Init()
	politenessWaitSeconds.Observe(d.Seconds())
}

// ObserveDocument counts an upsert result.
func ObserveDocument(result string) {
	Init()
	documentsTotal.WithLabelValues(result).Inc()
}

// ObserveLinks records the number of candidate links on a page.
func ObserveLinks(n int) {
	Init()
	linksDiscovered.Observe(float64(n))
}

// ObservePublish counts a publish call.
func ObservePublish(topic string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	publishedTotal.WithLabelValues(topic, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

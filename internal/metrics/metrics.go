// Package metrics provides Prometheus instrumentation for Kestrel.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// AssessmentsTotal counts risk assessments by level.
	AssessmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_total",
			Help:      "Total transaction risk assessments by risk level.",
		},
		[]string{"level"},
	)

	// ScoringDuration observes time spent in the scorer, rules included.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scoring_duration_seconds",
		Help:      "Time to score one transaction in seconds.",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025},
	})

	// AMLAnalysesTotal counts monthly AML analyses by category.
	AMLAnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aml_analyses_total",
			Help:      "Total AML window analyses by category.",
		},
		[]string{"category"},
	)

	// ActivityReportsTotal counts suspicious-activity reports by type.
	ActivityReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_reports_total",
			Help:      "Total suspicious-activity reports by activity type.",
		},
		[]string{"activity"},
	)

	// AlertsTotal counts alerts raised by activity type.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total alerts raised by activity type.",
		},
		[]string{"activity"},
	)

	// AlertSinkFailuresTotal counts alerts the sink failed to accept.
	AlertSinkFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alert_sink_failures_total",
		Help:      "Total alerts that could not be delivered to the sink.",
	})

	// IntegrityChecksTotal counts record verifications by result.
	IntegrityChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Total record integrity checks by result.",
		},
		[]string{"result"},
	)

	// WorkerMessagesTotal counts bus messages handled by the worker.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Total bus messages processed by the worker by result.",
		},
		[]string{"result"},
	)

	// RulesLoaded tracks the number of compiled custom rules.
	RulesLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_loaded",
		Help:      "Number of custom scoring rules currently loaded.",
	})

	// StreamClients tracks connected alert stream clients.
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stream_clients",
		Help:      "Number of WebSocket clients connected to the alert stream.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssessmentsTotal,
		ScoringDuration,
		AMLAnalysesTotal,
		ActivityReportsTotal,
		AlertsTotal,
		AlertSinkFailuresTotal,
		IntegrityChecksTotal,
		WorkerMessagesTotal,
		RulesLoaded,
		StreamClients,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one finished request. Status codes are bucketed to
// keep label cardinality bounded.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

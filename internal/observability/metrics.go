package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Bot run metrics
	RunsStarted   prometheus.Counter
	RunsCompleted prometheus.Counter
	RunsFailed    *prometheus.CounterVec

	// Page interaction metrics
	PagesScanned    prometheus.Counter
	WaitPagePolls   prometheus.Counter
	AnswersApplied  prometheus.Counter
	StuckPageEvents prometheus.Counter

	// Completion gateway metrics
	CompletionRequests *prometheus.CounterVec
	PromptRetries      *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance with all Prometheus metrics registered
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "surveybot"
	}

	return &Metrics{
		RunsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of bot runs started",
		}),
		RunsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of bot runs completed",
		}),
		RunsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_failed_total",
			Help:      "Total number of bot runs that failed, by phase",
		}, []string{"reason"}),
		PagesScanned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_scanned_total",
			Help:      "Total number of pages scanned",
		}),
		WaitPagePolls: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_page_polls_total",
			Help:      "Total number of wait page poll attempts",
		}),
		AnswersApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_applied_total",
			Help:      "Total number of answers written into form fields",
		}),
		StuckPageEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_page_events_total",
			Help:      "Total number of unchanged page re-scans",
		}),
		CompletionRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_requests_total",
			Help:      "Total number of completion requests, by provider and status",
		}, []string{"provider", "status"}),
		PromptRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_retries_total",
			Help:      "Total number of corrective prompt resubmissions, by error code",
		}, []string{"code"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics server on the given address.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}

package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs admitted, by kind and outcome (created|duplicate)",
		},
		[]string{"kind", "outcome"},
	)
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_state_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"kind", "from", "to"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently executing",
		},
		[]string{"kind"},
	)
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_task_duration_seconds",
			Help:    "Wall-clock task execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"kind", "status"},
	)

	PublishConfirmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_publish_confirm_seconds",
			Help:    "Time from publish to broker confirm in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"kind"},
	)
	PublishRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_retries_total",
			Help: "Total number of publish attempts retried after nack or error",
		},
		[]string{"kind"},
	)
	TaskRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_retries_scheduled_total",
			Help: "Total number of task retries scheduled, by kind and failure class",
		},
		[]string{"kind", "class"},
	)
	DLQDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_deliveries_total",
			Help: "Total number of tasks routed to a dead-letter queue",
		},
		[]string{"kind", "class"},
	)
	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Current dead-letter queue depth by kind",
		},
		[]string{"kind"},
	)
	DLQReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replays_total",
			Help: "Total number of DLQ messages replayed by an operator",
		},
		[]string{"kind"},
	)

	ProgressUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_updates_total",
			Help: "Progress updates by kind and disposition (persisted|throttled|stale)",
		},
		[]string{"kind", "disposition"},
	)
	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cancellations_total",
			Help: "Cancellation requests by stage observed (pending|queued|running|terminal)",
		},
		[]string{"stage"},
	)
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting, by bucket scope (owner|global)",
		},
		[]string{"scope"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobTransitionsTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(PublishConfirmDuration)
	prometheus.MustRegister(PublishRetriesTotal)
	prometheus.MustRegister(TaskRetriesTotal)
	prometheus.MustRegister(DLQDeliveriesTotal)
	prometheus.MustRegister(DLQDepth)
	prometheus.MustRegister(DLQReplaysTotal)
	prometheus.MustRegister(ProgressUpdatesTotal)
	prometheus.MustRegister(CancellationsTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func StartProcessingJob(kind string) {
	JobsProcessing.WithLabelValues(kind).Inc()
}

func FinishProcessingJob(kind, status string, dur time.Duration) {
	JobsProcessing.WithLabelValues(kind).Dec()
	TaskDuration.WithLabelValues(kind, status).Observe(dur.Seconds())
}

func RecordTransition(kind, from, to string) {
	JobTransitionsTotal.WithLabelValues(kind, from, to).Inc()
}

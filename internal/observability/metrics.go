package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runctl",
			Subsystem: "reconcile",
			Name:      "actions_total",
			Help:      "Reconcile decisions by resource kind, action and outcome.",
		},
		[]string{"resource", "action", "outcome"},
	)
	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "runctl",
			Subsystem: "controlplane",
			Name:      "call_duration_seconds",
			Help:      "Control plane call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"resource", "op", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, reconcileActions, remoteCallDuration)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordReconcile counts one reconcile decision for a resource kind
// (service, domain, binding).
func RecordReconcile(resource, action, outcome string) {
	RegisterMetrics()
	reconcileActions.WithLabelValues(resource, action, outcome).Inc()
}

func RecordRemoteCall(resource, op string, duration time.Duration, success bool) {
	RegisterMetrics()
	remoteCallDuration.WithLabelValues(resource, op, strconv.FormatBool(success)).
		Observe(duration.Seconds())
}

package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for request outcome.
const (
	statusOK           = "ok"
	statusHandlerError = "handler_error"
	statusRejected     = "rejected"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapguest_requests_total",
			Help: "Total number of requests answered by the guest agent.",
		},
		[]string{"status"},
	)

	handlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapguest_handler_duration_seconds",
			Help:    "Workload handler execution time per request, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(handlerDuration)

	for _, status := range []string{statusOK, statusHandlerError, statusRejected} {
		requestsTotal.WithLabelValues(status)
	}
}

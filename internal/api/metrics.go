package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/snapguest/internal/model"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapguest_http_requests_total",
			Help: "Status server requests by route, status code and agent state.",
		},
		[]string{"path", "status", "state"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapguest_http_request_duration_seconds",
			Help:    "Status server request latency in seconds.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// instrument records each status request, labeled by chi route pattern and
// the agent state at the time it was answered.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(path, strconv.Itoa(status), s.source.State()).Inc()
		httpRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

// routePattern returns the matched route, or "unmatched" for 404s.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

// agentCollector reads the agent's lifecycle at scrape time.
type agentCollector struct {
	source   StatusSource
	state    *prometheus.Desc
	terminal *prometheus.Desc
	served   *prometheus.Desc
}

func newAgentCollector(source StatusSource) *agentCollector {
	return &agentCollector{
		source: source,
		state: prometheus.NewDesc("snapguest_agent_state",
			"Current lifecycle state; the series with value 1 names it.", []string{"state"}, nil),
		terminal: prometheus.NewDesc("snapguest_agent_terminal",
			"1 once the agent has closed or failed.", nil, nil),
		served: prometheus.NewDesc("snapguest_agent_served_total",
			"Responses written to the host channel.", nil, nil),
	}
}

func (c *agentCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.terminal
	ch <- c.served
}

func (c *agentCollector) Collect(ch chan<- prometheus.Metric) {
	state := c.source.State()
	terminal := 0.0
	if model.Terminal(state) {
		terminal = 1
	}
	ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, 1, state)
	ch <- prometheus.MustNewConstMetric(c.terminal, prometheus.GaugeValue, terminal)
	ch <- prometheus.MustNewConstMetric(c.served, prometheus.CounterValue, float64(c.source.Served()))
}

// metricsHandler serves the process-wide registry, which carries the
// dispatcher's request metrics, together with this server's agent
// collector.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newAgentCollector(s.source))
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}

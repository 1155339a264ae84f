// Package metrics exposes Prometheus collectors for the review service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarylink_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "summarylink_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "summarylink_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Explanation service metrics
	explainRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarylink_explain_requests_total",
			Help: "Explanation requests by outcome",
		},
		[]string{"outcome"},
	)

	explainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "summarylink_explain_duration_seconds",
			Help:    "Explanation request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	streamChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "summarylink_stream_chunks_total",
			Help: "Summary text chunks received from the stream",
		},
	)

	streams = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarylink_streams_total",
			Help: "Summary streams by outcome",
		},
		[]string{"outcome"},
	)

	// Evidence engine metrics
	groupCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarylink_group_cache_lookups_total",
			Help: "Grouped evidence cache lookups",
		},
		[]string{"result"},
	)

	messageRenders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "summarylink_message_renders_total",
			Help: "Message views rebuilt or reused",
		},
		[]string{"result"},
	)

	websocketDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "summarylink_websocket_dropped_events_total",
			Help: "Events dropped because a client buffer was full",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency by route template.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := strconv.Itoa(c.Response().Status)
			httpRequestsTotal.WithLabelValues(c.Request().Method, route, status).Inc()
			httpRequestDuration.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Recorder reports conversation activity to the collectors.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (*Recorder) ExplainFinished(outcome string, d time.Duration) {
	explainRequests.WithLabelValues(outcome).Inc()
	explainDuration.Observe(d.Seconds())
}

func (*Recorder) StreamChunk() {
	streamChunks.Inc()
}

func (*Recorder) StreamFinished(outcome string) {
	streams.WithLabelValues(outcome).Inc()
}

func (*Recorder) CacheLookup(hit bool) {
	if hit {
		groupCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	groupCacheLookups.WithLabelValues("miss").Inc()
}

func (*Recorder) Render(rebuilt bool) {
	if rebuilt {
		messageRenders.WithLabelValues("rebuilt").Inc()
		return
	}
	messageRenders.WithLabelValues("reused").Inc()
}

// WebSocketDropped counts one event dropped for a slow client.
func WebSocketDropped() {
	websocketDropped.Inc()
}

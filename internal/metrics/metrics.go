package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_ws_connections_active",
			Help: "Currently open websocket connections",
		},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_sent_total",
			Help: "Chat messages processed by outcome",
		},
		[]string{"outcome"},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_rate_limit_rejections_total",
			Help: "Messages rejected by the per-connection rate limiter",
		},
	)

	notificationsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notifications_dispatched_total",
			Help: "Notification delivery attempts by priority and outcome",
		},
		[]string{"priority", "outcome"},
	)

	channelSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_sends_total",
			Help: "Per-channel notification sends by outcome",
		},
		[]string{"channel", "outcome"},
	)

	notificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_notification_queue_depth",
			Help: "Notifications currently waiting in the dispatch queue",
		},
	)
)

// ConnectionOpened increments the active websocket connection gauge.
func ConnectionOpened() { wsConnectionsActive.Inc() }

// ConnectionClosed decrements the active websocket connection gauge.
func ConnectionClosed() { wsConnectionsActive.Dec() }

// MessageSent records a processed chat message with its outcome
// ("delivered", "stored", "rejected").
func MessageSent(outcome string) { messagesSent.WithLabelValues(outcome).Inc() }

// RateLimited records a rate-limited message.
func RateLimited() { rateLimitRejections.Inc() }

// NotificationDispatched records a dispatch attempt outcome
// ("delivered", "retried", "dropped").
func NotificationDispatched(priority, outcome string) {
	notificationsDispatched.WithLabelValues(priority, outcome).Inc()
}

// ChannelSend records a single channel invocation ("ok" or "error").
func ChannelSend(channel, outcome string) {
	channelSends.WithLabelValues(channel, outcome).Inc()
}

// QueueDepth sets the current dispatch queue depth.
func QueueDepth(n int) { notificationQueueDepth.Set(float64(n)) }

// Middleware records request counts and latency for every HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

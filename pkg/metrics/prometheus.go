package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling relay
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration *prometheus.HistogramVec

	// Media token metrics
	mediaTokensIssued *prometheus.CounterVec

	// Push notification metrics
	pushNotificationsTotal  *prometheus.CounterVec
	pushNotificationsFailed *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: constLabels,
			},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "signaling_connections",
				Help:        "Number of live signaling websocket connections",
				ConstLabels: constLabels,
			},
		),
		websocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_messages_total",
				Help:        "Total signaling messages relayed, by event name",
				ConstLabels: constLabels,
			},
			[]string{"event", "direction"},
		),
		websocketErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_errors_total",
				Help:        "Total signaling errors",
				ConstLabels: constLabels,
			},
			[]string{"kind"},
		),
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total calls seen by the relay, by type and result",
				ConstLabels: constLabels,
			},
			[]string{"call_type", "result"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of calls currently ringing or connected",
				ConstLabels: constLabels,
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: constLabels,
				Buckets:     []float64{5, 15, 30, 60, 180, 600, 1800, 3600},
			},
			[]string{"call_type"},
		),
		mediaTokensIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "media_tokens_issued_total",
				Help:        "Media-channel join tokens issued",
				ConstLabels: constLabels,
			},
			[]string{"status"},
		),
		pushNotificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_total",
				Help:        "Incoming-call push notifications attempted",
				ConstLabels: constLabels,
			},
			[]string{"provider"},
		),
		pushNotificationsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "push_notifications_failed_total",
				Help:        "Incoming-call push notifications that failed",
				ConstLabels: constLabels,
			},
			[]string{"provider"},
		),
	}
}

// RecordHTTPRequest records an HTTP request with duration
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// HTTPInFlight returns the in-flight gauge for middleware use
func (m *Metrics) HTTPInFlight() prometheus.Gauge {
	return m.httpRequestsInFlight
}

// ConnectionOpened increments the live connection gauge
func (m *Metrics) ConnectionOpened() {
	m.websocketConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge
func (m *Metrics) ConnectionClosed() {
	m.websocketConnections.Dec()
}

// RecordSignalingMessage counts a relayed signaling message
func (m *Metrics) RecordSignalingMessage(event, direction string) {
	m.websocketMessagesTotal.WithLabelValues(event, direction).Inc()
}

// RecordSignalingError counts a signaling error
func (m *Metrics) RecordSignalingError(kind string) {
	m.websocketErrorsTotal.WithLabelValues(kind).Inc()
}

// CallStarted marks a call as ringing/connected
func (m *Metrics) CallStarted() {
	m.callsActive.Inc()
}

// CallEnded records a finished call
func (m *Metrics) CallEnded(callType, result string, duration time.Duration) {
	m.callsActive.Dec()
	m.callsTotal.WithLabelValues(callType, result).Inc()
	if duration > 0 {
		m.callsDuration.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

// RecordMediaToken counts a token issuance attempt
func (m *Metrics) RecordMediaToken(status string) {
	m.mediaTokensIssued.WithLabelValues(status).Inc()
}

// RecordPush counts a push notification attempt
func (m *Metrics) RecordPush(provider string, failed bool) {
	m.pushNotificationsTotal.WithLabelValues(provider).Inc()
	if failed {
		m.pushNotificationsFailed.WithLabelValues(provider).Inc()
	}
}

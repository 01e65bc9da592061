// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing helpers shared by the EventSub client, the Helix client and the
// status server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the client's meters.
// All methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	HelixDuration      *prometheus.HistogramVec
	MessagesTotal      *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	DuplicatesTotal    prometheus.Counter
	ReconnectsTotal    *prometheus.CounterVec
	RevocationsTotal   *prometheus.CounterVec
	CallbackPanics     prometheus.Counter
	WebhookRejected    *prometheus.CounterVec
	Subscriptions      prometheus.Gauge
}

// NewMetrics creates a custom Prometheus registry with the EventSub meters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	helixDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventsub_helix_request_duration_seconds",
		Help:    "Duration of Helix API requests in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	messages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsub_messages_total",
		Help: "Inbound EventSub messages by transport and message type.",
	}, []string{"transport", "message_type"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsub_notifications_total",
		Help: "Notifications delivered to callbacks by subscription type.",
	}, []string{"subscription_type"})

	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventsub_duplicate_messages_total",
		Help: "Messages dropped because their id was already seen.",
	})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsub_reconnects_total",
		Help: "Websocket reconnects by trigger.",
	}, []string{"reason"})

	revocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsub_revocations_total",
		Help: "Subscriptions revoked by the server or after a failed replay.",
	}, []string{"status"})

	panics := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventsub_callback_panics_total",
		Help: "Callbacks that panicked.",
	})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventsub_webhook_rejected_total",
		Help: "Webhook requests rejected before dispatch.",
	}, []string{"reason"})

	subs := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventsub_subscriptions",
		Help: "Subscriptions currently tracked by the registry.",
	})

	reg.MustRegister(helixDuration, messages, notifications, duplicates,
		reconnects, revocations, panics, rejected, subs)

	return &Metrics{
		Registry:           reg,
		HelixDuration:      helixDuration,
		MessagesTotal:      messages,
		NotificationsTotal: notifications,
		DuplicatesTotal:    duplicates,
		ReconnectsTotal:    reconnects,
		RevocationsTotal:   revocations,
		CallbackPanics:     panics,
		WebhookRejected:    rejected,
		Subscriptions:      subs,
	}
}

// ObserveHelix records the duration of one Helix request.
func (m *Metrics) ObserveHelix(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HelixDuration.WithLabelValues(operation, status).Observe(d.Seconds())
}

// Message counts one inbound message.
func (m *Metrics) Message(transport, messageType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(transport, messageType).Inc()
}

// Notification counts one notification handed to a callback.
func (m *Metrics) Notification(subscriptionType string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(subscriptionType).Inc()
}

// Duplicate counts one dropped duplicate message.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

// Reconnect counts one reconnect attempt cycle.
func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(reason).Inc()
}

// Revocation counts one revoked subscription.
func (m *Metrics) Revocation(status string) {
	if m == nil {
		return
	}
	m.RevocationsTotal.WithLabelValues(status).Inc()
}

// Panic counts one recovered callback panic.
func (m *Metrics) Panic() {
	if m == nil {
		return
	}
	m.CallbackPanics.Inc()
}

// Rejected counts one rejected webhook request.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.WebhookRejected.WithLabelValues(reason).Inc()
}

// SetSubscriptions sets the tracked subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

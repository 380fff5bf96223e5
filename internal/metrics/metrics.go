// Package metrics defines the daemon's Prometheus collectors and the HTTP
// surface that exposes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "notifyd"

// Authentication outcomes recorded by AuthOutcome.
const (
	AuthAccepted         = "accepted"
	AuthNoCookie         = "no_cookie"
	AuthBadUserAgent     = "bad_user_agent"
	AuthUnknownSession   = "unknown_session"
	AuthAgentMismatch    = "agent_mismatch"
	AuthStaleSession     = "stale_session"
	AuthNoRecipient      = "no_recipient"
	AuthStoreError       = "store_error"
	AuthTransportUnknown = "transport_unknown"
)

// Delivery results recorded by Delivery.
const (
	DeliveryPrimary  = "primary"
	DeliveryFallback = "fallback"
	DeliveryFailed   = "failed"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections       prometheus.Gauge
	matched           prometheus.Gauge
	authOutcomes      *prometheus.CounterVec
	eventsRaised      prometheus.Counter
	rowsSkipped       prometheus.Counter
	deliveries        *prometheus.CounterVec
	pollDuration      prometheus.Histogram
	pollErrors        *prometheus.CounterVec
	cursor            prometheus.Gauge
	sessionsCollected prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of tracked client connections",
		}),
		matched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "matched_connections",
			Help:      "Number of connections matched to a recipient",
		}),
		authOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_total",
			Help:      "Stream requests by authentication outcome",
		}, []string{"outcome"}),
		eventsRaised: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_raised_total",
			Help:      "Notification events raised by the polling loop",
		}),
		rowsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_skipped_total",
			Help:      "History rows passed over for lack of identifying tags",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per browser instance delivery attempts by result",
		}, []string{"result"}),
		pollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one polling iteration",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		pollErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage errors by operation",
		}, []string{"op"}),
		cursor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor",
			Help:      "Highest notification history id processed",
		}),
		sessionsCollected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_collected_total",
			Help:      "Stale session rows deleted by housekeeping",
		}),
	}
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) SetMatched(n int) {
	if m == nil {
		return
	}
	m.matched.Set(float64(n))
}

func (m *Metrics) AuthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EventRaised() {
	if m == nil {
		return
	}
	m.eventsRaised.Inc()
}

func (m *Metrics) RowSkipped() {
	if m == nil {
		return
	}
	m.rowsSkipped.Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollDuration.Observe(d.Seconds())
}

func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetCursor(id int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(id))
}

func (m *Metrics) SessionsCollected(n int64) {
	if m == nil {
		return
	}
	m.sessionsCollected.Add(float64(n))
}

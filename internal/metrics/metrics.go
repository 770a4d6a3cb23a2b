// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dlr"

// Delivery kinds.
const (
	KindLive    = "live"
	KindReplay  = "replay"
	KindControl = "control"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of open subscriber connections.",
	})
	eventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Location events accepted into the event log.",
	})
	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_rejected_total",
		Help:      "Location events rejected before storage.",
	}, []string{"reason"})
	eventsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "events_stored",
		Help:      "Events currently held in the event log.",
	})
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_total",
		Help:      "Messages queued for subscriber connections.",
	}, []string{"kind"})
	deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deliveries_dropped_total",
		Help:      "Messages dropped because a connection outbox was full.",
	})
	subscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriptions_total",
		Help:      "Subscribe requests by result.",
	}, []string{"result"})
	faults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "faults_total",
		Help:      "Internal faults recovered at a request boundary.",
	})
)

// Recorder feeds the collectors. The zero value is ready to use; every
// Recorder writes to the same process-wide collectors.
type Recorder struct{}

// ConnectionsChanged sets the active connection gauge.
func (Recorder) ConnectionsChanged(active int) {
	connectionsActive.Set(float64(active))
}

// MessageDropped counts a message dropped on a full outbox.
func (Recorder) MessageDropped() {
	deliveriesDropped.Inc()
}

// EventIngested counts an accepted event and records the log size.
func (Recorder) EventIngested(stored int) {
	eventsIngested.Inc()
	eventsStored.Set(float64(stored))
}

// EventRejected counts an event rejected for reason.
func (Recorder) EventRejected(reason string) {
	eventsRejected.WithLabelValues(reason).Inc()
}

// StoreSize records the log size.
func (Recorder) StoreSize(stored int) {
	eventsStored.Set(float64(stored))
}

// Delivered counts n queued messages of the given kind.
func (Recorder) Delivered(kind string, n int) {
	if n <= 0 {
		return
	}
	deliveries.WithLabelValues(kind).Add(float64(n))
}

// Subscribed counts a subscribe request by result ("ok" or "error").
func (Recorder) Subscribed(result string) {
	subscriptions.WithLabelValues(result).Inc()
}

// Fault counts a recovered internal fault.
func (Recorder) Fault() {
	faults.Inc()
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus collectors for the sync engine and the
// relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dmsync/models"
)

const namespace = "dmsync"

// pushStates lists every presence state so the gauge always reports all of
// them, with exactly one set to 1.
var pushStates = []string{"idle", "connecting", "open", "closing", "closed", "closed_unexpected"}

// Engine implements the session observer with Prometheus collectors.
type Engine struct {
	faults     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	sends      *prometheus.CounterVec
	pushState  *prometheus.GaugeVec
}

// NewEngine registers engine collectors with reg.
func NewEngine(reg prometheus.Registerer) (*Engine, error) {
	e := &Engine{
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dropped_events_total",
			Help:      "Inbound events dropped by validation, isolation or signature checks.",
		}, []string{"kind", "channel"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "duplicate_events_total",
			Help:      "Inbound events already seen on another channel.",
		}, []string{"channel"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "send_outcomes_total",
			Help:      "Outbound send attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		pushState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "push_state",
			Help:      "Current push connection state.",
		}, []string{"state"}),
	}
	for _, collector := range []prometheus.Collector{e.faults, e.duplicates, e.sends, e.pushState} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	e.PushState("idle")
	return e, nil
}

func (e *Engine) Fault(kind string, channel models.Channel) {
	e.faults.WithLabelValues(kind, string(channel)).Inc()
}

func (e *Engine) Duplicate(channel models.Channel) {
	e.duplicates.WithLabelValues(string(channel)).Inc()
}

func (e *Engine) SendOutcome(channel models.Channel, outcome string) {
	e.sends.WithLabelValues(string(channel), outcome).Inc()
}

func (e *Engine) PushState(state string) {
	for _, candidate := range pushStates {
		value := 0.0
		if candidate == state {
			value = 1
		}
		e.pushState.WithLabelValues(candidate).Set(value)
	}
}

// Relay holds the relay's collectors.
type Relay struct {
	Connections  prometheus.Gauge
	Accepted     prometheus.Counter
	Rejected     *prometheus.CounterVec
	Polls        prometheus.Counter
	ReadsMarked  prometheus.Counter
	FeedFailures prometheus.Counter
}

// NewRelay registers relay collectors with reg.
func NewRelay(reg prometheus.Registerer) (*Relay, error) {
	r := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "push_connections",
			Help:      "Active push connections.",
		}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_accepted_total",
			Help:      "Messages committed by the relay.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "messages_rejected_total",
			Help:      "Sends refused by the relay.",
		}, []string{"reason"}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "polls_total",
			Help:      "Poll requests served.",
		}),
		ReadsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "reads_marked_total",
			Help:      "Messages flipped to read.",
		}),
		FeedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "change_feed_failures_total",
			Help:      "Change feed publishes that failed.",
		}),
	}
	for _, collector := range []prometheus.Collector{r.Connections, r.Accepted, r.Rejected, r.Polls, r.ReadsMarked, r.FeedFailures} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Handler returns an http.Handler for Prometheus scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

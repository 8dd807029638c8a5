package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	CommandLatency  *prometheus.HistogramVec
	BidsAccepted    *prometheus.CounterVec
	BidsRejected    *prometheus.CounterVec
	AutoBidsPlaced  prometheus.Counter
	Extensions      prometheus.Counter
	Transitions     *prometheus.CounterVec
	Invariants      prometheus.Counter
	EventsDelivered *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	MailboxDepth    prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auction_command_duration_seconds",
			Help:    "Time spent executing an engine command inside its auction's exclusive section",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),

		BidsAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_accepted_total",
			Help: "Bids admitted, by auction type and source",
		}, []string{"auction_type", "source"}),

		BidsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Bids rejected, by error code",
		}, []string{"code"}),

		AutoBidsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_auto_bids_placed_total",
			Help: "Counter-bids issued by the proxy resolver",
		}),

		Extensions: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_extensions_total",
			Help: "Anti-sniping extensions applied",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_transitions_total",
			Help: "Auction status transitions, by target status",
		}, []string{"status"}),

		Invariants: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_invariant_violations_total",
			Help: "Commands aborted on a broken invariant",
		}),

		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_delivered_total",
			Help: "Events handed to each sink",
		}, []string{"sink"}),

		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_events_dropped_total",
			Help: "Events dropped because the dispatch buffer was full",
		}),

		MailboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "auction_mailbox_depth",
			Help: "Commands queued across all auction mailboxes",
		}),
	}
}

func (m *Metrics) ObserveCommand(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) BidAccepted(auctionType, source string) {
	if m == nil {
		return
	}
	m.BidsAccepted.WithLabelValues(auctionType, source).Inc()
	if source == "auto" {
		m.AutoBidsPlaced.Inc()
	}
}

func (m *Metrics) BidRejected(code string) {
	if m == nil {
		return
	}
	m.BidsRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) Extended() {
	if m == nil {
		return
	}
	m.Extensions.Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Invariant() {
	if m == nil {
		return
	}
	m.Invariants.Inc()
}

func (m *Metrics) Delivered(sink string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(sink).Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) MailboxAdd(delta float64) {
	if m == nil {
		return
	}
	m.MailboxDepth.Add(delta)
}

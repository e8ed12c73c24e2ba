package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	BidsAdmitted     prometheus.Counter
	BidsRejected     *prometheus.CounterVec
	AuctionsClosed   *prometheus.CounterVec
	AuctionsExtended prometheus.Counter
	Connections      prometheus.Gauge
	EventsDelivered  *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	Evictions        prometheus.Counter
	SweepDuration    prometheus.Histogram
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BidsAdmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_bids_admitted_total",
			Help: "Counter for bids admitted by the pipeline.",
		}),
		BidsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_bids_rejected_total",
			Help: "Counter for rejected bid submissions by reason.",
		}, []string{"reason"}),
		AuctionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_closed_total",
			Help: "Counter for auctions closed, split by whether a winner exists.",
		}, []string{"outcome"}),
		AuctionsExtended: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_extended_total",
			Help: "Counter for end time extensions caused by late bids.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "auction_ws_connections",
			Help: "Number of open websocket connections.",
		}),
		EventsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auction_events_delivered_total",
			Help: "Counter for events handed to connections by type.",
		}, []string{"type"}),
		DeliveryRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_delivery_retries_total",
			Help: "Counter for delivery attempts retried because a connection buffer was full.",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "auction_ws_evictions_total",
			Help: "Counter for connections dropped after exhausting delivery retries.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auction_sweep_duration_seconds",
			Help:    "Duration of periodic lifecycle scans.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NewUnregistered returns collectors bound to a private registry, handy in tests
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}

// Package metricsx exposes the node's prometheus metrics: peer counts,
// ring size, discovery and status-exchange activity, and RPC outcomes.
package metricsx

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every prometheus collector this module registers.
type Metrics struct {
	PeersKnown       prometheus.Gauge
	PeersLive        prometheus.Gauge
	RingEntries      prometheus.Gauge
	RingZones        prometheus.Gauge
	LayoutVersion    prometheus.Gauge
	PeerEvictions    prometheus.Counter
	PingFailures     prometheus.Counter
	DiscoveryPasses  prometheus.Counter
	RFMismatchFatals prometheus.Counter

	RPCCallsTotal     *prometheus.CounterVec
	RPCCallDuration   *prometheus.HistogramVec
	StatusExchangeDur prometheus.Histogram
	DiscoveryDur      prometheus.Histogram
}

// New creates and registers every metric against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the global
// default registry; pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "garage_membership",
			Name:      "peers_known",
			Help:      "Number of peers known to the local peer table.",
		}),
		PeersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "garage_membership",
			Name:      "peers_live",
			Help:      "Number of peers currently considered reachable.",
		}),
		RingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "garage_membership",
			Name:      "ring_entries",
			Help:      "Number of token entries in the current ring.",
		}),
		RingZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "garage_membership",
			Name:      "ring_zones",
			Help:      "Number of distinct zones represented in the current ring.",
		}),
		LayoutVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "garage_membership",
			Name:      "layout_version",
			Help:      "Version number of the currently committed cluster layout.",
		}),
		PeerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "garage_membership",
			Name:      "peer_evictions_total",
			Help:      "Total number of peers evicted after reaching max failed pings.",
		}),
		PingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "garage_membership",
			Name:      "ping_failures_total",
			Help:      "Total number of failed pings across all peers.",
		}),
		DiscoveryPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "garage_membership",
			Name:      "discovery_passes_total",
			Help:      "Total number of discovery loop passes run.",
		}),
		RFMismatchFatals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "garage_membership",
			Name:      "rf_mismatch_fatal_total",
			Help:      "Total number of fatal replication-factor mismatches observed before exit.",
		}),
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "garage_membership",
			Name:      "rpc_calls_total",
			Help:      "Total RPC calls made, by message kind and outcome.",
		}, []string{"kind", "outcome"}),
		RPCCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "garage_membership",
			Name:      "rpc_call_duration_seconds",
			Help:      "Duration of RPC calls, by message kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		StatusExchangeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "garage_membership",
			Name:      "status_exchange_duration_seconds",
			Help:      "Duration of each status exchange loop pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		DiscoveryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "garage_membership",
			Name:      "discovery_duration_seconds",
			Help:      "Duration of each discovery loop pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.PeersKnown, m.PeersLive, m.RingEntries, m.RingZones, m.LayoutVersion,
		m.PeerEvictions, m.PingFailures, m.DiscoveryPasses, m.RFMismatchFatals,
		m.RPCCallsTotal, m.RPCCallDuration, m.StatusExchangeDur, m.DiscoveryDur,
	)
	return m
}

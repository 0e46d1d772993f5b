// Package peering implements the full-mesh peering strategy: a ticking
// ping loop against every known peer that grows or shrinks the peer
// table based on liveness, and learns the local node's own publicly
// reachable address when a peer reports back seeing it at one we
// didn't know about.
package peering

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/internal/peer"
	"github.com/aankur/Deuxfleurs-garage/internal/rpc"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

// Config holds the loop's tunables.
type Config struct {
	PingInterval   time.Duration
	PingTimeout    time.Duration
	MaxFailedPings int
}

// DefaultConfig returns the production defaults: ping every 10s, time
// out after 2s, evict after 3 consecutive failures.
func DefaultConfig() Config {
	return Config{
		PingInterval:   10 * time.Second,
		PingTimeout:    2 * time.Second,
		MaxFailedPings: 3,
	}
}

// AddressLearner is notified when a peer's ping reveals the local
// node's own address as seen from that peer, so the caller can update
// its own advertised address when behind NAT or a dynamically assigned
// IP.
type AddressLearner interface {
	LearnOwnAddress(addr string)
}

// Loop runs the full-mesh peering strategy against the peers in table.
type Loop struct {
	cfg      Config
	localID  identity.NodeID
	table    *peer.Table
	endpoint *rpc.Endpoint
	metrics  *metricsx.Metrics
	learner  AddressLearner
	logger   zerolog.Logger
}

// New constructs a peering Loop.
func New(localID identity.NodeID, table *peer.Table, endpoint *rpc.Endpoint, metrics *metricsx.Metrics, learner AddressLearner, cfg Config) *Loop {
	return &Loop{
		cfg:      cfg,
		localID:  localID,
		table:    table,
		endpoint: endpoint,
		metrics:  metrics,
		learner:  learner,
		logger:   log.WithComponent("peering").With().Str("node_id", localID.String()).Logger(),
	}
}

// Run ticks every PingInterval, pinging every known peer concurrently,
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pingAll(ctx)
		}
	}
}

func (l *Loop) pingAll(ctx context.Context) {
	peers := l.table.List()
	for _, p := range peers {
		p := p
		go l.pingOne(ctx, p)
	}
	if l.metrics != nil {
		l.metrics.PeersKnown.Set(float64(l.table.Len()))
		l.metrics.PeersLive.Set(float64(l.table.LiveCount()))
	}
}

func (l *Loop) pingOne(ctx context.Context, p peer.Entry) {
	pingCtx, cancel := context.WithTimeout(ctx, l.cfg.PingTimeout)
	defer cancel()

	reply, err := l.endpoint.Call(pingCtx, p.ID, rpc.PriorityBackground, rpc.Ok{})
	if err != nil {
		l.handleFailure(p)
		return
	}

	l.table.InsertOrUpdate(p.ID, p.Addr, p.Hostname)
	l.learnAddressIfAdvertised(reply)
}

func (l *Loop) handleFailure(p peer.Entry) {
	if l.metrics != nil {
		l.metrics.PingFailures.Inc()
	}
	peerLog := log.WithPeer(p.ID.String())
	peerLog.Debug().Msg("ping failed")
	if evicted := l.table.RecordFailure(p.ID); evicted {
		peerLog.Warn().Msg("evicted peer after reaching max failed pings")
		if l.metrics != nil {
			l.metrics.PeerEvictions.Inc()
		}
	}
}

// learnAddressIfAdvertised inspects a ping reply for a Connect message
// naming this node's own address, which a peer sends back whenever it
// knows the port we advertised: the host it observed us connecting
// from, joined with that port. Mirrors handle_advertise_nodes_up.
func (l *Loop) learnAddressIfAdvertised(reply rpc.Message) {
	connect, ok := reply.(rpc.Connect)
	if !ok || l.learner == nil {
		return
	}
	if _, err := net.ResolveTCPAddr("tcp", connect.Addr); err != nil {
		return
	}
	l.learner.LearnOwnAddress(connect.Addr)
}

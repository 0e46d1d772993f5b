// Package status implements the status exchange loop: periodically
// broadcast this node's NodeStatus to every known peer, and react to
// peers' advertised status, including the fatal replication-factor
// mismatch exit path.
package status

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aankur/Deuxfleurs-garage/internal/layout"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/internal/rpc"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

// Config holds the loop's tunables.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the production default of one exchange every
// 10 seconds.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Broadcaster abstracts the subset of *rpc.Endpoint the loop needs.
type Broadcaster interface {
	Broadcast(priority rpc.Priority, msg rpc.Message)
}

// StatusProvider produces the local node's current NodeStatus on
// demand, so the loop always broadcasts fresh data.
type StatusProvider func() rpc.NodeStatus

// Loop runs the status exchange loop.
type Loop struct {
	cfg             Config
	hostname        string
	statusFn        StatusProvider
	broadcaster     Broadcaster
	metrics         *metricsx.Metrics
	logger          zerolog.Logger
	exitFn          func(code int)
	localReplFactor int
}

// New constructs a status exchange Loop for a node with the given
// replication factor.
func New(localReplicationFactor int, statusFn StatusProvider, broadcaster Broadcaster, metrics *metricsx.Metrics) *Loop {
	return &Loop{
		cfg:             DefaultConfig(),
		statusFn:        statusFn,
		broadcaster:     broadcaster,
		metrics:         metrics,
		logger:          log.WithComponent("status"),
		exitFn:          os.Exit,
		localReplFactor: localReplicationFactor,
	}
}

// SetInterval overrides the default exchange interval. Call before
// Run.
func (l *Loop) SetInterval(d time.Duration) {
	if d > 0 {
		l.cfg.Interval = d
	}
}

// Run broadcasts this node's status every Interval until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.broadcastOnce()
		}
	}
}

func (l *Loop) broadcastOnce() {
	start := time.Now()
	status := l.statusFn()
	l.broadcaster.Broadcast(rpc.PriorityHigh, rpc.AdvertiseStatus{Status: status})
	if l.metrics != nil {
		l.metrics.StatusExchangeDur.Observe(time.Since(start).Seconds())
	}
}

// HandleAdvertisedStatus processes a peer's AdvertiseStatus message.
// If the peer's replication factor is strictly greater than ours, the
// cluster configurations are irreconcilable and the process exits
// immediately rather than risk silently under-replicating data.
// Otherwise, if the peer's cluster layout looks newer than ours, it
// reports that a pull is needed.
func (l *Loop) HandleAdvertisedStatus(peerStatus rpc.NodeStatus, localLayout *layout.ClusterLayout) (needsPull bool) {
	if peerStatus.ReplicationFactor > l.localReplFactor {
		if l.metrics != nil {
			l.metrics.RFMismatchFatals.Inc()
		}
		l.logger.Error().
			Int("local_replication_factor", l.localReplFactor).
			Int("peer_replication_factor", peerStatus.ReplicationFactor).
			Str("peer_hostname", peerStatus.Hostname).
			Msg("fatal: peer's replication factor exceeds ours; refusing to continue with a split-brain configuration")
		l.exitFn(1)
		return false
	}

	if localLayout == nil {
		return true
	}
	if peerStatus.ClusterLayoutVersion > localLayout.Version {
		return true
	}
	if peerStatus.ClusterLayoutStagingSum != localLayout.StagingHash {
		return true
	}
	return false
}

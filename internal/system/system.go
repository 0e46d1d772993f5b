// Package system wires the whole node together: identity, persistence,
// cluster layout, the ring, the peer table, and the three background
// loops (peering, discovery, status exchange), dispatching inbound RPC
// messages between them and exposing the narrow surface the CLI and
// embedding callers use.
package system

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aankur/Deuxfleurs-garage/internal/broadcast"
	"github.com/aankur/Deuxfleurs-garage/internal/config"
	"github.com/aankur/Deuxfleurs-garage/internal/discovery"
	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/layout"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/internal/peer"
	"github.com/aankur/Deuxfleurs-garage/internal/peering"
	"github.com/aankur/Deuxfleurs-garage/internal/persist"
	"github.com/aankur/Deuxfleurs-garage/internal/ring"
	"github.com/aankur/Deuxfleurs-garage/internal/rpc"
	"github.com/aankur/Deuxfleurs-garage/internal/status"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

const (
	clusterLayoutFile = "cluster_layout"
)

// Node is a fully wired membership node.
type Node struct {
	cfg      *config.Config
	identity *identity.Identity
	persist  *persist.Persister
	endpoint *rpc.Endpoint
	peers    *peer.Table
	metrics  *metricsx.Metrics
	logger   zerolog.Logger

	mu         sync.Mutex
	layout     *layout.ClusterLayout
	ringPub    *broadcast.Publisher[*ring.Ring]
	hostname   string
	publicAddr string

	// updateMu serializes the layout-change → ring-rebuild → publish
	// sequence, so a slower update can't publish a stale ring after a
	// newer one. mu alone only protects field access.
	updateMu sync.Mutex

	peeringLoop   *peering.Loop
	discoveryLoop *discovery.Loop
	statusLoop    *status.Loop
}

// New loads or generates a node's identity, loads or initializes its
// cluster layout, and wires up every subsystem. It does not yet start
// any background loop or listener; call Run for that. Pass
// prometheus.DefaultRegisterer in production so metrics are served
// from the usual /metrics endpoint; tests should pass a fresh
// prometheus.NewRegistry() per node to avoid duplicate-registration
// panics when multiple nodes run in one process.
func New(cfg *config.Config, hostname string, registry prometheus.Registerer) (*Node, error) {
	id, err := identity.LoadOrGenerate(cfg.MetadataDir)
	if err != nil {
		return nil, err
	}

	persister := persist.New(cfg.MetadataDir)
	cl, err := loadOrInitLayout(persister, cfg.ReplicationFactor)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:        cfg,
		identity:   id,
		persist:    persister,
		peers:      peer.NewTable(cfg.MaxFailedPings),
		metrics:    metricsx.New(registry),
		logger:     log.WithComponent("system").With().Str("node_id", id.ID.String()).Logger(),
		layout:     cl,
		ringPub:    broadcast.New[*ring.Ring](),
		hostname:   hostname,
		publicAddr: cfg.RPCPublicAddr,
	}

	n.endpoint = rpc.NewEndpoint(id.ID, []byte(cfg.RPCSecret), n)
	n.endpoint.SetMetrics(n.metrics)

	// Seed the peer table from the persisted peer list, so tooling
	// that runs against a fresh instance still sees the cluster as of
	// the last contact. Seeded entries stay "down" until re-verified.
	for _, pp := range discovery.LoadPeerList(persister) {
		if pp.ID != id.ID {
			n.peers.Seed(pp.ID, pp.Addr, pp.Hostname)
		}
	}

	r := ring.Build(cl)
	n.ringPub.Publish(r)
	n.metrics.RingEntries.Set(float64(len(r.Entries)))
	n.metrics.RingZones.Set(float64(len(r.Zones)))
	n.metrics.LayoutVersion.Set(float64(cl.Version))

	n.peeringLoop = peering.New(id.ID, n.peers, n.endpoint, n.metrics, n, peering.Config{
		PingInterval:   time.Duration(cfg.PingInterval) * time.Second,
		PingTimeout:    time.Duration(cfg.PingTimeout) * time.Second,
		MaxFailedPings: cfg.MaxFailedPings,
	})
	n.discoveryLoop = discovery.New(
		n.directoryAdapters(),
		n.peers,
		n.persist,
		n,
		n.GetClusterLayout,
		n.metrics,
		discovery.Config{
			Interval:          time.Duration(cfg.DiscoveryInterval) * time.Second,
			ReplicationFactor: cfg.ReplicationFactor,
		},
	)
	n.statusLoop = status.New(cfg.ReplicationFactor, n.localStatus, n.endpoint, n.metrics)
	n.statusLoop.SetInterval(time.Duration(cfg.StatusInterval) * time.Second)

	return n, nil
}

func (n *Node) directoryAdapters() []discovery.DirectoryAdapter {
	adapters := []discovery.DirectoryAdapter{
		discovery.BootstrapFileAdapter{Addrs: n.cfg.BootstrapPeers},
	}
	if n.cfg.DNSSRVService != "" {
		adapters = append(adapters, discovery.NewDNSSRVAdapter(
			n.cfg.DNSSRVService, n.cfg.DNSSRVProto, n.cfg.DNSSRVDomain))
	}
	return adapters
}

func loadOrInitLayout(p *persist.Persister, replicationFactor int) (*layout.ClusterLayout, error) {
	data, err := p.Load(clusterLayoutFile)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return layout.New(replicationFactor), nil
		}
		return nil, err
	}
	return layout.Decode(data)
}

// ID returns the local node's identity.
func (n *Node) ID() identity.NodeID {
	return n.identity.ID
}

// RPCAddr returns the RPC listener's bound address once Run has
// started it, or nil before that. Useful when binding to ":0".
func (n *Node) RPCAddr() net.Addr {
	return n.endpoint.Addr()
}

// Run starts the RPC listener and all three background loops. It
// blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := n.endpoint.Listen(ctx, n.cfg.RPCBindAddr); err != nil {
			n.logger.Error().Err(err).Msg("rpc listener stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.peeringLoop.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.discoveryLoop.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		n.statusLoop.Run(ctx)
	}()

	n.logger.Info().Str("bind_addr", n.cfg.RPCBindAddr).Msg("node started")
	wg.Wait()
	return nil
}

// Connect dials a peer given a `<pubkey@host:port>` node spec, or a
// bare `host:port` address. When a pubkey is given, the
// handshake-presented identity must match it. Backs the CLI's
// `connect` subcommand.
func (n *Node) Connect(ctx context.Context, nodeSpec string) error {
	expected, addr, err := parseNodeSpec(nodeSpec)
	if err != nil {
		return err
	}
	if _, err = n.dialAndGreet(ctx, expected, addr); err != nil {
		return err
	}
	// Persist immediately: connect is typically run from a short-lived
	// CLI process, and the running daemon (or the next command) learns
	// the new peer from the peer list on disk.
	if err := discovery.SavePeerList(n.persist, n.peers); err != nil {
		n.logger.Warn().Err(err).Msg("failed to persist peer list")
	}
	return nil
}

// parseNodeSpec splits a `<pubkey_hex>@<host:port>` node spec into its
// NodeID and address, or returns a zero NodeID when given a bare
// `host:port` with no `@`.
func parseNodeSpec(nodeSpec string) (identity.NodeID, string, error) {
	at := strings.IndexByte(nodeSpec, '@')
	if at < 0 {
		return identity.NodeID{}, nodeSpec, nil
	}
	pubkeyHex, addr := nodeSpec[:at], nodeSpec[at+1:]
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != len(identity.NodeID{}) {
		return identity.NodeID{}, "", errs.New(errs.BadRequest, "invalid node spec: expected <pubkey_hex>@host:port")
	}
	var id identity.NodeID
	copy(id[:], raw)
	return id, addr, nil
}

// Dial implements discovery.Dialer: connect to an address whose NodeID
// isn't known ahead of time and greet whoever answers.
func (n *Node) Dial(ctx context.Context, addr string) error {
	_, err := n.dialAndGreet(ctx, identity.NodeID{}, addr)
	return err
}

// dialAndGreet connects to addr (verifying the peer's identity against
// expected, when non-zero), records the peer, and exchanges Connect
// messages: we advertise our own dialable address and, when that
// address is non-empty, the peer echoes back the host it observed us at
// joined with our advertised port, which we adopt as our public address
// unless one is configured. A newly met peer is also asked for
// its known-node list, so the mesh closes transitively.
func (n *Node) dialAndGreet(ctx context.Context, expected identity.NodeID, addr string) (identity.NodeID, error) {
	peerID, err := n.endpoint.Dial(ctx, expected, addr)
	if err != nil {
		return identity.NodeID{}, err
	}
	if peerID == n.identity.ID {
		// Bootstrap lists routinely include the local node itself.
		return peerID, nil
	}

	isNew := n.peers.InsertOrUpdate(peerID, addr, "")

	reply, err := n.endpoint.Call(ctx, peerID, rpc.PriorityNormal, rpc.Connect{Addr: n.ownAddr()})
	if err != nil {
		return peerID, err
	}
	if echoed, ok := reply.(rpc.Connect); ok && echoed.Addr != "" {
		n.LearnOwnAddress(echoed.Addr)
	}

	if isNew {
		go n.learnPeersFrom(peerID)
	}
	return peerID, nil
}

// learnPeersFrom pulls a newly met peer's known-node list and dials
// any node we haven't heard of, so a single bootstrap contact is
// enough to join the full mesh.
func (n *Node) learnPeersFrom(peerID identity.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := n.endpoint.Call(ctx, peerID, rpc.PriorityNormal, rpc.GetKnownNodes{})
	if err != nil {
		return
	}
	known, ok := reply.(rpc.ReturnKnownNodes)
	if !ok {
		return
	}
	for _, info := range known.Nodes {
		if info.ID == n.identity.ID || info.Addr == "" {
			continue
		}
		if _, have := n.peers.Get(info.ID); have {
			continue
		}
		addr := info.Addr
		go func() {
			dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dialCancel()
			if _, err := n.dialAndGreet(dialCtx, identity.NodeID{}, addr); err != nil {
				n.logger.Debug().Err(err).Str("addr", addr).Msg("transitive dial failed")
			}
		}()
	}
}

// ownAddr returns the address this node should advertise to peers:
// the configured public address if any, else the learned one.
func (n *Node) ownAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publicAddr
}

// LearnOwnAddress implements peering.AddressLearner.
func (n *Node) LearnOwnAddress(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cfg.RPCPublicAddr != "" || n.publicAddr == addr {
		// An explicitly configured public address always wins.
		return
	}
	n.logger.Info().Str("addr", addr).Msg("learned own public address from peer")
	n.publicAddr = addr
}

// GetClusterLayout returns a copy of the current cluster layout,
// committed roles and staging both.
func (n *Node) GetClusterLayout() *layout.ClusterLayout {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.layout.Clone()
}

// StageLayout stages a role change for id, without committing it. The
// layout (staging included) is persisted immediately: every CLI
// subcommand runs in its own process, so `layout assign` must leave
// the staged edit on disk for a later `layout apply` to read back.
func (n *Node) StageLayout(id identity.NodeID, role *layout.NodeRole) error {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	n.mu.Lock()
	n.layout.Stage(id, role)
	cl := n.layout.Clone()
	n.mu.Unlock()

	return n.saveLayout(cl)
}

// CommitLayout commits staged changes, rebuilds the ring, persists the
// new layout, and broadcasts it to every connected peer.
// expectedVersion must equal the layout's committed version + 1, so
// staged edits an operator reviewed against a since-superseded layout
// are refused rather than applied.
func (n *Node) CommitLayout(expectedVersion uint64) error {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	n.mu.Lock()
	if n.layout.Version+1 != expectedVersion {
		current := n.layout.Version
		n.mu.Unlock()
		return errs.New(errs.BadRequest,
			fmt.Sprintf("expected version %d, but committing would produce %d", expectedVersion, current+1))
	}
	if err := n.layout.Commit(); err != nil {
		n.mu.Unlock()
		return err
	}
	cl := n.layout.Clone()
	n.mu.Unlock()

	n.publishAndPersist(cl)
	return nil
}

// RevertLayout discards staged changes, persisting the cleared staging
// the same way StageLayout persists edits. expectedVersion must equal
// the layout's committed version + 1, so an operator reverting a stale
// review doesn't silently clear someone else's newer staging.
func (n *Node) RevertLayout(expectedVersion uint64) error {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	n.mu.Lock()
	if n.layout.Version+1 != expectedVersion {
		current := n.layout.Version
		n.mu.Unlock()
		return errs.New(errs.BadRequest,
			fmt.Sprintf("expected version %d, but current layout is at version %d", expectedVersion, current))
	}
	n.layout.Revert()
	cl := n.layout.Clone()
	n.mu.Unlock()

	return n.saveLayout(cl)
}

// saveLayout writes the layout to the metadata directory.
func (n *Node) saveLayout(cl *layout.ClusterLayout) error {
	data, err := cl.Encode()
	if err != nil {
		return err
	}
	return n.persist.Save(clusterLayoutFile, data)
}

func (n *Node) publishAndPersist(cl *layout.ClusterLayout) {
	r := ring.Build(cl)
	n.ringPub.Publish(r)
	n.metrics.RingEntries.Set(float64(len(r.Entries)))
	n.metrics.RingZones.Set(float64(len(r.Zones)))
	n.metrics.LayoutVersion.Set(float64(cl.Version))

	data, err := cl.Encode()
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to encode cluster layout")
		return
	}
	if err := n.persist.Save(clusterLayoutFile, data); err != nil {
		n.logger.Warn().Err(err).Msg("failed to persist cluster layout")
	}
	n.endpoint.Broadcast(rpc.PriorityHigh, rpc.AdvertiseClusterLayout{LayoutBytes: data})
}

// localStatus implements status.StatusProvider.
func (n *Node) localStatus() rpc.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return rpc.NodeStatus{
		Hostname:                n.hostname,
		ReplicationFactor:       n.cfg.ReplicationFactor,
		ClusterLayoutVersion:    n.layout.Version,
		ClusterLayoutStagingSum: n.layout.StagingHash,
	}
}

// RingSnapshot returns the current ring and a channel that receives
// future updates, for callers that route requests by key.
func (n *Node) RingSnapshot() (*ring.Ring, <-chan *ring.Ring, func()) {
	r, _ := n.ringPub.Latest()
	ch, cancel := n.ringPub.Subscribe()
	return r, ch, cancel
}

// GetKnownNodes returns a snapshot of the local peer table.
func (n *Node) GetKnownNodes() []rpc.KnownNodeInfo {
	entries := n.peers.List()
	out := make([]rpc.KnownNodeInfo, 0, len(entries))
	for _, e := range entries {
		lastSeen := int64(-1)
		if !e.LastSeen.IsZero() {
			lastSeen = int64(time.Since(e.LastSeen).Seconds())
		}
		out = append(out, rpc.KnownNodeInfo{
			ID:              e.ID,
			Addr:            e.Addr,
			IsUp:            e.IsUp(),
			LastSeenSecsAgo: lastSeen,
			Hostname:        e.Hostname,
		})
	}
	return out
}

// Handle implements rpc.Handler, dispatching every inbound Message
// variant.
func (n *Node) Handle(from identity.NodeID, remote net.Addr, msg rpc.Message) (rpc.Message, error) {
	switch m := msg.(type) {
	case rpc.Ok:
		// Liveness ping. The reply echoes the address we observed the
		// pinger at (with its advertised port), so the pinger's
		// peering loop can learn its own public address.
		n.peers.InsertOrUpdate(from, "", "")
		return n.pingReply(from, remote), nil

	case rpc.Connect:
		return n.handleConnect(from, remote, m), nil

	case rpc.PullClusterLayout:
		cl := n.GetClusterLayout()
		data, err := cl.Encode()
		if err != nil {
			return nil, err
		}
		return rpc.AdvertiseClusterLayout{LayoutBytes: data}, nil

	case rpc.AdvertiseStatus:
		n.peers.InsertOrUpdate(from, "", m.Status.Hostname)
		current := n.GetClusterLayout()
		needsPull := n.statusLoop.HandleAdvertisedStatus(m.Status, current)
		if needsPull {
			go n.pullLayoutFrom(from)
		}
		return rpc.Ok{}, nil

	case rpc.AdvertiseClusterLayout:
		incoming, err := layout.Decode(m.LayoutBytes)
		if err != nil {
			return nil, err
		}
		if err := n.mergeAdvertisedLayout(incoming); err != nil {
			return nil, err
		}
		return rpc.Ok{}, nil

	case rpc.GetKnownNodes:
		return rpc.ReturnKnownNodes{Nodes: n.GetKnownNodes()}, nil

	case rpc.ReturnKnownNodes:
		return rpc.Ok{}, nil

	default:
		return nil, errs.New(errs.UnexpectedMessage, "unrecognized message variant")
	}
}

// pingReply builds the response to a liveness ping: the host we
// observed the peer connecting from, joined with the port it
// advertised when it greeted us. Falls back to a bare Ok when either
// half is unknown.
func (n *Node) pingReply(from identity.NodeID, remote net.Addr) rpc.Message {
	if remote == nil {
		return rpc.Ok{}
	}
	entry, ok := n.peers.Get(from)
	if !ok || entry.Addr == "" {
		return rpc.Ok{}
	}
	observedHost, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return rpc.Ok{}
	}
	_, advertisedPort, err := net.SplitHostPort(entry.Addr)
	if err != nil {
		return rpc.Ok{}
	}
	return rpc.Connect{Addr: net.JoinHostPort(observedHost, advertisedPort)}
}

// handleConnect records the peer under the dialable address it
// advertised and echoes back the address we observed it from, combined
// with its advertised port, so a peer behind NAT can learn its own
// public address.
func (n *Node) handleConnect(from identity.NodeID, remote net.Addr, m rpc.Connect) rpc.Message {
	n.peers.InsertOrUpdate(from, m.Addr, "")

	if remote == nil || m.Addr == "" {
		return rpc.Ok{}
	}
	observedHost, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return rpc.Ok{}
	}
	_, advertisedPort, err := net.SplitHostPort(m.Addr)
	if err != nil {
		return rpc.Ok{}
	}
	return rpc.Connect{Addr: net.JoinHostPort(observedHost, advertisedPort)}
}

func (n *Node) pullLayoutFrom(peerID identity.NodeID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := n.endpoint.Call(ctx, peerID, rpc.PriorityHigh, rpc.PullClusterLayout{})
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to pull cluster layout from peer")
		return
	}
	advertised, ok := reply.(rpc.AdvertiseClusterLayout)
	if !ok {
		return
	}
	incoming, err := layout.Decode(advertised.LayoutBytes)
	if err != nil {
		n.logger.Warn().Err(err).Msg("peer returned an undecodable cluster layout")
		return
	}
	if err := n.mergeAdvertisedLayout(incoming); err != nil {
		n.logger.Warn().Err(err).Msg("rejected pulled cluster layout")
	}
}

// mergeAdvertisedLayout applies an incoming layout via LWW merge. A
// layout carrying a different replication factor is rejected outright,
// and a merge that would break the zone-diversity invariant a
// previously valid layout satisfied is rolled back.
func (n *Node) mergeAdvertisedLayout(incoming *layout.ClusterLayout) error {
	n.updateMu.Lock()
	defer n.updateMu.Unlock()

	n.mu.Lock()
	if incoming.ReplicationFactor != n.layout.ReplicationFactor {
		local := n.layout.ReplicationFactor
		n.mu.Unlock()
		return errs.New(errs.Forbidden,
			fmt.Sprintf("peer layout has replication factor %d, ours is %d", incoming.ReplicationFactor, local))
	}

	wasValid := n.layout.Check() == nil
	before := n.layout.Clone()

	changed := n.layout.Merge(incoming)
	stillValid := n.layout.Check() == nil

	if changed && wasValid && !stillValid {
		n.layout = before
		n.mu.Unlock()
		return errs.New(errs.Forbidden, "merge would violate the zone diversity invariant")
	}
	cl := n.layout.Clone()
	n.mu.Unlock()

	if changed {
		n.publishAndPersist(cl)
	}
	return nil
}

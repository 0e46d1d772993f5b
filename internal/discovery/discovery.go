// Package discovery implements the discovery loop: periodically decide
// whether the node needs more peers, gather candidate addresses from
// one or more pluggable DirectoryAdapters plus the persisted peer
// list, dial them, and persist a merged peer list back. The persisted
// list is merged rather than replaced, so a peer absent from the
// newest snapshot isn't silently forgotten.
package discovery

import (
	"context"
	"encoding/hex"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/layout"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/internal/peer"
	"github.com/aankur/Deuxfleurs-garage/internal/persist"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

const peerListFile = "peer_list"

// PeerHint is a candidate address a DirectoryAdapter offers; the
// discovery loop doesn't yet know whether a live node answers there.
type PeerHint struct {
	Addr string
}

// DirectoryAdapter is the single capability every discovery source
// implements; a source that is not configured simply isn't in the
// adapter list and contributes nothing.
type DirectoryAdapter interface {
	Fetch(ctx context.Context) ([]PeerHint, error)
}

// BootstrapFileAdapter returns the fixed bootstrap_peers list from the
// node's config file.
type BootstrapFileAdapter struct {
	Addrs []string
}

func (a BootstrapFileAdapter) Fetch(ctx context.Context) ([]PeerHint, error) {
	hints := make([]PeerHint, 0, len(a.Addrs))
	for _, addr := range a.Addrs {
		hints = append(hints, PeerHint{Addr: addr})
	}
	return hints, nil
}

// StaticListAdapter is functionally identical to BootstrapFileAdapter
// but sourced elsewhere, e.g. populated from a CLI flag rather than
// the config file.
type StaticListAdapter struct {
	Addrs []string
}

func (a StaticListAdapter) Fetch(ctx context.Context) ([]PeerHint, error) {
	hints := make([]PeerHint, 0, len(a.Addrs))
	for _, addr := range a.Addrs {
		hints = append(hints, PeerHint{Addr: addr})
	}
	return hints, nil
}

// DNSSRVAdapter resolves a DNS SRV record into a set of candidate
// addresses, for deployments that publish their node set through DNS
// rather than a static bootstrap list.
type DNSSRVAdapter struct {
	Service  string
	Proto    string
	Domain   string
	resolver *net.Resolver
}

func NewDNSSRVAdapter(service, proto, domain string) *DNSSRVAdapter {
	return &DNSSRVAdapter{Service: service, Proto: proto, Domain: domain, resolver: net.DefaultResolver}
}

func (a *DNSSRVAdapter) Fetch(ctx context.Context) ([]PeerHint, error) {
	resolver := a.resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	_, records, err := resolver.LookupSRV(ctx, a.Service, a.Proto, a.Domain)
	if err != nil {
		return nil, err
	}
	hints := make([]PeerHint, 0, len(records))
	for _, rec := range records {
		hints = append(hints, PeerHint{Addr: net.JoinHostPort(rec.Target, portString(rec.Port))})
	}
	return hints, nil
}

func portString(p uint16) string {
	const base = 10
	buf := [5]byte{}
	i := len(buf)
	n := int(p)
	if n == 0 {
		return "0"
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%base)
		n /= base
	}
	return string(buf[i:])
}

// Config holds the loop's tunables.
type Config struct {
	Interval          time.Duration
	ReplicationFactor int
}

// DefaultConfig returns the production default of one discovery pass
// per minute.
func DefaultConfig(rf int) Config {
	return Config{Interval: 60 * time.Second, ReplicationFactor: rf}
}

// Dialer abstracts the subset of the node the loop needs: dial an
// address whose NodeID is not yet known, handshake, and record the
// peer. Tests substitute a fake without standing up real sockets.
type Dialer interface {
	Dial(ctx context.Context, addr string) error
}

// Loop runs the discovery loop.
type Loop struct {
	cfg       Config
	adapters  []DirectoryAdapter
	table     *peer.Table
	persister *persist.Persister
	dialer    Dialer
	layoutFn  func() *layout.ClusterLayout
	metrics   *metricsx.Metrics
	logger    zerolog.Logger
}

// New constructs a discovery Loop. layoutFn returns the node's current
// committed cluster layout on demand, used to decide whether discovery
// is still needed.
func New(adapters []DirectoryAdapter, table *peer.Table, persister *persist.Persister, dialer Dialer, layoutFn func() *layout.ClusterLayout, metrics *metricsx.Metrics, cfg Config) *Loop {
	return &Loop{
		cfg:       cfg,
		adapters:  adapters,
		table:     table,
		persister: persister,
		dialer:    dialer,
		layoutFn:  layoutFn,
		metrics:   metrics,
		logger:    log.WithComponent("discovery"),
	}
}

// Run ticks every Interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runOnce(ctx)
		}
	}
}

// needsDiscovery reports whether a pass should run: the layout hasn't
// converged, there aren't enough live peers for the replication
// factor, or the live peer count doesn't match what the layout
// expects.
func (l *Loop) needsDiscovery() bool {
	layoutOK := true
	expectedNodes := 0
	if l.layoutFn != nil {
		current := l.layoutFn()
		if current != nil {
			layoutOK = current.Check() == nil
			for _, entry := range current.Roles {
				if entry.Role != nil {
					expectedNodes++
				}
			}
		}
	}

	live := l.table.LiveCount()

	notConfigured := !layoutOK
	noPeers := live < l.cfg.ReplicationFactor
	badPeers := expectedNodes > 0 && live != expectedNodes
	return notConfigured || noPeers || badPeers
}

func (l *Loop) runOnce(ctx context.Context) {
	start := time.Now()
	if l.metrics != nil {
		l.metrics.DiscoveryPasses.Inc()
		defer func() {
			l.metrics.DiscoveryDur.Observe(time.Since(start).Seconds())
		}()
	}
	if !l.needsDiscovery() {
		return
	}

	var candidates []PeerHint
	for _, adapter := range l.adapters {
		hints, err := adapter.Fetch(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("directory adapter fetch failed")
			continue
		}
		candidates = append(candidates, hints...)
	}

	candidates = append(candidates, l.persistedHints()...)

	for _, existing := range l.table.List() {
		if existing.Addr != "" {
			candidates = append(candidates, PeerHint{Addr: existing.Addr})
		}
	}

	for _, c := range dedupeHints(candidates) {
		addr := c.Addr
		go func() {
			dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := l.dialer.Dial(dialCtx, addr); err != nil {
				l.logger.Debug().Err(err).Str("addr", addr).Msg("discovery dial failed")
			}
		}()
	}

	l.savePeerList()
}

func dedupeHints(hints []PeerHint) []PeerHint {
	seen := make(map[string]struct{})
	out := make([]PeerHint, 0, len(hints))
	for _, h := range hints {
		if h.Addr == "" {
			continue
		}
		if _, ok := seen[h.Addr]; ok {
			continue
		}
		seen[h.Addr] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// persistedHints returns dial candidates from the on-disk peer list,
// so a restarted node can rejoin the cluster even when its bootstrap
// peers are down.
func (l *Loop) persistedHints() []PeerHint {
	if l.persister == nil {
		return nil
	}
	var hints []PeerHint
	for _, pp := range LoadPeerList(l.persister) {
		if pp.Addr != "" {
			hints = append(hints, PeerHint{Addr: pp.Addr})
		}
	}
	return hints
}

// savePeerList persists the current peer table after a pass.
func (l *Loop) savePeerList() {
	if l.persister == nil {
		return
	}
	if err := SavePeerList(l.persister, l.table); err != nil {
		l.logger.Warn().Err(err).Msg("failed to persist peer list")
	}
}

// PersistedPeer is one entry of the on-disk peer list.
type PersistedPeer struct {
	ID       identity.NodeID
	Hostname string
	Addr     string
}

// LoadPeerList reads and parses the persisted peer list. A missing or
// unreadable file yields an empty list; malformed lines are skipped.
func LoadPeerList(p *persist.Persister) []PersistedPeer {
	data, err := p.Load(peerListFile)
	if err != nil {
		return nil
	}
	var out []PersistedPeer
	for _, line := range splitLines(data) {
		fields := strings.Fields(line)
		if len(fields) != 3 {
			continue
		}
		raw, err := hex.DecodeString(fields[0])
		if err != nil || len(raw) != len(identity.NodeID{}) {
			continue
		}
		var id identity.NodeID
		copy(id[:], raw)
		out = append(out, PersistedPeer{ID: id, Hostname: unplaceholder(fields[1]), Addr: unplaceholder(fields[2])})
	}
	return out
}

// SavePeerList persists table's entries merged over the previous
// on-disk list rather than overwriting it outright, so a peer id
// absent right now (e.g. temporarily unreachable) isn't dropped from
// the durable list.
func SavePeerList(p *persist.Persister, table *peer.Table) error {
	var previous []byte
	if existing, err := p.Load(peerListFile); err == nil {
		previous = existing
	}
	return p.Save(peerListFile, mergePeerListBytes(previous, table.List()))
}

// mergePeerListBytes re-encodes the persisted peer list as a sorted,
// newline-delimited "node_id hostname addr" text format, folding in
// whatever survives from the previous file that isn't present in the
// current in-memory table. A plain text format keeps peer_list directly
// readable by external tooling. Empty hostname/addr fields are written
// as "-" so every line stays three fields wide.
func mergePeerListBytes(previous []byte, current []peer.Entry) []byte {
	lines := make(map[string]string)
	for _, raw := range splitLines(previous) {
		if raw == "" {
			continue
		}
		lines[lineKey(raw)] = raw
	}
	for _, p := range current {
		line := p.ID.String() + " " + placeholder(p.Hostname) + " " + placeholder(p.Addr)
		lines[p.ID.String()] = line
	}

	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []byte
	for _, k := range keys {
		out = append(out, []byte(lines[k])...)
		out = append(out, '\n')
	}
	return out
}

func placeholder(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func unplaceholder(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func lineKey(line string) string {
	for i, c := range line {
		if c == ' ' {
			return line[:i]
		}
	}
	return line
}

func splitLines(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}

package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/peer"
	"github.com/aankur/Deuxfleurs-garage/internal/persist"
)

func nodeID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

type recordingDialer struct {
	mu    sync.Mutex
	addrs []string
}

func (d *recordingDialer) Dial(ctx context.Context, addr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
	return nil
}

func (d *recordingDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.addrs))
	copy(out, d.addrs)
	return out
}

func TestDedupeHintsRemovesDuplicatesAndSorts(t *testing.T) {
	hints := []PeerHint{{Addr: "b:1"}, {Addr: "a:1"}, {Addr: "b:1"}, {Addr: ""}}
	out := dedupeHints(hints)
	assert.Equal(t, []PeerHint{{Addr: "a:1"}, {Addr: "b:1"}}, out)
}

func TestBootstrapFileAdapterReturnsConfiguredAddrs(t *testing.T) {
	a := BootstrapFileAdapter{Addrs: []string{"10.0.0.1:3901", "10.0.0.2:3901"}}
	hints, err := a.Fetch(context.Background())
	assert.NoError(t, err)
	assert.Len(t, hints, 2)
}

func TestMergePeerListBytesPreservesAbsentPeers(t *testing.T) {
	previous := []byte("0100000000000000000000000000000000000000000000000000000000000000 node-old 10.0.0.9:3901\n")
	current := []peer.Entry{{ID: nodeID(2), Hostname: "node-new", Addr: "10.0.0.2:3901"}}

	merged := mergePeerListBytes(previous, current)
	s := string(merged)
	assert.Contains(t, s, "node-old")
	assert.Contains(t, s, "node-new")
}

func TestSaveLoadPeerListRoundTrip(t *testing.T) {
	persister := persist.New(t.TempDir())
	table := peer.NewTable(3)
	table.InsertOrUpdate(nodeID(1), "10.0.0.1:3901", "node-a")
	table.Seed(nodeID(2), "10.0.0.2:3901", "")

	require.NoError(t, SavePeerList(persister, table))

	loaded := LoadPeerList(persister)
	require.Len(t, loaded, 2)
	byID := make(map[identity.NodeID]PersistedPeer)
	for _, pp := range loaded {
		byID[pp.ID] = pp
	}
	assert.Equal(t, "node-a", byID[nodeID(1)].Hostname)
	assert.Equal(t, "10.0.0.1:3901", byID[nodeID(1)].Addr)
	assert.Equal(t, "", byID[nodeID(2)].Hostname, "empty hostname round-trips through the placeholder")
	assert.Equal(t, "10.0.0.2:3901", byID[nodeID(2)].Addr)
}

func TestRunOnceDialsBootstrapAndPersistedPeers(t *testing.T) {
	persister := persist.New(t.TempDir())
	table := peer.NewTable(3)
	dialer := &recordingDialer{}

	// Seed the on-disk peer list with one previously known peer.
	table2 := []peer.Entry{{ID: nodeID(9), Hostname: "old-node", Addr: "10.9.9.9:3901"}}
	require.NoError(t, persister.Save(peerListFile, mergePeerListBytes(nil, table2)))

	adapters := []DirectoryAdapter{BootstrapFileAdapter{Addrs: []string{"10.0.0.1:3901"}}}
	loop := New(adapters, table, persister, dialer, nil, nil, DefaultConfig(3))

	loop.runOnce(context.Background())
	require.Eventually(t, func() bool { return len(dialer.dialed()) >= 2 }, time.Second, 5*time.Millisecond)

	assert.Contains(t, dialer.dialed(), "10.0.0.1:3901")
	assert.Contains(t, dialer.dialed(), "10.9.9.9:3901")
}

func TestNeedsDiscoveryWhenTooFewLivePeers(t *testing.T) {
	table := peer.NewTable(3)
	loop := New(nil, table, nil, &recordingDialer{}, nil, nil, DefaultConfig(3))
	assert.True(t, loop.needsDiscovery())

	for b := byte(1); b <= 3; b++ {
		table.InsertOrUpdate(nodeID(b), "10.0.0.1:3901", "n")
	}
	assert.False(t, loop.needsDiscovery())
}

func TestPortStringFormatsCorrectly(t *testing.T) {
	assert.Equal(t, "3901", portString(3901))
	assert.Equal(t, "0", portString(0))
	assert.Equal(t, "80", portString(80))
}

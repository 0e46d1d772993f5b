package peering

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/internal/peer"
	"github.com/aankur/Deuxfleurs-garage/internal/rpc"
)

type replyHandler struct {
	reply rpc.Message
}

func (h replyHandler) Handle(from identity.NodeID, remote net.Addr, msg rpc.Message) (rpc.Message, error) {
	return h.reply, nil
}

func testID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func startTestEndpoint(t *testing.T, localID identity.NodeID, handler rpc.Handler) *rpc.Endpoint {
	t.Helper()
	ep := rpc.NewEndpoint(localID, []byte("shared-secret"), handler)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ep.Listen(ctx, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return ep.Addr() != nil }, time.Second, time.Millisecond)
	return ep
}

type fakeLearner struct {
	learned string
}

func (f *fakeLearner) LearnOwnAddress(addr string) { f.learned = addr }

func TestPingAllRefreshesReachablePeer(t *testing.T) {
	serverID := testID(0x01)
	server := startTestEndpoint(t, serverID, replyHandler{reply: rpc.Ok{}})
	client := startTestEndpoint(t, testID(0x10), replyHandler{reply: rpc.Ok{}})

	dialCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	gotID, err := client.Dial(dialCtx, identity.NodeID{}, server.Addr().String())
	require.NoError(t, err)
	require.Equal(t, serverID, gotID)

	table := peer.NewTable(3)
	table.InsertOrUpdate(serverID, server.Addr().String(), "peer-a")

	metrics := metricsx.New(prometheus.NewRegistry())
	loop := New(testID(0x10), table, client, metrics, nil, DefaultConfig())

	loop.pingAll(context.Background())
	time.Sleep(50 * time.Millisecond)

	entry, ok := table.Get(serverID)
	require.True(t, ok)
	assert.Equal(t, 0, entry.ConsecutiveFails)
}

func TestPingOneEvictsAfterMaxFailures(t *testing.T) {
	table := peer.NewTable(2)
	peerID := testID(0x02)
	table.InsertOrUpdate(peerID, "", "unreachable-peer")

	client := startTestEndpoint(t, testID(0x11), replyHandler{reply: rpc.Ok{}})
	metrics := metricsx.New(prometheus.NewRegistry())
	loop := New(testID(0x11), table, client, metrics, nil, DefaultConfig())

	entry, _ := table.Get(peerID)
	loop.pingOne(context.Background(), entry)
	_, stillPresent := table.Get(peerID)
	assert.True(t, stillPresent)

	entry, _ = table.Get(peerID)
	loop.pingOne(context.Background(), entry)
	_, stillPresent = table.Get(peerID)
	assert.False(t, stillPresent)
}

func TestLearnAddressIfAdvertisedNotifiesLearner(t *testing.T) {
	serverID := testID(0x03)
	server := startTestEndpoint(t, serverID, replyHandler{reply: rpc.Connect{Addr: "203.0.113.9:4242"}})
	client := startTestEndpoint(t, testID(0x12), replyHandler{reply: rpc.Ok{}})

	dialCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Dial(dialCtx, serverID, server.Addr().String())
	require.NoError(t, err)

	table := peer.NewTable(3)
	table.InsertOrUpdate(serverID, server.Addr().String(), "peer-c")

	learner := &fakeLearner{}
	metrics := metricsx.New(prometheus.NewRegistry())
	loop := New(testID(0x12), table, client, metrics, learner, DefaultConfig())

	entry, _ := table.Get(serverID)
	loop.pingOne(context.Background(), entry)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, "203.0.113.9:4242", learner.learned)
}

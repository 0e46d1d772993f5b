package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aankur/Deuxfleurs-garage/internal/layout"
	"github.com/aankur/Deuxfleurs-garage/internal/rpc"
)

type fakeBroadcaster struct {
	sent []rpc.Message
}

func (f *fakeBroadcaster) Broadcast(priority rpc.Priority, msg rpc.Message) {
	f.sent = append(f.sent, msg)
}

func TestBroadcastOnceSendsCurrentStatus(t *testing.T) {
	fb := &fakeBroadcaster{}
	l := New(3, func() rpc.NodeStatus {
		return rpc.NodeStatus{Hostname: "node-a", ReplicationFactor: 3}
	}, fb, nil)

	l.broadcastOnce()

	require.Len(t, fb.sent, 1)
	advertised, ok := fb.sent[0].(rpc.AdvertiseStatus)
	require.True(t, ok)
	assert.Equal(t, "node-a", advertised.Status.Hostname)
}

func TestHandleAdvertisedStatus_FatalOnHigherPeerRF(t *testing.T) {
	fb := &fakeBroadcaster{}
	l := New(2, func() rpc.NodeStatus { return rpc.NodeStatus{} }, fb, nil)

	var exitCode int
	exited := false
	l.exitFn = func(code int) { exited = true; exitCode = code }

	l.HandleAdvertisedStatus(rpc.NodeStatus{ReplicationFactor: 3}, layout.New(2))

	assert.True(t, exited)
	assert.Equal(t, 1, exitCode)
}

func TestHandleAdvertisedStatus_NoPullNeededWhenInSync(t *testing.T) {
	fb := &fakeBroadcaster{}
	local := layout.New(3)
	l := New(3, func() rpc.NodeStatus { return rpc.NodeStatus{} }, fb, nil)

	needsPull := l.HandleAdvertisedStatus(rpc.NodeStatus{
		ReplicationFactor:       3,
		ClusterLayoutVersion:    local.Version,
		ClusterLayoutStagingSum: local.StagingHash,
	}, local)

	assert.False(t, needsPull)
}

func TestHandleAdvertisedStatus_PullNeededOnVersionMismatch(t *testing.T) {
	fb := &fakeBroadcaster{}
	local := layout.New(3)
	l := New(3, func() rpc.NodeStatus { return rpc.NodeStatus{} }, fb, nil)

	needsPull := l.HandleAdvertisedStatus(rpc.NodeStatus{
		ReplicationFactor:    3,
		ClusterLayoutVersion: local.Version + 1,
	}, local)

	assert.True(t, needsPull)
}

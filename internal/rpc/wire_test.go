package rpc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
)

func wireID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func TestFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := []byte("hello peer")
	go func() {
		_ = writeFrame(client, PriorityHigh, payload)
	}()

	priority, got, err := readFrame(server)
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, priority)
	assert.Equal(t, payload, got)
}

func TestHandshakeExchangesNodeIDs(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	secret := []byte("shared-network-secret")
	serverID, clientID := wireID(0xAA), wireID(0xBB)

	type result struct {
		peer identity.NodeID
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		peer, err := handshakeServer(server, secret, serverID)
		resCh <- result{peer, err}
	}()

	gotServer, err := handshakeClient(client, secret, clientID)
	require.NoError(t, err)
	assert.Equal(t, serverID, gotServer)

	serverRes := <-resCh
	require.NoError(t, serverRes.err)
	assert.Equal(t, clientID, serverRes.peer)
}

func TestHandshakeFailsWithMismatchedSecret(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := handshakeServer(server, []byte("server-secret"), wireID(1))
		if err != nil {
			server.Close()
		}
		errCh <- err
	}()

	_, err := handshakeClient(client, []byte("client-secret"), wireID(2))
	assert.Error(t, err)
	assert.Error(t, <-errCh)
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	big := make([]byte, maxFrameSize+1)
	err := writeFrame(client, PriorityNormal, big)
	assert.Error(t, err)
}

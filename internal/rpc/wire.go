// Package rpc implements the node-to-node transport: a length-prefixed
// binary envelope over raw TCP, a pre-shared-key handshake that also
// exchanges the two nodes' identities, and a tagged-union Message type
// dispatched by an Endpoint.
package rpc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
)

// Priority is the class carried in each frame's header byte. Frames are
// written to a connection in the order they are sent; neither the sender
// nor the receiver reorders or queues frames by priority.
type Priority byte

const (
	PriorityBackground Priority = 0
	PriorityNormal     Priority = 1
	PriorityHigh       Priority = 2
)

// versionTag identifies the wire protocol version. A peer presenting a
// different tag is speaking an incompatible protocol and the connection
// is refused before any Message is read.
const versionTag uint64 = 0x6761726167650001

const (
	versionTagSize = 8
	nodeIDSize     = 32
	hmacSize       = sha256.Size
	preambleSize   = versionTagSize + nodeIDSize + hmacSize
	lengthSize     = 4
	maxFrameSize   = 16 << 20 // 16 MiB, generous for a cluster layout plus headroom
)

// ErrBadHandshake is returned when a peer's preamble doesn't match our
// version tag or network secret.
var ErrBadHandshake = errors.New("rpc: handshake failed")

// The preamble each side sends on connection setup is
// "version tag u64 BE | node id (32 bytes) | hmac-sha256(secret, tag || id)".
// The HMAC covers the node id too, so a peer holding the network secret
// cannot be impersonated by replaying a preamble with a swapped id.

// handshakeClient writes our preamble, then reads and verifies the
// peer's, returning the peer's authenticated NodeID. Both sides run the
// same sequence in mirrored order, so the first reader to find a
// mismatch closes the connection before any Message is exchanged.
func handshakeClient(conn net.Conn, networkSecret []byte, localID identity.NodeID) (identity.NodeID, error) {
	if err := writePreamble(conn, networkSecret, localID); err != nil {
		return identity.NodeID{}, err
	}
	return readAndVerifyPreamble(conn, networkSecret)
}

func handshakeServer(conn net.Conn, networkSecret []byte, localID identity.NodeID) (identity.NodeID, error) {
	peerID, err := readAndVerifyPreamble(conn, networkSecret)
	if err != nil {
		return identity.NodeID{}, err
	}
	if err := writePreamble(conn, networkSecret, localID); err != nil {
		return identity.NodeID{}, err
	}
	return peerID, nil
}

func writePreamble(conn net.Conn, networkSecret []byte, localID identity.NodeID) error {
	var buf [preambleSize]byte
	binary.BigEndian.PutUint64(buf[:versionTagSize], versionTag)
	copy(buf[versionTagSize:versionTagSize+nodeIDSize], localID.Bytes())

	mac := hmac.New(sha256.New, networkSecret)
	mac.Write(buf[:versionTagSize+nodeIDSize])
	copy(buf[versionTagSize+nodeIDSize:], mac.Sum(nil))

	if _, err := conn.Write(buf[:]); err != nil {
		return errs.Wrap(errs.Io, "writing handshake preamble", err)
	}
	return nil
}

func readAndVerifyPreamble(conn net.Conn, networkSecret []byte) (identity.NodeID, error) {
	var buf [preambleSize]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return identity.NodeID{}, errs.Wrap(errs.Io, "reading handshake preamble", err)
	}

	tag := binary.BigEndian.Uint64(buf[:versionTagSize])
	if tag != versionTag {
		return identity.NodeID{}, errs.Wrap(errs.Forbidden, "peer presented an incompatible version tag", ErrBadHandshake)
	}

	mac := hmac.New(sha256.New, networkSecret)
	mac.Write(buf[:versionTagSize+nodeIDSize])
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, buf[versionTagSize+nodeIDSize:]) {
		return identity.NodeID{}, errs.Wrap(errs.Forbidden, "peer presented an invalid network secret", ErrBadHandshake)
	}

	var peerID identity.NodeID
	copy(peerID[:], buf[versionTagSize:versionTagSize+nodeIDSize])
	return peerID, nil
}

// writeFrame writes one "priority byte | length uint32 BE | payload"
// frame to conn.
func writeFrame(conn net.Conn, priority Priority, payload []byte) error {
	if len(payload) > maxFrameSize {
		return errs.New(errs.BadRequest, fmt.Sprintf("frame payload too large: %d bytes", len(payload)))
	}
	header := make([]byte, 1+lengthSize)
	header[0] = byte(priority)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if _, err := conn.Write(header); err != nil {
		return errs.Wrap(errs.Io, "writing frame header", err)
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return errs.Wrap(errs.Io, "writing frame payload", err)
		}
	}
	return nil
}

// readFrame reads one frame from conn.
func readFrame(conn net.Conn) (Priority, []byte, error) {
	header := make([]byte, 1+lengthSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, err
		}
		return 0, nil, errs.Wrap(errs.Io, "reading frame header", err)
	}

	priority := Priority(header[0])
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameSize {
		return 0, nil, errs.New(errs.BadRequest, fmt.Sprintf("peer announced oversized frame: %d bytes", length))
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return 0, nil, errs.Wrap(errs.Io, "reading frame payload", err)
		}
	}
	return priority, payload, nil
}

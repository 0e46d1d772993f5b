package rpc

import (
	"bytes"
	"encoding/gob"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
)

// Kind tags which Message variant a frame's payload decodes to.
type Kind byte

const (
	KindOk Kind = iota
	KindConnect
	KindPullClusterLayout
	KindAdvertiseStatus
	KindAdvertiseClusterLayout
	KindGetKnownNodes
	KindReturnKnownNodes
)

func (k Kind) String() string {
	switch k {
	case KindOk:
		return "ok"
	case KindConnect:
		return "connect"
	case KindPullClusterLayout:
		return "pull_cluster_layout"
	case KindAdvertiseStatus:
		return "advertise_status"
	case KindAdvertiseClusterLayout:
		return "advertise_cluster_layout"
	case KindGetKnownNodes:
		return "get_known_nodes"
	case KindReturnKnownNodes:
		return "return_known_nodes"
	default:
		return "unknown"
	}
}

// NodeStatus is the lightweight, frequently-exchanged status blob each
// node advertises on the status exchange loop (4.H).
type NodeStatus struct {
	Hostname                string
	ReplicationFactor       int
	ClusterLayoutVersion    uint64
	ClusterLayoutStagingSum [32]byte
}

// KnownNodeInfo is what GetKnownNodes/ReturnKnownNodes exchange: the
// local peer table's view of the cluster, for a node bootstrapping or
// reconnecting to learn about peers its immediate contacts know about.
type KnownNodeInfo struct {
	ID              identity.NodeID
	Addr            string
	IsUp            bool
	LastSeenSecsAgo int64
	Hostname        string
}

// Message is the tagged union of every RPC variant this endpoint
// understands. Each concrete type below implements it.
type Message interface {
	Kind() Kind
}

type Ok struct{}

func (Ok) Kind() Kind { return KindOk }

// Connect, sent as a request, carries the sender's own dialable
// address, which the receiver records for it. Sent as a reply, it
// names the address the replying node observed the requester at.
type Connect struct {
	Addr string
}

func (Connect) Kind() Kind { return KindConnect }

// PullClusterLayout asks the peer to send back its current cluster
// layout via AdvertiseClusterLayout.
type PullClusterLayout struct{}

func (PullClusterLayout) Kind() Kind { return KindPullClusterLayout }

// AdvertiseStatus carries the sender's current NodeStatus.
type AdvertiseStatus struct {
	Status NodeStatus
}

func (AdvertiseStatus) Kind() Kind { return KindAdvertiseStatus }

// AdvertiseClusterLayout carries the sender's full, gob-encoded
// cluster layout (encoded by the layout package, opaque here).
type AdvertiseClusterLayout struct {
	LayoutBytes []byte
}

func (AdvertiseClusterLayout) Kind() Kind { return KindAdvertiseClusterLayout }

// GetKnownNodes asks the peer to return everything in its peer table.
type GetKnownNodes struct{}

func (GetKnownNodes) Kind() Kind { return KindGetKnownNodes }

// ReturnKnownNodes is the response to GetKnownNodes.
type ReturnKnownNodes struct {
	Nodes []KnownNodeInfo
}

func (ReturnKnownNodes) Kind() Kind { return KindReturnKnownNodes }

func init() {
	gob.Register(Ok{})
	gob.Register(Connect{})
	gob.Register(PullClusterLayout{})
	gob.Register(AdvertiseStatus{})
	gob.Register(AdvertiseClusterLayout{})
	gob.Register(GetKnownNodes{})
	gob.Register(ReturnKnownNodes{})
}

// envelope is the on-the-wire frame payload: a correlation ID for
// matching responses to in-flight calls, plus the gob-encoded Message.
type envelope struct {
	CorrelationID [16]byte
	Msg           Message
}

func encodeEnvelope(correlationID [16]byte, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{CorrelationID: correlationID, Msg: msg}); err != nil {
		return nil, errs.Wrap(errs.Io, "encoding rpc envelope", err)
	}
	return buf.Bytes(), nil
}

func decodeEnvelope(data []byte) ([16]byte, Message, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return [16]byte{}, nil, errs.Wrap(errs.BadRequest, "decoding rpc envelope", err)
	}
	return env.CorrelationID, env.Msg, nil
}

package rpc

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/metricsx"
	"github.com/aankur/Deuxfleurs-garage/pkg/log"
)

// Handler dispatches an inbound Message to the node's business logic
// and returns the reply to send back. remote is the address the
// message arrived from, used by handlers that echo a peer's observed
// address back to it.
type Handler interface {
	Handle(from identity.NodeID, remote net.Addr, msg Message) (Message, error)
}

// connection wraps one full-duplex TCP connection to a peer with a
// dedicated write mutex (writes can come from the read loop's response
// path and from Call/Broadcast concurrently) and a table of in-flight
// calls awaiting a response.
type connection struct {
	peerID  identity.NodeID
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[[16]byte]chan pendingResult
}

type pendingResult struct {
	msg Message
	err error
}

func (c *connection) send(priority Priority, correlationID [16]byte, msg Message) error {
	payload, err := encodeEnvelope(correlationID, msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, priority, payload)
}

func (c *connection) registerPending(id [16]byte) chan pendingResult {
	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *connection) resolvePending(id [16]byte, res pendingResult) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// Endpoint manages the set of live peer connections, dispatches
// inbound requests to a Handler, and offers call, broadcast, and
// quorum-call helpers to the rest of the system. Connections are keyed
// by the peer NodeID learned during the handshake, so inbound and
// outbound connections are equivalent once established.
type Endpoint struct {
	localID       identity.NodeID
	networkSecret []byte
	handler       Handler
	metrics       *metricsx.Metrics
	logger        zerolog.Logger

	mu    sync.RWMutex
	conns map[identity.NodeID]*connection

	listener net.Listener
}

// NewEndpoint constructs an Endpoint for the given local identity,
// using networkSecret to authenticate the handshake on every
// connection it makes or accepts.
func NewEndpoint(localID identity.NodeID, networkSecret []byte, handler Handler) *Endpoint {
	return &Endpoint{
		localID:       localID,
		networkSecret: networkSecret,
		handler:       handler,
		logger:        log.WithComponent("rpc"),
		conns:         make(map[identity.NodeID]*connection),
	}
}

// SetMetrics attaches call counters and duration histograms. Optional;
// a nil metrics set disables instrumentation.
func (e *Endpoint) SetMetrics(m *metricsx.Metrics) {
	e.metrics = m
}

// Listen starts accepting connections on bindAddr. It blocks until ctx
// is cancelled or the listener fails.
func (e *Endpoint) Listen(ctx context.Context, bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return errs.Wrap(errs.Io, "listening for rpc connections", err)
	}
	e.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Wrap(errs.Io, "accepting rpc connection", err)
			}
		}
		go e.acceptConn(conn)
	}
}

// Addr returns the listener's bound address, or nil if Listen hasn't
// been called yet, for callers that bind to ":0" and need the assigned
// port back.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Endpoint) acceptConn(netConn net.Conn) {
	peerID, err := handshakeServer(netConn, e.networkSecret, e.localID)
	if err != nil {
		e.logger.Warn().Err(err).Str("remote", netConn.RemoteAddr().String()).Msg("rejected peer handshake")
		netConn.Close()
		return
	}
	c := &connection{peerID: peerID, conn: netConn, pending: make(map[[16]byte]chan pendingResult)}
	e.register(c)
	e.readLoop(c)
}

func (e *Endpoint) register(c *connection) {
	e.mu.Lock()
	e.conns[c.peerID] = c
	e.mu.Unlock()
}

// Dial opens an outbound connection to a peer at addr, performs the
// handshake, and registers it under the NodeID the peer presented.
// If expected is non-zero and the peer's actual identity differs, the
// connection is closed and a Forbidden error returned, which is what
// backs the CLI's `connect <pubkey@host:port>` identity pinning. A dial
// that reaches an already-connected peer (or the local node itself)
// reuses the existing state rather than opening a duplicate connection.
func (e *Endpoint) Dial(ctx context.Context, expected identity.NodeID, addr string) (identity.NodeID, error) {
	dialer := net.Dialer{}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return identity.NodeID{}, errs.Wrap(errs.NodeDown, "dialing peer", err)
	}
	peerID, err := handshakeClient(netConn, e.networkSecret, e.localID)
	if err != nil {
		netConn.Close()
		return identity.NodeID{}, err
	}
	if !expected.IsZero() && expected != peerID {
		netConn.Close()
		return identity.NodeID{}, errs.New(errs.Forbidden, "peer identity does not match the expected public key")
	}
	if peerID == e.localID {
		netConn.Close()
		return peerID, nil
	}
	if _, ok := e.connFor(peerID); ok {
		netConn.Close()
		return peerID, nil
	}

	c := &connection{peerID: peerID, conn: netConn, pending: make(map[[16]byte]chan pendingResult)}
	e.register(c)
	go e.readLoop(c)
	return peerID, nil
}

// Connected reports whether a live connection to peerID exists.
func (e *Endpoint) Connected(peerID identity.NodeID) bool {
	_, ok := e.connFor(peerID)
	return ok
}

func (e *Endpoint) readLoop(c *connection) {
	defer func() {
		c.conn.Close()
		e.mu.Lock()
		if e.conns[c.peerID] == c {
			delete(e.conns, c.peerID)
		}
		e.mu.Unlock()
	}()

	var fireAndForget [16]byte
	for {
		_, payload, err := readFrame(c.conn)
		if err != nil {
			return
		}
		correlationID, msg, err := decodeEnvelope(payload)
		if err != nil {
			e.logger.Warn().Err(err).Msg("dropping malformed rpc frame")
			continue
		}

		if c.resolvePending(correlationID, pendingResult{msg: msg}) {
			continue
		}

		reply, err := e.handler.Handle(c.peerID, c.conn.RemoteAddr(), msg)
		if err != nil {
			e.logger.Warn().Err(err).Str("kind", msg.Kind().String()).Msg("handler returned error")
			continue
		}
		// Broadcast frames carry a zero correlation id and expect no
		// reply; answering one would start a reply-to-the-reply loop
		// between the two endpoints.
		if reply == nil || correlationID == fireAndForget {
			continue
		}
		if sendErr := c.send(PriorityNormal, correlationID, reply); sendErr != nil {
			e.logger.Warn().Err(sendErr).Msg("failed to send rpc reply")
			return
		}
	}
}

// connFor returns the connection registered for peerID, if any.
func (e *Endpoint) connFor(peerID identity.NodeID) (*connection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[peerID]
	return c, ok
}

// Call sends msg to peerID and waits for a response or ctx's deadline.
func (e *Endpoint) Call(ctx context.Context, peerID identity.NodeID, priority Priority, msg Message) (Message, error) {
	start := time.Now()
	reply, err := e.call(ctx, peerID, priority, msg)
	if e.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		kind := msg.Kind().String()
		e.metrics.RPCCallsTotal.WithLabelValues(kind, outcome).Inc()
		e.metrics.RPCCallDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return reply, err
}

func (e *Endpoint) call(ctx context.Context, peerID identity.NodeID, priority Priority, msg Message) (Message, error) {
	c, ok := e.connFor(peerID)
	if !ok {
		return nil, errs.New(errs.NodeDown, "no connection to peer")
	}

	correlationID := uuid.New()
	var idBytes [16]byte
	copy(idBytes[:], correlationID[:])

	resultCh := c.registerPending(idBytes)
	if err := c.send(priority, idBytes, msg); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, idBytes)
		c.pendingMu.Unlock()
		return nil, errs.New(errs.RpcTimeout, "rpc call timed out")
	}
}

// Broadcast sends msg to every currently connected peer without
// waiting for a response, used for AdvertiseStatus and
// AdvertiseClusterLayout gossip.
func (e *Endpoint) Broadcast(priority Priority, msg Message) {
	e.mu.RLock()
	conns := make([]*connection, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.RUnlock()

	for _, c := range conns {
		go func(c *connection) {
			if err := c.send(priority, [16]byte{}, msg); err != nil {
				e.logger.Debug().Err(err).Msg("broadcast send failed")
			}
		}(c)
	}
}

// quorumFor is the number of successful responses CallQuorum needs,
// the smallest majority of a replication factor of rf.
func quorumFor(rf int) int {
	return rf/2 + 1
}

// CallQuorum sends msg to every peer in peerIDs and waits until either
// enough have responded successfully to reach quorum for replication
// factor rf, or so many have errored that quorum can no longer be
// reached, returning errs.TooManyErrors in that case.
func (e *Endpoint) CallQuorum(ctx context.Context, peerIDs []identity.NodeID, rf int, priority Priority, msg Message) ([]Message, error) {
	need := quorumFor(rf)
	type outcome struct {
		msg Message
		err error
	}
	results := make(chan outcome, len(peerIDs))

	for _, id := range peerIDs {
		id := id
		go func() {
			res, err := e.Call(ctx, id, priority, msg)
			results <- outcome{msg: res, err: err}
		}()
	}

	var successes []Message
	var failures []string
	for i := 0; i < len(peerIDs); i++ {
		select {
		case o := <-results:
			if o.err != nil {
				failures = append(failures, o.err.Error())
				if len(peerIDs)-len(failures) < need {
					return nil, errs.Wrap(errs.TooManyErrors, "quorum unreachable", joinErrors(failures))
				}
				continue
			}
			successes = append(successes, o.msg)
			if len(successes) >= need {
				return successes, nil
			}
		case <-ctx.Done():
			return nil, errs.New(errs.RpcTimeout, "quorum call timed out")
		}
	}

	if len(successes) >= need {
		return successes, nil
	}
	return nil, errs.Wrap(errs.TooManyErrors, "quorum unreachable", joinErrors(failures))
}

func joinErrors(msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}
	combined := msgs[0]
	for _, m := range msgs[1:] {
		combined += "; " + m
	}
	return &joinedError{combined}
}

type joinedError struct{ s string }

func (e *joinedError) Error() string { return e.s }

// Close closes every live connection and stops the listener.
func (e *Endpoint) Close() error {
	if e.listener != nil {
		e.listener.Close()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, c := range e.conns {
		c.conn.Close()
		delete(e.conns, id)
	}
	return nil
}

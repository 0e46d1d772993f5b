// Package peer implements the in-memory table of known peers and their
// liveness, independent of how they were discovered or how they are
// pinged. An update is "new" either because the node id wasn't known
// before, or because it was known at a different address (the node
// restarted somewhere else and needs to be re-greeted).
package peer

import (
	"sync"
	"time"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
)

// Entry is one peer's known state. Addr is the peer's dialable
// "host:port" address as it advertised it, not the ephemeral source
// address of an inbound connection. A zero LastSeen means the peer was
// loaded from the persisted peer list and has not been contacted yet
// this run; such entries are never reported live.
type Entry struct {
	ID               identity.NodeID
	Addr             string
	Hostname         string
	LastSeen         time.Time
	ConsecutiveFails int
}

// IsUp reports whether the peer has been contacted this run and hasn't
// missed a ping since.
func (e Entry) IsUp() bool {
	return e.ConsecutiveFails == 0 && !e.LastSeen.IsZero()
}

// Table is a thread-safe map of known peers, keyed by NodeID.
type Table struct {
	mu             sync.RWMutex
	peers          map[identity.NodeID]*Entry
	maxFailedPings int
}

// NewTable returns an empty peer table that evicts a peer after
// maxFailedPings consecutive ping failures.
func NewTable(maxFailedPings int) *Table {
	return &Table{
		peers:          make(map[identity.NodeID]*Entry),
		maxFailedPings: maxFailedPings,
	}
}

// InsertOrUpdate records a successful contact with a peer, resetting
// its failure count. It returns isNew=true if the peer was previously
// unknown, or previously known at a different address. An empty addr
// or hostname leaves the existing value in place, so a contact that
// doesn't carry the peer's dialable address (e.g. an inbound ping)
// doesn't erase one learned earlier.
func (t *Table) InsertOrUpdate(id identity.NodeID, addr, hostname string) (isNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.peers[id]
	if !ok {
		t.peers[id] = &Entry{ID: id, Addr: addr, Hostname: hostname, LastSeen: time.Now()}
		return true
	}

	addrChanged := addr != "" && existing.Addr != addr
	if addr != "" {
		existing.Addr = addr
	}
	if hostname != "" {
		existing.Hostname = hostname
	}
	existing.LastSeen = time.Now()
	existing.ConsecutiveFails = 0
	return addrChanged
}

// Seed records a peer loaded from the persisted peer list without
// marking it live: LastSeen stays zero until a real contact succeeds.
// A peer already in the table is left untouched.
func (t *Table) Seed(id identity.NodeID, addr, hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	t.peers[id] = &Entry{ID: id, Addr: addr, Hostname: hostname}
}

// RecordFailure increments a peer's consecutive failure count and
// reports whether it has now reached maxFailedPings and been evicted.
// If the peer is unknown, RecordFailure is a no-op that reports false.
func (t *Table) RecordFailure(id identity.NodeID) (evicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.peers[id]
	if !ok {
		return false
	}
	entry.ConsecutiveFails++
	if entry.ConsecutiveFails >= t.maxFailedPings {
		delete(t.peers, id)
		return true
	}
	return false
}

// Remove evicts a peer unconditionally, e.g. on an explicit removal
// from the cluster layout.
func (t *Table) Remove(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, id)
}

// Get returns a copy of a peer's entry, if known.
func (t *Table) Get(id identity.NodeID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.peers[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns a snapshot of all known peers.
func (t *Table) List() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.peers))
	for _, entry := range t.peers {
		out = append(out, *entry)
	}
	return out
}

// LiveCount reports how many known peers are up.
func (t *Table) LiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	live := 0
	for _, entry := range t.peers {
		if entry.IsUp() {
			live++
		}
	}
	return live
}

// Len reports the number of known peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

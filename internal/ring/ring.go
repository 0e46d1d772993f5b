// Package ring builds a deterministic token ring from a committed
// cluster layout and walks it to pick a zone-diverse set of replicas
// for a given key. Every node with a capacity-bearing role contributes
// virtual tokens in proportion to that capacity; routing is a walk
// from the key's position that prefers nodes in zones not yet used.
package ring

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/aankur/Deuxfleurs-garage/internal/identity"
	"github.com/aankur/Deuxfleurs-garage/internal/layout"
)

// tokensPerCapacityUnit controls ring resolution: each node gets
// roughly Capacity/tokensPerCapacityUnit tokens, with a floor of one so
// every node with nonzero capacity is represented at least once.
const tokensPerCapacityUnit = 1 << 20

// Entry is one token's position on the ring.
type Entry struct {
	Position [sha256.Size]byte
	Node     identity.NodeID
	Zone     string
}

// Ring is the built, sorted set of token positions for the currently
// committed layout. It is immutable once built; a new layout version
// produces a new Ring rather than mutating this one.
type Ring struct {
	LayoutVersion uint64
	Entries       []Entry
	Zones         map[string]struct{}
}

// Build derives a Ring from a committed cluster layout. Pure: calling
// it twice on equal input produces byte-identical output, which is
// what lets every node compute the same ring independently once
// layouts converge. Roles with zero capacity (gateways) get no tokens.
func Build(l *layout.ClusterLayout) *Ring {
	r := &Ring{
		LayoutVersion: l.Version,
		Zones:         make(map[string]struct{}),
	}

	ids := make([]identity.NodeID, 0, len(l.Roles))
	for id, entry := range l.Roles {
		if entry.Role != nil && entry.Role.Capacity > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	for _, id := range ids {
		role := l.Roles[id].Role
		r.Zones[role.Zone] = struct{}{}
		tokenCount := int(role.Capacity / tokensPerCapacityUnit)
		if tokenCount < 1 {
			tokenCount = 1
		}
		for i := 0; i < tokenCount; i++ {
			r.Entries = append(r.Entries, Entry{
				Position: tokenPosition(id, i),
				Node:     id,
				Zone:     role.Zone,
			})
		}
	}

	sort.Slice(r.Entries, func(i, j int) bool {
		a, b := r.Entries[i].Position, r.Entries[j].Position
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})

	return r
}

func tokenPosition(id identity.NodeID, tokenIndex int) [sha256.Size]byte {
	h := sha256.New()
	h.Write(id.Bytes())
	h.Write([]byte("token"))
	var idxBytes [8]byte
	binary.BigEndian.PutUint64(idxBytes[:], uint64(tokenIndex))
	h.Write(idxBytes[:])
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// keyPosition hashes an arbitrary routing key to a ring position the
// same way a node's tokens are hashed, so Walk can locate the first
// token at or after it.
func keyPosition(key []byte) [sha256.Size]byte {
	h := sha256.Sum256(key)
	return h
}

// Walk returns up to n distinct nodes responsible for key, preferring
// zone diversity: it advances around the ring from key's position,
// taking the first token of each not-yet-seen node, and preferring
// nodes whose zone hasn't appeared yet. Once every zone represented in
// the ring has been used at least once (or fewer than n zones exist in
// total), it falls back to filling remaining slots from any
// not-yet-seen node regardless of zone. If n is at least the number of
// distinct nodes in the ring, all nodes are returned.
func (r *Ring) Walk(key []byte, n int) []identity.NodeID {
	if len(r.Entries) == 0 || n <= 0 {
		return nil
	}

	distinctNodes := make(map[identity.NodeID]struct{})
	for _, e := range r.Entries {
		distinctNodes[e.Node] = struct{}{}
	}
	if n >= len(distinctNodes) {
		out := make([]identity.NodeID, 0, len(distinctNodes))
		seen := make(map[identity.NodeID]struct{})
		for _, e := range r.Entries {
			if _, ok := seen[e.Node]; ok {
				continue
			}
			seen[e.Node] = struct{}{}
			out = append(out, e.Node)
		}
		return out
	}

	pos := keyPosition(key)
	start := sort.Search(len(r.Entries), func(i int) bool {
		return compare(r.Entries[i].Position, pos) >= 0
	})

	seenNodes := make(map[identity.NodeID]struct{})
	seenZones := make(map[string]struct{})
	result := make([]identity.NodeID, 0, n)

	total := len(r.Entries)
	for i := 0; i < total && len(result) < n; i++ {
		entry := r.Entries[(start+i)%total]
		if _, already := seenNodes[entry.Node]; already {
			continue
		}
		_, zoneUsed := seenZones[entry.Zone]
		if !zoneUsed || len(seenZones) >= len(r.Zones) {
			seenNodes[entry.Node] = struct{}{}
			seenZones[entry.Zone] = struct{}{}
			result = append(result, entry.Node)
		}
	}

	// Diversity-first pass may still leave slots unfilled if the first
	// lap only ever offered nodes whose zone was already used but
	// len(seenZones) had not yet reached len(r.Zones) on that token
	// (e.g. a zone with far more tokens than others). Do a second,
	// diversity-relaxed pass over any remaining not-yet-seen nodes.
	for i := 0; i < total && len(result) < n; i++ {
		entry := r.Entries[(start+i)%total]
		if _, already := seenNodes[entry.Node]; already {
			continue
		}
		seenNodes[entry.Node] = struct{}{}
		result = append(result, entry.Node)
	}

	return result
}

func compare(a, b [sha256.Size]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Package layout implements the cluster layout: the authoritative,
// gossiped assignment of roles (zone + capacity) to nodes, propagated
// by last-writer-wins merge rather than consensus. Operators stage
// edits, review them, and commit them as a new layout version; peers
// converge on the highest version they have seen.
package layout

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/aankur/Deuxfleurs-garage/internal/errs"
	"github.com/aankur/Deuxfleurs-garage/internal/identity"
)

// Hash is a sha256 digest used to break ties between layouts at the
// same version, and to detect staged-vs-committed drift cheaply.
type Hash [sha256.Size]byte

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// NodeRole describes the role a node plays in the ring: which zone it
// belongs to (for diversity) and how much of the ring it should own
// relative to other nodes (capacity).
type NodeRole struct {
	Zone     string
	Capacity uint64
	Tags     []string
}

// Equal reports whether two roles (including nil, meaning "removed")
// are the same.
func (r *NodeRole) Equal(other *NodeRole) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.Zone != other.Zone || r.Capacity != other.Capacity {
		return false
	}
	if len(r.Tags) != len(other.Tags) {
		return false
	}
	for i := range r.Tags {
		if r.Tags[i] != other.Tags[i] {
			return false
		}
	}
	return true
}

// RoleEntry is one LWW-register cell in the roles or staging table: a
// role assignment (nil means the node has been removed) tagged with a
// monotonically increasing counter used to resolve concurrent updates.
type RoleEntry struct {
	Role      *NodeRole
	UpdateTag uint64
}

// ClusterLayout is the full, versioned assignment of roles to nodes,
// plus a staging area for edits not yet committed.
type ClusterLayout struct {
	Version           uint64
	ReplicationFactor int
	Roles             map[identity.NodeID]RoleEntry
	Staging           map[identity.NodeID]RoleEntry
	StagingHash       Hash
}

// New returns an empty layout for a cluster with the given replication
// factor.
func New(replicationFactor int) *ClusterLayout {
	l := &ClusterLayout{
		ReplicationFactor: replicationFactor,
		Roles:             make(map[identity.NodeID]RoleEntry),
		Staging:           make(map[identity.NodeID]RoleEntry),
	}
	l.recomputeStagingHash()
	return l
}

// Clone returns a deep copy, so callers can stage edits without
// mutating a shared, published layout.
func (l *ClusterLayout) Clone() *ClusterLayout {
	return &ClusterLayout{
		Version:           l.Version,
		ReplicationFactor: l.ReplicationFactor,
		Roles:             cloneRoles(l.Roles),
		Staging:           cloneRoles(l.Staging),
		StagingHash:       l.StagingHash,
	}
}

// Stage records a pending role assignment (or removal, via role=nil)
// for a node, bumping its update tag so the change wins any concurrent
// merge from a stale peer.
func (l *ClusterLayout) Stage(id identity.NodeID, role *NodeRole) {
	tag := l.Staging[id].UpdateTag + 1
	if existing, ok := l.Roles[id]; ok && existing.UpdateTag >= tag {
		tag = existing.UpdateTag + 1
	}
	l.Staging[id] = RoleEntry{Role: role, UpdateTag: tag}
	l.recomputeStagingHash()
}

// Commit promotes the staged roles into the committed role table and
// bumps the layout version. Committing requires the staging set to be
// non-empty and the resulting layout to pass Check.
func (l *ClusterLayout) Commit() error {
	if len(l.Staging) == 0 {
		return errs.New(errs.BadRequest, "no staged changes to commit")
	}
	candidate := l.Clone()
	for id, entry := range candidate.Staging {
		candidate.Roles[id] = entry
	}
	candidate.Staging = make(map[identity.NodeID]RoleEntry)
	candidate.Version++
	candidate.recomputeStagingHash()

	if err := candidate.Check(); err != nil {
		return err
	}

	*l = *candidate
	return nil
}

// Revert discards all staged, uncommitted edits.
func (l *ClusterLayout) Revert() {
	l.Staging = make(map[identity.NodeID]RoleEntry)
	l.recomputeStagingHash()
}

// Check validates the zone-diversity invariant: for the committed
// roles, no single zone may hold so many of the replication_factor
// slots that losing that zone would make the configured replication
// factor unsatisfiable. Concretely: the number of distinct zones among
// active roles must be at least min(ReplicationFactor, activeNodes),
// matching the walk algorithm's ability to always find RF distinct-zone
// nodes when enough exist.
func (l *ClusterLayout) Check() error {
	zones := make(map[string]int)
	active := 0
	for _, entry := range l.Roles {
		if entry.Role == nil {
			continue
		}
		active++
		zones[entry.Role.Zone]++
	}
	if active == 0 {
		return nil
	}
	want := l.ReplicationFactor
	if active < want {
		want = active
	}
	if len(zones) < want {
		return errs.New(errs.BadRequest,
			fmt.Sprintf("layout has only %d distinct zones, need %d for replication factor %d",
				len(zones), want, l.ReplicationFactor))
	}
	return nil
}

// RolesHash hashes the committed roles table the same way
// recomputeStagingHash hashes Staging, for use as the equal-version
// merge tie-break.
func (l *ClusterLayout) RolesHash() Hash {
	ids := make([]identity.NodeID, 0, len(l.Roles))
	for id := range l.Roles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	h := sha256.New()
	for _, id := range ids {
		entry := l.Roles[id]
		fmt.Fprintf(h, "%s %d ", id.String(), entry.UpdateTag)
		if entry.Role == nil {
			fmt.Fprint(h, "removed\n")
			continue
		}
		fmt.Fprintf(h, "%s %d %v\n", entry.Role.Zone, entry.Role.Capacity, entry.Role.Tags)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Merge applies another node's advertised layout via last-writer-wins:
// a higher version adopts the other's roles and version outright; at
// equal versions with differing role tables, the layout with the
// lexicographically greater RolesHash wins, so all nodes converge on
// the same table without a coordination round. Staged edits are always
// unioned, including across a version adoption, so an operator's
// pending edits survive a concurrent commit elsewhere. Returns true if
// the merge changed this layout.
func (l *ClusterLayout) Merge(other *ClusterLayout) bool {
	changed := false
	switch {
	case other.Version > l.Version:
		l.Version = other.Version
		l.Roles = cloneRoles(other.Roles)
		changed = true
	case other.Version == l.Version:
		otherHash, selfHash := other.RolesHash(), l.RolesHash()
		if bytes.Compare(otherHash[:], selfHash[:]) > 0 {
			l.Roles = cloneRoles(other.Roles)
			changed = true
		}
	}
	if l.mergeStaging(other) {
		changed = true
	}
	return changed
}

func cloneRoles(roles map[identity.NodeID]RoleEntry) map[identity.NodeID]RoleEntry {
	out := make(map[identity.NodeID]RoleEntry, len(roles))
	for id, entry := range roles {
		out[id] = entry
	}
	return out
}

// mergeStaging unions staged edits, keeping on conflict whichever
// entry has the higher UpdateTag, falling back to a lexicographic
// comparison of the encoded role when tags tie.
func (l *ClusterLayout) mergeStaging(other *ClusterLayout) bool {
	changed := false
	for id, entry := range other.Staging {
		existing, ok := l.Staging[id]
		switch {
		case !ok:
			l.Staging[id] = entry
			changed = true
		case entry.UpdateTag > existing.UpdateTag:
			l.Staging[id] = entry
			changed = true
		case entry.UpdateTag == existing.UpdateTag && roleLess(existing.Role, entry.Role):
			l.Staging[id] = entry
			changed = true
		}
	}
	if changed {
		l.recomputeStagingHash()
	}
	return changed
}

// roleLess gives a stable total order over role values (nil sorts
// first) for the lexicographic staging tie-break.
func roleLess(a, b *NodeRole) bool {
	if a == nil || b == nil {
		return a == nil && b != nil
	}
	af := fmt.Sprintf("%s %d %v", a.Zone, a.Capacity, a.Tags)
	bf := fmt.Sprintf("%s %d %v", b.Zone, b.Capacity, b.Tags)
	return af < bf
}

// recomputeStagingHash derives StagingHash from the staged entries
// using a canonical, sorted byte encoding rather than gob, since gob's
// wire form is not guaranteed stable across equivalent encodes and
// therefore cannot be hashed directly.
func (l *ClusterLayout) recomputeStagingHash() {
	ids := make([]identity.NodeID, 0, len(l.Staging))
	for id := range l.Staging {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	h := sha256.New()
	for _, id := range ids {
		entry := l.Staging[id]
		fmt.Fprintf(h, "%s %d ", id.String(), entry.UpdateTag)
		if entry.Role == nil {
			fmt.Fprint(h, "removed\n")
			continue
		}
		fmt.Fprintf(h, "%s %d %v\n", entry.Role.Zone, entry.Role.Capacity, entry.Role.Tags)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	l.StagingHash = out
}

// Encode produces the persisted, self-describing gob form of the
// layout.
func (l *ClusterLayout) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(l); err != nil {
		return nil, errs.Wrap(errs.Io, "encoding cluster layout", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the gob form produced by Encode.
func Decode(data []byte) (*ClusterLayout, error) {
	var l ClusterLayout
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&l); err != nil {
		return nil, errs.Wrap(errs.CorruptData, "decoding cluster layout", err)
	}
	if l.Roles == nil {
		l.Roles = make(map[identity.NodeID]RoleEntry)
	}
	if l.Staging == nil {
		l.Staging = make(map[identity.NodeID]RoleEntry)
	}
	return &l, nil
}

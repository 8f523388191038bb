package model

import "fmt"

// VNode is a partition of the shard key space, independently assignable to a node
type VNode int

// NoOwner is the distinguished result for a vnode without a live owner
const NoOwner NodeID = ""

// RingVersion orders ring snapshots. Versions published under a higher leader
// term always supersede those of a lower term.
type RingVersion struct {
	Term uint64 `json:"term"`
	Seq  uint64 `json:"seq"`
}

// Less reports whether v is older than other
func (v RingVersion) Less(other RingVersion) bool {
	if v.Term != other.Term {
		return v.Term < other.Term
	}
	return v.Seq < other.Seq
}

// IsZero reports whether no ring has been published yet
func (v RingVersion) IsZero() bool {
	return v.Term == 0 && v.Seq == 0
}

func (v RingVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Term, v.Seq)
}

// RingSnapshot is one immutable version of the vnode-to-node assignment.
// Once published a snapshot is never edited; the next version is a clone.
type RingSnapshot struct {
	Version RingVersion `json:"version"`
	Owners  []NodeID    `json:"owners"`
}

// NewRingSnapshot creates an unassigned snapshot for vnodeCount vnodes
func NewRingSnapshot(vnodeCount int) *RingSnapshot {
	return &RingSnapshot{Owners: make([]NodeID, vnodeCount)}
}

// Owner returns the owner of vnode, or NoOwner when out of range
func (s *RingSnapshot) Owner(vnode VNode) NodeID {
	if s == nil || int(vnode) < 0 || int(vnode) >= len(s.Owners) {
		return NoOwner
	}
	return s.Owners[vnode]
}

// Clone returns a deep copy with the same version
func (s *RingSnapshot) Clone() *RingSnapshot {
	owners := make([]NodeID, len(s.Owners))
	copy(owners, s.Owners)
	return &RingSnapshot{Version: s.Version, Owners: owners}
}

// CountByNode returns the number of vnodes each node owns
func (s *RingSnapshot) CountByNode() map[NodeID]int {
	counts := make(map[NodeID]int)
	for _, owner := range s.Owners {
		if owner != NoOwner {
			counts[owner]++
		}
	}
	return counts
}

// VNodesOf returns the vnodes owned by node, in ascending order
func (s *RingSnapshot) VNodesOf(node NodeID) []VNode {
	var vnodes []VNode
	for i, owner := range s.Owners {
		if owner == node {
			vnodes = append(vnodes, VNode(i))
		}
	}
	return vnodes
}

package rebalance

import (
	"sort"

	"github.com/devrev/shardroute/internal/model"
)

// Policy computes the target vnode assignment for a set of live nodes.
// Implementations must be deterministic.
type Policy interface {
	Name() string
	// Target returns the owner of every vnode. live is sorted and non-empty
	// unless the whole cluster is gone.
	Target(current *model.RingSnapshot, live []model.NodeID, vnodeCount int) []model.NodeID
}

// Diff returns the move-orders that turn current into target, in vnode
// order. Vnodes whose target is NoOwner are left alone.
func Diff(current *model.RingSnapshot, target []model.NodeID) []model.MoveOrder {
	var moves []model.MoveOrder
	for i, to := range target {
		vnode := model.VNode(i)
		from := current.Owner(vnode)
		if to == model.NoOwner || to == from {
			continue
		}
		moves = append(moves, model.MoveOrder{VNode: vnode, From: from, To: to})
	}
	return moves
}

// MinimalMovePolicy balances vnodes so node counts differ by at most one
// while moving as few vnodes as possible. A vnode stays put while its owner
// is live and under quota; the rest go to the node with the largest
// deficit, ties broken by lowest id.
type MinimalMovePolicy struct{}

// Name implements Policy
func (MinimalMovePolicy) Name() string { return "minimal_move" }

// Target implements Policy
func (MinimalMovePolicy) Target(current *model.RingSnapshot, live []model.NodeID, vnodeCount int) []model.NodeID {
	target := make([]model.NodeID, vnodeCount)
	if len(live) == 0 {
		return target
	}

	isLive := make(map[model.NodeID]bool, len(live))
	for _, id := range live {
		isLive[id] = true
	}

	// Nodes already holding the most vnodes get the remainder slots, so
	// they give up as little as possible
	held := make(map[model.NodeID]int, len(live))
	for i := 0; i < vnodeCount; i++ {
		if owner := current.Owner(model.VNode(i)); isLive[owner] {
			held[owner]++
		}
	}
	ranked := append([]model.NodeID(nil), live...)
	sort.Slice(ranked, func(i, j int) bool {
		if held[ranked[i]] != held[ranked[j]] {
			return held[ranked[i]] > held[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})

	base, extra := vnodeCount/len(live), vnodeCount%len(live)
	quota := make(map[model.NodeID]int, len(live))
	for i, id := range ranked {
		quota[id] = base
		if i < extra {
			quota[id]++
		}
	}

	assigned := make(map[model.NodeID]int, len(live))
	var orphans []int
	for i := 0; i < vnodeCount; i++ {
		owner := current.Owner(model.VNode(i))
		if isLive[owner] && assigned[owner] < quota[owner] {
			target[i] = owner
			assigned[owner]++
			continue
		}
		orphans = append(orphans, i)
	}

	for _, i := range orphans {
		best := model.NoOwner
		bestDeficit := 0
		for _, id := range live {
			deficit := quota[id] - assigned[id]
			if best == model.NoOwner || deficit > bestDeficit {
				best, bestDeficit = id, deficit
			}
		}
		target[i] = best
		assigned[best]++
	}
	return target
}

// SingleNodePolicy places every vnode on one node: the current owner of
// vnode 0 while it is live, otherwise the lowest live id
type SingleNodePolicy struct{}

// Name implements Policy
func (SingleNodePolicy) Name() string { return "single_node" }

// Target implements Policy
func (SingleNodePolicy) Target(current *model.RingSnapshot, live []model.NodeID, vnodeCount int) []model.NodeID {
	target := make([]model.NodeID, vnodeCount)
	if len(live) == 0 {
		return target
	}

	owner := live[0]
	if holder := current.Owner(0); holder != model.NoOwner {
		for _, id := range live {
			if id == holder {
				owner = holder
				break
			}
		}
	}
	for i := range target {
		target[i] = owner
	}
	return target
}

// PolicyByName returns the policy registered under name
func PolicyByName(name string) (Policy, bool) {
	switch name {
	case "", MinimalMovePolicy{}.Name():
		return MinimalMovePolicy{}, true
	case SingleNodePolicy{}.Name():
		return SingleNodePolicy{}, true
	default:
		return nil, false
	}
}

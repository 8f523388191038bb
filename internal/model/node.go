package model

import "time"

// NodeID identifies a cluster node. Node ids are totally ordered by string
// comparison, which the election relies on.
type NodeID string

// Node represents a cluster member as reported by the membership feed
type Node struct {
	ID    NodeID    `json:"id"`
	Addr  string    `json:"addr"`
	State NodeState `json:"state"`
}

// NodeState represents the liveness of a node
type NodeState string

const (
	// NodeStateUp indicates the node is a live member
	NodeStateUp NodeState = "up"
	// NodeStateDown indicates the node left or was declared dead
	NodeStateDown NodeState = "down"
	// NodeStateSuspect indicates the feed has doubts but has not removed the node
	NodeStateSuspect NodeState = "suspect"
)

// MembershipEventType represents the kind of membership change
type MembershipEventType string

const (
	// MembershipUp is emitted when a node joins
	MembershipUp MembershipEventType = "up"
	// MembershipDown is emitted when a node leaves or fails
	MembershipDown MembershipEventType = "down"
)

// MembershipEvent is a single node-joined / node-left notification
type MembershipEvent struct {
	Type MembershipEventType
	Node Node
	At   time.Time
}

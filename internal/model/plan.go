package model

import "time"

// TermStatus represents the status of a leader term
type TermStatus string

const (
	// TermStatusActive indicates the leader holds rebalance authority
	TermStatusActive TermStatus = "active"
	// TermStatusHandingOff indicates the leader is stepping down
	TermStatusHandingOff TermStatus = "handing_off"
)

// LeaderTerm is an epoch during which one node holds exclusive rebalance authority
type LeaderTerm struct {
	Leader NodeID     `json:"leader"`
	Term   uint64     `json:"term"`
	Status TermStatus `json:"status"`
}

// PlanState represents the state of a rebalance plan
type PlanState string

const (
	// PlanStateIdle indicates no plan is running
	PlanStateIdle PlanState = "idle"
	// PlanStateProposed indicates the plan was computed and announced
	PlanStateProposed PlanState = "proposed"
	// PlanStateInProgress indicates move-orders are being issued
	PlanStateInProgress PlanState = "in_progress"
	// PlanStateCompleted indicates every move-order was acknowledged
	PlanStateCompleted PlanState = "completed"
	// PlanStateAborted indicates the plan was abandoned
	PlanStateAborted PlanState = "aborted"
)

// MoveOrder transfers ownership (and state) of one vnode
type MoveOrder struct {
	VNode VNode  `json:"vnode"`
	From  NodeID `json:"from"`
	To    NodeID `json:"to"`
}

// RebalancePlan is an ordered sequence of move-orders owned by one leader term
type RebalancePlan struct {
	PlanID     string      `json:"plan_id"`
	Term       uint64      `json:"term"`
	Leader     NodeID      `json:"leader"`
	Moves      []MoveOrder `json:"moves"`
	State      PlanState   `json:"state"`
	Reason     string      `json:"reason,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the plan reached completed or aborted
func (p *RebalancePlan) IsTerminal() bool {
	return p.State == PlanStateCompleted || p.State == PlanStateAborted
}

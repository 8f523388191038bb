// Package store persists coordination metadata: the last applied ring
// snapshot and the history of rebalance plans.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/devrev/shardroute/internal/model"
)

// ErrNotFound is returned when a plan does not exist
var ErrNotFound = errors.New("not found")

// RingStore persists the latest applied ring snapshot of a node
type RingStore interface {
	// SaveRing stores snapshot unless a newer version is already stored
	SaveRing(ctx context.Context, snapshot *model.RingSnapshot) error
	// LoadRing returns the stored snapshot, or nil when none exists
	LoadRing(ctx context.Context) (*model.RingSnapshot, error)
	Close() error
}

// PlanStore records rebalance plans and their outcomes
type PlanStore interface {
	SavePlan(ctx context.Context, plan *model.RebalancePlan) error
	UpdatePlanState(ctx context.Context, planID string, state model.PlanState, reason string, finishedAt *time.Time) error
	GetPlan(ctx context.Context, planID string) (*model.RebalancePlan, error)
	// ListPlans returns up to limit plans, newest first
	ListPlans(ctx context.Context, limit int) ([]*model.RebalancePlan, error)
	Close() error
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/model"
)

// MemoryRingStore keeps the ring snapshot in process memory
type MemoryRingStore struct {
	mu       sync.RWMutex
	snapshot *model.RingSnapshot
}

// NewMemoryRingStore creates an empty in-memory ring store
func NewMemoryRingStore() *MemoryRingStore {
	return &MemoryRingStore{}
}

// SaveRing implements RingStore
func (s *MemoryRingStore) SaveRing(_ context.Context, snapshot *model.RingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil && !s.snapshot.Version.Less(snapshot.Version) {
		return nil
	}
	s.snapshot = snapshot.Clone()
	return nil
}

// LoadRing implements RingStore
func (s *MemoryRingStore) LoadRing(_ context.Context) (*model.RingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return nil, nil
	}
	return s.snapshot.Clone(), nil
}

// Close implements RingStore
func (s *MemoryRingStore) Close() error {
	return nil
}

// MemoryPlanStore keeps plans in process memory
type MemoryPlanStore struct {
	mu    sync.RWMutex
	plans map[string]*model.RebalancePlan
	order []string
}

// NewMemoryPlanStore creates an empty in-memory plan store
func NewMemoryPlanStore() *MemoryPlanStore {
	return &MemoryPlanStore{
		plans: make(map[string]*model.RebalancePlan),
	}
}

// SavePlan implements PlanStore
func (s *MemoryPlanStore) SavePlan(_ context.Context, plan *model.RebalancePlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.PlanID]; !exists {
		s.order = append(s.order, plan.PlanID)
	}
	s.plans[plan.PlanID] = clonePlan(plan)
	return nil
}

// UpdatePlanState implements PlanStore
func (s *MemoryPlanStore) UpdatePlanState(_ context.Context, planID string, state model.PlanState, reason string, finishedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planID]
	if !ok {
		return ErrNotFound
	}
	plan.State = state
	plan.Reason = reason
	plan.FinishedAt = finishedAt
	return nil
}

// GetPlan implements PlanStore
func (s *MemoryPlanStore) GetPlan(_ context.Context, planID string) (*model.RebalancePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlan(plan), nil
}

// ListPlans implements PlanStore
func (s *MemoryPlanStore) ListPlans(_ context.Context, limit int) ([]*model.RebalancePlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plans := make([]*model.RebalancePlan, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(plans) == limit {
			break
		}
		plans = append(plans, clonePlan(s.plans[s.order[i]]))
	}
	return plans, nil
}

// Close implements PlanStore
func (s *MemoryPlanStore) Close() error {
	return nil
}

func clonePlan(plan *model.RebalancePlan) *model.RebalancePlan {
	out := *plan
	out.Moves = append([]model.MoveOrder(nil), plan.Moves...)
	if plan.FinishedAt != nil {
		finished := *plan.FinishedAt
		out.FinishedAt = &finished
	}
	return &out
}

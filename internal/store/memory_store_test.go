package store

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(term, seq uint64, owners ...model.NodeID) *model.RingSnapshot {
	return &model.RingSnapshot{
		Version: model.RingVersion{Term: term, Seq: seq},
		Owners:  owners,
	}
}

func TestMemoryRingStore_LoadEmpty(t *testing.T) {
	s := NewMemoryRingStore()

	loaded, err := s.LoadRing(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMemoryRingStore_SaveRing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRingStore()

	require.NoError(t, s.SaveRing(ctx, snapshot(1, 2, "a", "b")))
	// Older versions never overwrite newer ones
	require.NoError(t, s.SaveRing(ctx, snapshot(1, 1, "b", "b")))

	loaded, err := s.LoadRing(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RingVersion{Term: 1, Seq: 2}, loaded.Version)
	assert.Equal(t, []model.NodeID{"a", "b"}, loaded.Owners)

	require.NoError(t, s.SaveRing(ctx, snapshot(2, 1, "c", "c")))
	loaded, err = s.LoadRing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.NodeID{"c", "c"}, loaded.Owners)
}

func TestMemoryRingStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRingStore()

	saved := snapshot(1, 1, "a")
	require.NoError(t, s.SaveRing(ctx, saved))
	saved.Owners[0] = "z"

	loaded, err := s.LoadRing(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.NodeID("a"), loaded.Owners[0])
}

func TestMemoryPlanStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPlanStore()

	plan := &model.RebalancePlan{
		PlanID:    "plan-1",
		Term:      3,
		Leader:    "a",
		Moves:     []model.MoveOrder{{VNode: 1, From: "b", To: "a"}},
		State:     model.PlanStateProposed,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SavePlan(ctx, plan))

	finished := time.Now()
	require.NoError(t, s.UpdatePlanState(ctx, "plan-1", model.PlanStateAborted, "handoff timeout", &finished))

	got, err := s.GetPlan(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, model.PlanStateAborted, got.State)
	assert.Equal(t, "handoff timeout", got.Reason)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.IsTerminal())
	assert.Len(t, got.Moves, 1)

	// The stored plan is not shared with the caller
	assert.Equal(t, model.PlanStateProposed, plan.State)
}

func TestMemoryPlanStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPlanStore()

	_, err := s.GetPlan(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.UpdatePlanState(ctx, "missing", model.PlanStateCompleted, "", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPlanStore_ListPlans(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPlanStore()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, s.SavePlan(ctx, &model.RebalancePlan{PlanID: id, State: model.PlanStateProposed}))
	}

	plans, err := s.ListPlans(ctx, 2)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "p3", plans[0].PlanID)
	assert.Equal(t, "p2", plans[1].PlanID)

	all, err := s.ListPlans(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRingKey(t *testing.T) {
	assert.Equal(t, "shardroute:orders:ring:node-1", RingKey("orders", "node-1"))
}

// Package rebalance moves vnodes between nodes when membership changes.
//
// The Orchestrator runs on every node but only acts while its node leads a
// term. It computes a plan from the current ring and the live members,
// announces it, and issues one hand-off per move: the source exports the
// vnode's module state straight to the destination, which imports it and
// acknowledges to the leader. Each acknowledged move is published as the
// next ring version on its own, so an interrupted plan leaves every vnode at
// its last acknowledged owner. A failed plan is aborted and a fresh one is
// computed from whatever state the cluster is in by then.
//
// The Participant handles the receiving side of the protocol on every node.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/devrev/shardroute/internal/store"
	"github.com/devrev/shardroute/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	handoffMethod = "rebalance.handoff"
	syncMethod    = "rebalance.sync"
	storeTimeout  = 5 * time.Second
)

// errSuperseded stops a run whose term is no longer held
var errSuperseded = errors.New("leadership superseded")

// Authority is the slice of the elector the orchestrator depends on
type Authority interface {
	BeginPlan(term uint64, planID string) bool
	EndPlan(planID string)
	IsLeader(term uint64) bool
	Members() []model.NodeID
}

// Config holds orchestrator configuration
type Config struct {
	NodeID           model.NodeID
	HandoffTimeout   time.Duration
	HandoffRetries   int
	Parallelism      int
	MaxReproposals   int
	ReproposeBackoff time.Duration
	// SyncTimeout bounds how long a new plan waits for peers to report
	// their ring
	SyncTimeout time.Duration
	Policy      Policy
}

// run is one leadership term's sequence of plans
type run struct {
	term   uint64
	cancel context.CancelFunc
	done   chan struct{}
	prev   *run
}

// Orchestrator drives rebalance plans while the local node leads
type Orchestrator struct {
	cfg       Config
	ring      *ring.Ring
	calls     *pending.Registry
	transport transport.Transport
	authority Authority
	plans     store.PlanStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  *run
	dirty   bool
	current *model.RebalancePlan

	publishMu sync.Mutex

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewOrchestrator creates an orchestrator. Acknowledgements are resolved
// through calls, which the Participant shares.
func NewOrchestrator(
	cfg *Config,
	r *ring.Ring,
	calls *pending.Registry,
	t transport.Transport,
	authority Authority,
	plans store.PlanStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = 5 * time.Second
	}
	if cfg.HandoffRetries <= 0 {
		cfg.HandoffRetries = 3
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.MaxReproposals <= 0 {
		cfg.MaxReproposals = 3
	}
	if cfg.ReproposeBackoff <= 0 {
		cfg.ReproposeBackoff = 500 * time.Millisecond
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = time.Second
	}
	if cfg.Policy == nil {
		cfg.Policy = MinimalMovePolicy{}
	}
	if plans == nil {
		plans = store.NewMemoryPlanStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       *cfg,
		ring:      r,
		calls:     calls,
		transport: t,
		authority: authority,
		plans:     plans,
		ctx:       ctx,
		cancel:    cancel,
		metrics:   m,
		logger:    logger,
	}
}

// Elected implements election.Listener
func (o *Orchestrator) Elected(term uint64, live []model.NodeID) {
	o.logger.Info("Starting rebalance for new term",
		zap.Uint64("term", term),
		zap.Int("live_nodes", len(live)))
	o.start(term)
}

// MembershipChanged implements election.Listener. A running plan is left to
// finish and a fresh one follows it.
func (o *Orchestrator) MembershipChanged(term uint64, live []model.NodeID) {
	o.mu.Lock()
	if o.active != nil && o.active.term == term {
		o.dirty = true
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.start(term)
}

// SteppedDown implements election.Listener
func (o *Orchestrator) SteppedDown(term uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.term == term {
		o.logger.Info("Stopping rebalance after step-down", zap.Uint64("term", term))
		o.active.cancel()
	}
}

// CurrentPlan returns a copy of the most recent plan of this node, or nil
func (o *Orchestrator) CurrentPlan() *model.RebalancePlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil
	}
	plan := *o.current
	plan.Moves = append([]model.MoveOrder(nil), o.current.Moves...)
	return &plan
}

// Plans returns recorded plans, newest first
func (o *Orchestrator) Plans(ctx context.Context, limit int) ([]*model.RebalancePlan, error) {
	return o.plans.ListPlans(ctx, limit)
}

// Stop cancels any running plan and waits for it to finish aborting
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) start(term uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		return
	}

	prev := o.active
	if prev != nil {
		prev.cancel()
	}
	ctx, cancel := context.WithCancel(o.ctx)
	r := &run{term: term, cancel: cancel, done: make(chan struct{}), prev: prev}
	o.active = r
	o.dirty = false

	o.wg.Add(1)
	go o.loop(ctx, r)
}

// loop executes plans for one term until the ring matches membership, the
// term ends, or re-proposals are exhausted
func (o *Orchestrator) loop(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()

	if r.prev != nil {
		<-r.prev.done
		r.prev = nil
	}

	failures := 0
	for ctx.Err() == nil {
		err := o.execute(ctx, r.term)
		switch {
		case err == nil:
			failures = 0
		case errors.Is(err, errSuperseded) || ctx.Err() != nil:
			o.settle(r)
			return
		default:
			failures++
			if failures <= o.cfg.MaxReproposals {
				o.logger.Warn("Rebalance plan failed, proposing a fresh plan",
					zap.Uint64("term", r.term),
					zap.Int("attempt", failures),
					zap.Error(err))
				select {
				case <-time.After(o.cfg.ReproposeBackoff):
				case <-ctx.Done():
				}
				continue
			}
			o.logger.Error("Giving up on rebalance until membership changes",
				zap.Uint64("term", r.term),
				zap.Error(err))
		}
		if !o.settle(r) {
			return
		}
		failures = 0
	}
	o.settle(r)
}

// settle retires r, unless membership changed while it ran, in which case
// it reports that another plan is needed
func (o *Orchestrator) settle(r *run) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != r {
		return false
	}
	if o.dirty && o.ctx.Err() == nil {
		o.dirty = false
		return true
	}
	o.active = nil
	return false
}

// execute computes and runs one plan
func (o *Orchestrator) execute(ctx context.Context, term uint64) error {
	if !o.authority.IsLeader(term) {
		return errSuperseded
	}

	live := append([]model.NodeID(nil), o.authority.Members()...)
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	// A ring update from the previous leader may not have reached this
	// node; plan from the newest ring any live peer holds
	o.syncRing(ctx, term, live)

	current := o.ring.Snapshot()
	if current != nil && current.Version.Term > term {
		return errSuperseded
	}

	// Nodes that joined since the last publish learn the ring before any
	// move touches them
	if current != nil {
		o.broadcastRing(ctx, term, current, live)
	}

	moves := Diff(current, o.cfg.Policy.Target(current, live, o.ring.VNodeCount()))
	if len(moves) == 0 {
		o.logger.Debug("Ring already balanced",
			zap.Uint64("term", term),
			zap.Int("live_nodes", len(live)))
		return nil
	}

	plan := &model.RebalancePlan{
		PlanID:    uuid.New().String(),
		Term:      term,
		Leader:    o.cfg.NodeID,
		Moves:     moves,
		State:     model.PlanStateProposed,
		CreatedAt: time.Now(),
	}
	if !o.authority.BeginPlan(term, plan.PlanID) {
		return errSuperseded
	}
	defer o.authority.EndPlan(plan.PlanID)

	o.setCurrent(plan)
	o.savePlan(plan)
	o.metrics.RecordPlan(string(model.PlanStateProposed))

	o.logger.Info("Proposed rebalance plan",
		zap.String("plan_id", plan.PlanID),
		zap.Uint64("term", term),
		zap.String("policy", o.cfg.Policy.Name()),
		zap.Int("moves", len(moves)))

	o.broadcast(ctx, term, live, model.EventRebalanceStart, model.RebalanceStart{
		PlanID: plan.PlanID,
		Moves:  moves,
	})
	o.transition(plan, model.PlanStateInProgress, "")

	if err := o.runMoves(ctx, term, plan, live); err != nil {
		o.abort(term, plan, live, err)
		return err
	}

	o.transition(plan, model.PlanStateCompleted, "")
	o.broadcast(ctx, term, live, model.EventRebalanceComplete, model.RebalanceEnd{PlanID: plan.PlanID})

	o.logger.Info("Rebalance plan completed",
		zap.String("plan_id", plan.PlanID),
		zap.Uint64("term", term),
		zap.Stringer("ring_version", o.ring.CurrentVersion()))
	return nil
}

// syncRing asks every live peer for its ring and waits up to SyncTimeout for
// the answers. The Participant publishes any newer ring it receives.
func (o *Orchestrator) syncRing(ctx context.Context, term uint64, live []model.NodeID) {
	syncCtx, cancel := context.WithTimeout(ctx, o.cfg.SyncTimeout)
	defer cancel()

	var calls []*pending.Call
	for _, id := range live {
		if id == o.cfg.NodeID {
			continue
		}
		call := o.calls.Register(id, syncMethod)
		env, err := model.NewEnvelope(model.EventRingSync, o.cfg.NodeID, term, model.RingSync{CorrelationID: call.ID})
		if err == nil {
			err = o.transport.Send(syncCtx, id, env, transport.AckDelivered)
		}
		if err != nil {
			o.calls.Cancel(call.ID, routeerr.DispatchFailed(string(id), err))
		}
		calls = append(calls, call)
	}

	answered := 0
	for _, call := range calls {
		if _, err := call.Wait(syncCtx); err == nil {
			answered++
		}
	}
	if len(calls) > 0 {
		o.logger.Debug("Synced ring from peers",
			zap.Uint64("term", term),
			zap.Int("peers", len(calls)),
			zap.Int("answered", answered),
			zap.Stringer("version", o.ring.CurrentVersion()))
	}
}

func (o *Orchestrator) runMoves(ctx context.Context, term uint64, plan *model.RebalancePlan, live []model.NodeID) error {
	isLive := make(map[model.NodeID]bool, len(live))
	for _, id := range live {
		isLive[id] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Parallelism)
	for _, mv := range plan.Moves {
		mv := mv
		g.Go(func() error {
			return o.executeMove(gctx, term, plan.PlanID, mv, isLive[mv.From])
		})
	}
	return g.Wait()
}

// executeMove hands one vnode to its new owner and publishes the change
// once the destination acknowledges
func (o *Orchestrator) executeMove(ctx context.Context, term uint64, planID string, mv model.MoveOrder, sourceLive bool) error {
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= o.cfg.HandoffRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		call := o.calls.Register(mv.To, handoffMethod)
		if err := o.sendHandoff(ctx, term, planID, call.ID, mv, sourceLive); err != nil {
			o.calls.Cancel(call.ID, routeerr.DispatchFailed(string(mv.From), err))
		}

		waitCtx, cancel := context.WithTimeout(ctx, o.cfg.HandoffTimeout)
		_, err := call.Wait(waitCtx)
		cancel()

		if err == nil {
			return o.publishMove(ctx, term, mv, start)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		o.logger.Warn("Hand-off attempt failed",
			zap.String("plan_id", planID),
			zap.Int("vnode", int(mv.VNode)),
			zap.String("from", string(mv.From)),
			zap.String("to", string(mv.To)),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	o.metrics.RecordMove("timeout", time.Since(start))
	return fmt.Errorf("%w: %v", routeerr.HandoffTimeout(int(mv.VNode), o.cfg.HandoffRetries, time.Since(start)), lastErr)
}

// sendHandoff asks a live source to ship the vnode's state. Without a live
// source there is nothing to ship, so the leader sends empty state straight
// to the destination.
func (o *Orchestrator) sendHandoff(ctx context.Context, term uint64, planID string, correlationID uint64, mv model.MoveOrder, sourceLive bool) error {
	var (
		to  model.NodeID
		env *model.Envelope
		err error
	)
	if sourceLive {
		to = mv.From
		env, err = model.NewEnvelope(model.EventHandoffOrder, o.cfg.NodeID, term, model.HandoffOrder{
			CorrelationID: correlationID,
			PlanID:        planID,
			VNode:         mv.VNode,
			From:          mv.From,
			To:            mv.To,
		})
	} else {
		to = mv.To
		env, err = model.NewEnvelope(model.EventHandoffState, o.cfg.NodeID, term, model.HandoffState{
			CorrelationID: correlationID,
			PlanID:        planID,
			VNode:         mv.VNode,
			Leader:        o.cfg.NodeID,
		})
	}
	if err != nil {
		return err
	}
	return o.transport.Send(ctx, to, env, transport.AckDelivered)
}

// publishMove publishes the next ring version with one vnode reassigned
func (o *Orchestrator) publishMove(ctx context.Context, term uint64, mv model.MoveOrder, start time.Time) error {
	o.publishMu.Lock()
	defer o.publishMu.Unlock()

	if !o.authority.IsLeader(term) {
		return errSuperseded
	}

	var next *model.RingSnapshot
	if current := o.ring.Snapshot(); current != nil {
		next = current.Clone()
	} else {
		next = model.NewRingSnapshot(o.ring.VNodeCount())
	}
	if next.Version.Term == term {
		next.Version.Seq++
	} else {
		next.Version = model.RingVersion{Term: term, Seq: 1}
	}
	next.Owners[mv.VNode] = mv.To

	if !o.ring.Publish(next) {
		return fmt.Errorf("ring version %s was not applied", next.Version)
	}
	o.broadcastRing(ctx, term, next, o.authority.Members())
	o.metrics.RecordMove("acked", time.Since(start))

	o.logger.Debug("Moved vnode",
		zap.Int("vnode", int(mv.VNode)),
		zap.String("from", string(mv.From)),
		zap.String("to", string(mv.To)),
		zap.Stringer("version", next.Version))
	return nil
}

func (o *Orchestrator) abort(term uint64, plan *model.RebalancePlan, live []model.NodeID, cause error) {
	o.transition(plan, model.PlanStateAborted, cause.Error())

	// The run context may already be cancelled; holders of this plan must
	// still learn that it ended
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	o.broadcast(ctx, term, live, model.EventRebalanceAbort, model.RebalanceEnd{PlanID: plan.PlanID})

	o.logger.Warn("Rebalance plan aborted",
		zap.String("plan_id", plan.PlanID),
		zap.Uint64("term", term),
		zap.Error(cause))
}

func (o *Orchestrator) transition(plan *model.RebalancePlan, state model.PlanState, reason string) {
	o.mu.Lock()
	plan.State = state
	plan.Reason = reason
	var finishedAt *time.Time
	if plan.IsTerminal() {
		now := time.Now()
		plan.FinishedAt = &now
		finishedAt = &now
	}
	o.mu.Unlock()

	o.metrics.RecordPlan(string(state))

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.plans.UpdatePlanState(ctx, plan.PlanID, state, reason, finishedAt); err != nil {
		o.logger.Warn("Failed to record plan state",
			zap.String("plan_id", plan.PlanID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}

func (o *Orchestrator) setCurrent(plan *model.RebalancePlan) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = plan
}

func (o *Orchestrator) savePlan(plan *model.RebalancePlan) {
	o.mu.Lock()
	saved := *plan
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.plans.SavePlan(ctx, &saved); err != nil {
		o.logger.Warn("Failed to record plan",
			zap.String("plan_id", plan.PlanID),
			zap.Error(err))
	}
}

func (o *Orchestrator) broadcastRing(ctx context.Context, term uint64, snapshot *model.RingSnapshot, live []model.NodeID) {
	o.broadcast(ctx, term, live, model.EventRingUpdate, model.RingUpdate{Snapshot: snapshot})
}

// broadcast sends a leader-only message to every live node but this one
func (o *Orchestrator) broadcast(ctx context.Context, term uint64, live []model.NodeID, event string, payload interface{}) {
	env, err := model.NewEnvelope(event, o.cfg.NodeID, term, payload)
	if err != nil {
		o.logger.Error("Failed to encode broadcast",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	for _, id := range live {
		if id == o.cfg.NodeID {
			continue
		}
		if err := o.transport.Send(ctx, id, env, transport.AckNone); err != nil {
			o.logger.Debug("Broadcast failed",
				zap.String("event", event),
				zap.String("to", string(id)),
				zap.Error(err))
		}
	}
}

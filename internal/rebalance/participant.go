package rebalance

import (
	"context"
	"fmt"
	"time"

	routeerr "github.com/devrev/shardroute/internal/errors"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/module"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/devrev/shardroute/internal/store"
	"github.com/devrev/shardroute/internal/transport"
	"github.com/devrev/shardroute/internal/util/workerpool"
	"go.uber.org/zap"
)

// Admitter checks the term of leader-only messages
type Admitter interface {
	Admit(env *model.Envelope) bool
}

// ParticipantConfig holds participant configuration
type ParticipantConfig struct {
	NodeID      model.NodeID
	SendTimeout time.Duration
}

// Participant executes hand-offs and applies ring updates on one node
type Participant struct {
	self        model.NodeID
	sendTimeout time.Duration
	ring        *ring.Ring
	modules     *module.Registry
	calls       *pending.Registry
	transport   transport.Transport
	admit       Admitter
	rings       store.RingStore

	// applier runs post-publish work in publish order
	applier *workerpool.WorkerPool

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewParticipant creates a participant and registers its handlers on t.
// rings may be nil when ring persistence is disabled.
func NewParticipant(
	cfg *ParticipantConfig,
	r *ring.Ring,
	modules *module.Registry,
	calls *pending.Registry,
	t transport.Transport,
	admit Admitter,
	rings store.RingStore,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Participant {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Participant{
		self:        cfg.NodeID,
		sendTimeout: cfg.SendTimeout,
		ring:        r,
		modules:     modules,
		calls:       calls,
		transport:   t,
		admit:       admit,
		rings:       rings,
		applier: workerpool.New(&workerpool.Config{
			Name:       "ring-apply",
			MaxWorkers: 1,
			QueueSize:  256,
			Logger:     logger,
		}),
		metrics: m,
		logger:  logger,
	}

	t.Handle(model.EventHandoffOrder, p.handleOrder)
	t.Handle(model.EventHandoffState, p.handleState)
	t.Handle(model.EventHandoffAck, p.handleAck)
	t.Handle(model.EventRingUpdate, p.handleRingUpdate)
	t.Handle(model.EventRingSync, p.handleRingSync)
	t.Handle(model.EventRingState, p.handleRingState)
	r.OnPublish(p.onPublish)
	return p
}

// Close waits for queued post-publish work
func (p *Participant) Close() {
	p.applier.Stop(storeTimeout)
}

// handleOrder exports a vnode on the source and ships it to the destination
func (p *Participant) handleOrder(ctx context.Context, env *model.Envelope) {
	if !p.admit.Admit(env) {
		return
	}
	var order model.HandoffOrder
	if err := env.Decode(&order); err != nil {
		p.logger.Warn("Dropped malformed hand-off order", zap.Error(err))
		return
	}

	state, err := p.export(ctx, order.VNode)
	if err != nil {
		p.ack(ctx, env.Term, env.From, order.CorrelationID, order.PlanID, order.VNode, err)
		return
	}

	out, err := model.NewEnvelope(model.EventHandoffState, p.self, env.Term, model.HandoffState{
		CorrelationID: order.CorrelationID,
		PlanID:        order.PlanID,
		VNode:         order.VNode,
		Leader:        env.From,
		State:         state,
	})
	if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
		err = p.transport.Send(sendCtx, order.To, out, transport.AckDelivered)
		cancel()
	}
	if err != nil {
		p.ack(ctx, env.Term, env.From, order.CorrelationID, order.PlanID, order.VNode,
			fmt.Errorf("failed to ship vnode %d to %s: %w", order.VNode, order.To, err))
		return
	}

	p.logger.Debug("Shipped vnode state",
		zap.String("plan_id", order.PlanID),
		zap.Int("vnode", int(order.VNode)),
		zap.String("to", string(order.To)),
		zap.Int("modules", len(state)))
}

// handleState imports shipped state on the destination and acknowledges to
// the leader
func (p *Participant) handleState(ctx context.Context, env *model.Envelope) {
	var state model.HandoffState
	if err := env.Decode(&state); err != nil {
		p.logger.Warn("Dropped malformed hand-off state", zap.Error(err))
		return
	}

	// State may come from the source rather than the leader; the term
	// check is against the leader that ordered it
	ordered := *env
	ordered.From = state.Leader
	if !p.admit.Admit(&ordered) {
		return
	}

	err := p.importState(ctx, state.VNode, state.State)
	p.ack(ctx, env.Term, state.Leader, state.CorrelationID, state.PlanID, state.VNode, err)
}

// handleAck resolves the leader's pending hand-off
func (p *Participant) handleAck(_ context.Context, env *model.Envelope) {
	var ack model.HandoffAck
	if err := env.Decode(&ack); err != nil {
		p.logger.Warn("Dropped malformed hand-off ack", zap.Error(err))
		return
	}
	var err error
	if ack.Error != nil {
		err = routeerr.RemoteExecution(ack.Error.Message)
	}
	if !p.calls.Resolve(ack.CorrelationID, nil, err) {
		p.logger.Debug("Dropped late hand-off ack",
			zap.String("plan_id", ack.PlanID),
			zap.Int("vnode", int(ack.VNode)))
	}
}

func (p *Participant) handleRingUpdate(_ context.Context, env *model.Envelope) {
	if !p.admit.Admit(env) {
		return
	}
	var update model.RingUpdate
	if err := env.Decode(&update); err != nil {
		p.logger.Warn("Dropped malformed ring update", zap.Error(err))
		return
	}
	p.ring.Publish(update.Snapshot)
}

// handleRingSync answers a new leader with the newest ring this node holds
func (p *Participant) handleRingSync(ctx context.Context, env *model.Envelope) {
	if !p.admit.Admit(env) {
		return
	}
	var sync model.RingSync
	if err := env.Decode(&sync); err != nil {
		p.logger.Warn("Dropped malformed ring sync", zap.Error(err))
		return
	}

	out, err := model.NewEnvelope(model.EventRingState, p.self, env.Term, model.RingState{
		CorrelationID: sync.CorrelationID,
		Snapshot:      p.ring.Snapshot(),
	})
	if err != nil {
		p.logger.Error("Failed to encode ring state", zap.Error(err))
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	if err := p.transport.Send(sendCtx, env.From, out, transport.AckNone); err != nil {
		p.logger.Warn("Failed to answer ring sync",
			zap.String("leader", string(env.From)),
			zap.Error(err))
	}
}

// handleRingState adopts a peer's ring when it is newer than the local one
// and completes the leader's pending sync
func (p *Participant) handleRingState(_ context.Context, env *model.Envelope) {
	var state model.RingState
	if err := env.Decode(&state); err != nil {
		p.logger.Warn("Dropped malformed ring state", zap.Error(err))
		return
	}
	if state.Snapshot != nil && p.ring.Publish(state.Snapshot) {
		p.logger.Info("Adopted newer ring from peer",
			zap.String("from", string(env.From)),
			zap.Stringer("version", state.Snapshot.Version))
	}
	p.calls.ResolveFrom(state.CorrelationID, env.From, nil, nil)
}

func (p *Participant) ack(ctx context.Context, term uint64, leader model.NodeID, correlationID uint64, planID string, vnode model.VNode, cause error) {
	ack := model.HandoffAck{CorrelationID: correlationID, PlanID: planID, VNode: vnode}
	if cause != nil {
		ack.Error = &model.RemoteError{Message: cause.Error()}
		p.logger.Warn("Hand-off failed",
			zap.String("plan_id", planID),
			zap.Int("vnode", int(vnode)),
			zap.Error(cause))
	}

	env, err := model.NewEnvelope(model.EventHandoffAck, p.self, term, ack)
	if err != nil {
		p.logger.Error("Failed to encode hand-off ack", zap.Error(err))
		return
	}
	if err := p.transport.Send(ctx, leader, env, transport.AckNone); err != nil {
		p.logger.Warn("Failed to acknowledge hand-off",
			zap.String("leader", string(leader)),
			zap.Error(err))
	}
}

func (p *Participant) export(ctx context.Context, vnode model.VNode) (map[string][]byte, error) {
	state := make(map[string][]byte)
	for _, mod := range p.modules.Modules() {
		migrator := mod.Migrator()
		if migrator == nil {
			continue
		}
		data, err := migrator.Export(ctx, vnode)
		if err != nil {
			return nil, fmt.Errorf("module %s failed to export vnode %d: %w", mod.Name(), vnode, err)
		}
		if data != nil {
			state[mod.Name()] = data
		}
	}
	return state, nil
}

func (p *Participant) importState(ctx context.Context, vnode model.VNode, state map[string][]byte) error {
	for _, mod := range p.modules.Modules() {
		migrator := mod.Migrator()
		if migrator == nil {
			continue
		}
		data, ok := state[mod.Name()]
		if !ok {
			continue
		}
		if err := migrator.Import(ctx, vnode, data); err != nil {
			return fmt.Errorf("module %s failed to import vnode %d: %w", mod.Name(), vnode, err)
		}
	}
	return nil
}

// onPublish queues the state drop of vnodes this node lost and the
// persistence of the new snapshot
func (p *Participant) onPublish(prev, next *model.RingSnapshot) {
	var lost []model.VNode
	if prev != nil {
		for _, vnode := range prev.VNodesOf(p.self) {
			if next.Owner(vnode) != p.self {
				lost = append(lost, vnode)
			}
		}
	}

	err := p.applier.Submit(workerpool.Task{
		Name: "ring-apply",
		Fn: func(ctx context.Context) {
			p.drop(ctx, lost)
			p.persist(ctx, next)
		},
	})
	if err != nil {
		p.logger.Warn("Skipped post-publish work",
			zap.Stringer("version", next.Version),
			zap.Error(err))
	}
}

func (p *Participant) drop(ctx context.Context, vnodes []model.VNode) {
	if len(vnodes) == 0 {
		return
	}
	for _, mod := range p.modules.Modules() {
		migrator := mod.Migrator()
		if migrator == nil {
			continue
		}
		for _, vnode := range vnodes {
			migrator.Drop(ctx, vnode)
		}
	}
	p.logger.Debug("Dropped state of moved vnodes", zap.Int("vnodes", len(vnodes)))
}

func (p *Participant) persist(ctx context.Context, snapshot *model.RingSnapshot) {
	if p.rings == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := p.rings.SaveRing(saveCtx, snapshot); err != nil {
		p.logger.Warn("Failed to persist ring snapshot",
			zap.Stringer("version", snapshot.Version),
			zap.Error(err))
	}
}

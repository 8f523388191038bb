// Package node assembles the components of one shard node: ring, pending
// call registry, router, elector, rebalance orchestrator and participant,
// driven by a membership feed over a transport.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/election"
	"github.com/devrev/shardroute/internal/membership"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/module"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/rebalance"
	"github.com/devrev/shardroute/internal/ring"
	"github.com/devrev/shardroute/internal/router"
	"github.com/devrev/shardroute/internal/store"
	"github.com/devrev/shardroute/internal/transport"
	"go.uber.org/zap"
)

const restoreTimeout = 5 * time.Second

// Config holds node configuration
type Config struct {
	NodeID      model.NodeID
	ServiceName string
	VNodes      int
	SendTimeout time.Duration
	Calls       pending.Config
	Election    election.Config
	Rebalance   rebalance.Config
}

// Stores groups the optional persistence backends. A nil RingStore disables
// ring persistence; a nil PlanStore keeps plans in memory.
type Stores struct {
	Rings store.RingStore
	Plans store.PlanStore
}

// Node is one member of a shard-routing cluster
type Node struct {
	id          model.NodeID
	serviceName string

	ring         *ring.Ring
	modules      *module.Registry
	calls        *pending.Registry
	router       *router.Router
	elector      *election.Elector
	orchestrator *rebalance.Orchestrator
	participant  *rebalance.Participant
	transport    transport.Transport
	feed         membership.Feed
	stores       Stores

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New wires a node. The node owns t, feed and stores from here on and
// closes them in Stop.
func New(
	cfg *Config,
	t transport.Transport,
	feed membership.Feed,
	stores Stores,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Node {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shardroute"
	}
	if cfg.VNodes <= 0 {
		cfg.VNodes = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("node_id", string(cfg.NodeID)))

	r := ring.New(cfg.NodeID, cfg.VNodes, m, logger)
	modules := module.NewRegistry()
	calls := pending.NewRegistry(&cfg.Calls, m, logger)

	rt := router.New(&router.Config{
		NodeID:      cfg.NodeID,
		SendTimeout: cfg.SendTimeout,
	}, r, modules, calls, t, m, logger)

	electionCfg := cfg.Election
	electionCfg.NodeID = cfg.NodeID
	elector := election.New(&electionCfg, t, m, logger)

	rebalanceCfg := cfg.Rebalance
	rebalanceCfg.NodeID = cfg.NodeID
	orchestrator := rebalance.NewOrchestrator(&rebalanceCfg, r, calls, t, elector, stores.Plans, m, logger)
	elector.SetListener(orchestrator)

	participant := rebalance.NewParticipant(&rebalance.ParticipantConfig{
		NodeID:      cfg.NodeID,
		SendTimeout: cfg.SendTimeout,
	}, r, modules, calls, t, elector, stores.Rings, m, logger)

	return &Node{
		id:           cfg.NodeID,
		serviceName:  cfg.ServiceName,
		ring:         r,
		modules:      modules,
		calls:        calls,
		router:       rt,
		elector:      elector,
		orchestrator: orchestrator,
		participant:  participant,
		transport:    t,
		feed:         feed,
		stores:       stores,
		metrics:      m,
		logger:       logger,
	}
}

// ID returns the node id
func (n *Node) ID() model.NodeID {
	return n.id
}

// Register adds a shard module. Modules should be registered before Start
// so that inbound calls and hand-offs find them.
func (n *Node) Register(mod *module.Module) error {
	if err := n.modules.Register(mod); err != nil {
		return fmt.Errorf("failed to register module: %w", err)
	}
	n.logger.Info("Registered module", zap.String("module", mod.Name()))
	return nil
}

// Start restores the persisted ring, joins the cluster and begins
// processing membership events
func (n *Node) Start(ctx context.Context) error {
	n.restoreRing(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.calls.Start(runCtx)
	n.elector.Start()

	n.wg.Add(1)
	go n.watchMembership()

	if err := n.feed.Discover(ctx, n.serviceName); err != nil {
		n.Stop()
		return fmt.Errorf("failed to discover cluster: %w", err)
	}

	n.logger.Info("Node started",
		zap.String("service", n.serviceName),
		zap.Int("vnodes", n.ring.VNodeCount()))
	return nil
}

// restoreRing loads the last persisted ring so calls route before the first
// leader publishes
func (n *Node) restoreRing(ctx context.Context) {
	if n.stores.Rings == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	snapshot, err := n.stores.Rings.LoadRing(loadCtx)
	if err != nil {
		n.logger.Warn("Failed to load persisted ring", zap.Error(err))
		return
	}
	if snapshot == nil {
		return
	}
	if len(snapshot.Owners) != n.ring.VNodeCount() {
		n.logger.Warn("Ignoring persisted ring with different vnode count",
			zap.Int("persisted", len(snapshot.Owners)),
			zap.Int("configured", n.ring.VNodeCount()))
		return
	}
	if n.ring.Publish(snapshot) {
		n.logger.Info("Restored ring", zap.String("version", snapshot.Version.String()))
	}
}

// watchMembership applies feed events until the feed is closed
func (n *Node) watchMembership() {
	defer n.wg.Done()
	for ev := range n.feed.Events() {
		n.applyMembership(ev)
	}
}

func (n *Node) applyMembership(ev model.MembershipEvent) {
	peers, _ := n.transport.(transport.PeerBook)

	if ev.Node.ID != n.id {
		switch ev.Type {
		case model.MembershipUp:
			if peers != nil && ev.Node.Addr != "" {
				peers.SetPeer(ev.Node.ID, ev.Node.Addr)
			}
		case model.MembershipDown:
			if failed := n.router.FailTarget(ev.Node.ID); failed > 0 {
				n.logger.Info("Failed calls to departed node",
					zap.String("target", string(ev.Node.ID)),
					zap.Int("calls", failed))
			}
			if peers != nil {
				peers.RemovePeer(ev.Node.ID)
			}
		}
	}

	n.elector.HandleMembership(ev)
	n.metrics.SetMembers(len(n.feed.Members()))
}

// Invoke routes a module call to the owner of its shard key
func (n *Node) Invoke(ctx context.Context, moduleName, methodName string, args [][]byte) ([]byte, error) {
	return n.router.Invoke(ctx, moduleName, methodName, args)
}

// Ring returns the current ring snapshot, or nil before the first publish
func (n *Node) Ring() *model.RingSnapshot {
	return n.ring.Snapshot()
}

// LeaderTerm returns the highest leader term this node has observed
func (n *Node) LeaderTerm() model.LeaderTerm {
	return n.elector.LeaderTerm()
}

// ElectionState returns this node's election role
func (n *Node) ElectionState() election.State {
	return n.elector.State()
}

// Members returns the live nodes the elector counts, sorted by id
func (n *Node) Members() []model.NodeID {
	return n.elector.Members()
}

// PendingCalls returns the number of outstanding remote calls
func (n *Node) PendingCalls() int {
	return n.calls.Len()
}

// CurrentPlan returns the plan this node is leading, if any
func (n *Node) CurrentPlan() *model.RebalancePlan {
	return n.orchestrator.CurrentPlan()
}

// Plans lists recorded plans, newest first
func (n *Node) Plans(ctx context.Context, limit int) ([]*model.RebalancePlan, error) {
	return n.orchestrator.Plans(ctx, limit)
}

// Stop leaves the cluster and releases every component. It is safe to call
// more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(n.stop)
}

func (n *Node) stop() {
	n.orchestrator.Stop()
	n.elector.Stop()

	if err := n.feed.Close(); err != nil {
		n.logger.Warn("Failed to close membership feed", zap.Error(err))
	}
	n.wg.Wait()

	n.participant.Close()
	if n.cancel != nil {
		n.cancel()
	}
	n.calls.Close()

	if err := n.transport.Close(); err != nil {
		n.logger.Warn("Failed to close transport", zap.Error(err))
	}
	if n.stores.Rings != nil {
		if err := n.stores.Rings.Close(); err != nil {
			n.logger.Warn("Failed to close ring store", zap.Error(err))
		}
	}
	if n.stores.Plans != nil {
		if err := n.stores.Plans.Close(); err != nil {
			n.logger.Warn("Failed to close plan store", zap.Error(err))
		}
	}
	n.logger.Info("Node stopped")
}

// Package membership discovers cluster nodes and reports them as a stream of
// up/down events.
//
// GossipFeed uses memberlist, ZKFeed uses ZooKeeper ephemeral nodes, and
// StaticFeed takes events from the caller. All of them report a node's
// transport address with its up event and never repeat an event that does
// not change the node's state or address.
package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"go.uber.org/zap"
)

const eventBuffer = 1024

// Feed reports cluster membership
type Feed interface {
	// Discover starts discovery for service. The local node is reported up
	// once it has joined.
	Discover(ctx context.Context, service string) error
	// Events returns the event stream; it is closed by Close
	Events() <-chan model.MembershipEvent
	// Members returns the nodes currently up, sorted by id
	Members() []model.Node
	Close() error
}

// tracker turns raw observations into deduplicated events
type tracker struct {
	mu      sync.Mutex
	members map[model.NodeID]model.Node
	events  chan model.MembershipEvent
	closed  bool
	logger  *zap.Logger
}

func newTracker(logger *zap.Logger) *tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &tracker{
		members: make(map[model.NodeID]model.Node),
		events:  make(chan model.MembershipEvent, eventBuffer),
		logger:  logger,
	}
}

// up records node as live. An address change is reported as a new up event.
func (t *tracker) up(node model.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if known, ok := t.members[node.ID]; ok && known.Addr == node.Addr {
		return
	}
	node.State = model.NodeStateUp
	t.members[node.ID] = node
	t.emitLocked(model.MembershipUp, node)
}

func (t *tracker) down(id model.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	node, ok := t.members[id]
	if !ok {
		return
	}
	delete(t.members, id)
	node.State = model.NodeStateDown
	t.emitLocked(model.MembershipDown, node)
}

// sync reconciles the member set with a full listing
func (t *tracker) sync(nodes []model.Node) {
	seen := make(map[model.NodeID]bool, len(nodes))
	for _, node := range nodes {
		seen[node.ID] = true
		t.up(node)
	}

	t.mu.Lock()
	var gone []model.NodeID
	for id := range t.members {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	t.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		t.down(id)
	}
}

func (t *tracker) emitLocked(kind model.MembershipEventType, node model.Node) {
	t.logger.Info("Membership changed",
		zap.String("node_id", string(node.ID)),
		zap.String("addr", node.Addr),
		zap.String("type", string(kind)))
	t.events <- model.MembershipEvent{Type: kind, Node: node, At: time.Now()}
}

func (t *tracker) list() []model.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]model.Node, 0, len(t.members))
	for _, node := range t.members {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (t *tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.events)
}

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"go.uber.org/zap"
)

// MemoryNetwork connects in-process transports. Nodes can be disconnected to
// simulate crashes, events can be dropped after acceptance to simulate lost
// messages, and every envelope can be delivered twice to simulate
// at-least-once links.
type MemoryNetwork struct {
	mu           sync.RWMutex
	endpoints    map[model.NodeID]*MemoryTransport
	disconnected map[model.NodeID]bool
	dropped      map[string]bool
	droppedTo    map[dropKey]bool
	duplicate    bool
	logger       *zap.Logger
}

type dropKey struct {
	event string
	to    model.NodeID
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork(logger *zap.Logger) *MemoryNetwork {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryNetwork{
		endpoints:    make(map[model.NodeID]*MemoryTransport),
		disconnected: make(map[model.NodeID]bool),
		dropped:      make(map[string]bool),
		droppedTo:    make(map[dropKey]bool),
		logger:       logger,
	}
}

// Join attaches a new endpoint for id
func (n *MemoryNetwork) Join(id model.NodeID, m *metrics.Metrics) *MemoryTransport {
	t := &MemoryTransport{
		id:      id,
		network: n,
		disp:    newDispatcher("memory-"+string(id), 8, 1024, m, n.logger.With(zap.String("node_id", string(id)))),
		metrics: m,
	}

	n.mu.Lock()
	n.endpoints[id] = t
	delete(n.disconnected, id)
	n.mu.Unlock()
	return t
}

// Disconnect makes every send from or to id fail
func (n *MemoryNetwork) Disconnect(id model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

// Reconnect undoes Disconnect
func (n *MemoryNetwork) Reconnect(id model.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

// DropEvent silently discards accepted envelopes of the given event
func (n *MemoryNetwork) DropEvent(event string, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if drop {
		n.dropped[event] = true
	} else {
		delete(n.dropped, event)
	}
}

// DropEventTo is DropEvent restricted to envelopes addressed to one node
func (n *MemoryNetwork) DropEventTo(event string, to model.NodeID, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := dropKey{event: event, to: to}
	if drop {
		n.droppedTo[key] = true
	} else {
		delete(n.droppedTo, key)
	}
}

// SetDuplicate toggles double delivery of every envelope
func (n *MemoryNetwork) SetDuplicate(duplicate bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicate = duplicate
}

// MemoryTransport is one node's endpoint on a MemoryNetwork
type MemoryTransport struct {
	id      model.NodeID
	network *MemoryNetwork
	disp    *dispatcher
	metrics *metrics.Metrics
	closed  atomic.Bool
}

// Send implements Transport
func (t *MemoryTransport) Send(ctx context.Context, to model.NodeID, env *model.Envelope, ack AckLevel) error {
	if t.closed.Load() {
		return fmt.Errorf("transport of %s is closed", t.id)
	}
	if ack == AckNone {
		return t.disp.async(env.Event, func(context.Context) {
			if err := t.deliver(to, env); err != nil {
				t.network.logger.Debug("Async delivery failed",
					zap.String("from", string(t.id)),
					zap.String("to", string(to)),
					zap.String("event", env.Event),
					zap.Error(err))
			}
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.deliver(to, env)
}

func (t *MemoryTransport) deliver(to model.NodeID, env *model.Envelope) error {
	n := t.network
	n.mu.RLock()
	dst := n.endpoints[to]
	unreachable := n.disconnected[t.id] || n.disconnected[to]
	drop := n.dropped[env.Event] || n.droppedTo[dropKey{event: env.Event, to: to}]
	duplicate := n.duplicate
	n.mu.RUnlock()

	if unreachable {
		return fmt.Errorf("node %s unreachable from %s", to, t.id)
	}
	if dst == nil || dst.closed.Load() {
		return fmt.Errorf("unknown peer %s", to)
	}

	t.metrics.RecordMessage(env.Event, "out")
	if drop {
		n.logger.Debug("Dropped envelope after acceptance",
			zap.String("from", string(t.id)),
			zap.String("to", string(to)),
			zap.String("event", env.Event))
		return nil
	}

	// Round-trip through JSON so receivers never share memory with senders
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	copies := 1
	if duplicate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		var received model.Envelope
		if err := json.Unmarshal(data, &received); err != nil {
			return fmt.Errorf("failed to decode envelope: %w", err)
		}
		if err := dst.disp.dispatch(&received); err != nil {
			return err
		}
	}
	return nil
}

// Handle implements Transport
func (t *MemoryTransport) Handle(event string, h Handler) {
	t.disp.handle(event, h)
}

// Close implements Transport
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.disp.stop()
	return nil
}

// Package transport delivers envelopes point to point between nodes.
//
// Two implementations share one inbound dispatcher: GRPCTransport for real
// deployments and MemoryNetwork for in-process clusters in tests. Inbound
// envelopes are handed to a bounded worker pool keyed by event name; the
// sender's Send returns once the receiving side has queued the envelope
// (AckDelivered) or as soon as it is handed to the local pool (AckNone).
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/util/workerpool"
	"go.uber.org/zap"
)

// AckLevel selects how much of the delivery a Send waits for
type AckLevel int

const (
	// AckDelivered waits until the peer accepted the envelope
	AckDelivered AckLevel = iota
	// AckNone returns once the envelope is queued locally
	AckNone
)

// Handler processes one inbound envelope. The context ends when the
// transport shuts down.
type Handler func(ctx context.Context, env *model.Envelope)

// Transport is point-to-point delivery with a return route (Envelope.From)
type Transport interface {
	// Send delivers env to the node to. Sends to the local node are
	// dispatched in-process.
	Send(ctx context.Context, to model.NodeID, env *model.Envelope, ack AckLevel) error
	// Handle registers the handler for an event name, replacing any previous one
	Handle(event string, h Handler)
	// Close stops the transport
	Close() error
}

// PeerBook is implemented by transports that need node addresses
type PeerBook interface {
	SetPeer(id model.NodeID, addr string)
	RemovePeer(id model.NodeID)
}

const stopTimeout = 5 * time.Second

// ErrNoHandler is returned when the receiver has no handler for the event
var ErrNoHandler = fmt.Errorf("no handler registered for event")

// dispatcher routes inbound envelopes to handlers on a worker pool
type dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	pool     *workerpool.WorkerPool
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func newDispatcher(name string, workers, queue int, m *metrics.Metrics, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[string]Handler),
		pool: workerpool.New(&workerpool.Config{
			Name:       name,
			MaxWorkers: workers,
			QueueSize:  queue,
			Logger:     logger,
		}),
		metrics: m,
		logger:  logger,
	}
}

func (d *dispatcher) handle(event string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = h
}

// dispatch queues env for its handler
func (d *dispatcher) dispatch(env *model.Envelope) error {
	d.mu.RLock()
	h, ok := d.handlers[env.Event]
	d.mu.RUnlock()
	if !ok {
		d.logger.Debug("Dropped envelope without handler",
			zap.String("event", env.Event),
			zap.String("from", string(env.From)))
		return fmt.Errorf("%w: %s", ErrNoHandler, env.Event)
	}

	d.metrics.RecordMessage(env.Event, "in")
	return d.pool.Submit(workerpool.Task{
		Name: env.Event,
		Fn: func(ctx context.Context) {
			h(ctx, env)
		},
	})
}

// async runs fn on the pool; used for AckNone sends
func (d *dispatcher) async(name string, fn func(ctx context.Context)) error {
	return d.pool.Submit(workerpool.Task{Name: name, Fn: fn})
}

func (d *dispatcher) stop() {
	d.pool.Stop(stopTimeout)
}

// Package ring holds the versioned vnode-to-node assignment every call is
// routed against.
//
// Readers load the active snapshot through a single atomic pointer and answer
// from it alone, so a resolve never observes a half-applied mapping. A
// publish replaces the pointer only when the candidate version is strictly
// newer, which keeps per-vnode assignments monotonic on every node.
package ring

import (
	"sync"
	"sync/atomic"

	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/model"
	"go.uber.org/zap"
)

// PublishHook runs after a snapshot is applied, with the snapshot it replaced
// (nil for the first one). Hooks run on the publisher's goroutine.
type PublishHook func(prev, next *model.RingSnapshot)

// Ring is the shard ring of one node
type Ring struct {
	self       model.NodeID
	vnodeCount int
	current    atomic.Pointer[model.RingSnapshot]

	mu    sync.Mutex // serializes publishers and guards hooks
	hooks []PublishHook

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an empty ring with vnodeCount partitions
func New(self model.NodeID, vnodeCount int, m *metrics.Metrics, logger *zap.Logger) *Ring {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ring{
		self:       self,
		vnodeCount: vnodeCount,
		metrics:    m,
		logger:     logger,
	}
}

// VNodeCount returns the number of partitions
func (r *Ring) VNodeCount() int {
	return r.vnodeCount
}

// Resolve returns the owner of shardKey under the active version, or
// model.NoOwner when nothing has been published or the vnode is unassigned
func (r *Ring) Resolve(shardKey string) model.NodeID {
	return r.ResolveVNode(VNodeForKey(shardKey, r.vnodeCount))
}

// ResolveVNode returns the owner of vnode under the active version
func (r *Ring) ResolveVNode(vnode model.VNode) model.NodeID {
	return r.current.Load().Owner(vnode)
}

// Snapshot returns the active snapshot. Callers must not modify it.
func (r *Ring) Snapshot() *model.RingSnapshot {
	return r.current.Load()
}

// CurrentVersion returns the version of the active snapshot
func (r *Ring) CurrentVersion() model.RingVersion {
	snap := r.current.Load()
	if snap == nil {
		return model.RingVersion{}
	}
	return snap.Version
}

// OnPublish registers a hook invoked after every applied publish
func (r *Ring) OnPublish(hook PublishHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Publish makes next the active version if it is newer than the current one.
// Resolutions that already loaded the old snapshot finish against it; any
// resolution starting after Publish returns sees next.
func (r *Ring) Publish(next *model.RingSnapshot) bool {
	if next == nil || len(next.Owners) != r.vnodeCount {
		r.logger.Warn("Rejected malformed ring snapshot",
			zap.Int("expected_vnodes", r.vnodeCount))
		r.metrics.RecordRingPublish(false, 0, 0, 0)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.current.Load()
	if prev != nil && !prev.Version.Less(next.Version) {
		r.logger.Debug("Ignored ring snapshot that is not newer",
			zap.Stringer("current", prev.Version),
			zap.Stringer("offered", next.Version))
		r.metrics.RecordRingPublish(false, 0, 0, 0)
		return false
	}

	r.current.Store(next)
	r.metrics.RecordRingPublish(true, next.Version.Term, next.Version.Seq, len(next.VNodesOf(r.self)))

	r.logger.Debug("Ring version published",
		zap.Stringer("version", next.Version))

	for _, hook := range r.hooks {
		hook(prev, next)
	}
	return true
}

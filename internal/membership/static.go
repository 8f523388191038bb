package membership

import (
	"context"

	"github.com/devrev/shardroute/internal/model"
	"go.uber.org/zap"
)

// StaticFeed reports membership supplied by the caller. It backs
// single-node runs, fixed peer lists and tests.
type StaticFeed struct {
	self    model.Node
	peers   []model.Node
	tracker *tracker
}

// NewStaticFeed creates a feed that reports self and peers on Discover
func NewStaticFeed(self model.Node, peers []model.Node, logger *zap.Logger) *StaticFeed {
	return &StaticFeed{
		self:    self,
		peers:   peers,
		tracker: newTracker(logger),
	}
}

// Discover implements Feed
func (f *StaticFeed) Discover(_ context.Context, _ string) error {
	f.tracker.up(f.self)
	for _, peer := range f.peers {
		f.tracker.up(peer)
	}
	return nil
}

// Up reports node as live
func (f *StaticFeed) Up(node model.Node) {
	f.tracker.up(node)
}

// Down reports node as gone
func (f *StaticFeed) Down(id model.NodeID) {
	f.tracker.down(id)
}

// Events implements Feed
func (f *StaticFeed) Events() <-chan model.MembershipEvent {
	return f.tracker.events
}

// Members implements Feed
func (f *StaticFeed) Members() []model.Node {
	return f.tracker.list()
}

// Close implements Feed
func (f *StaticFeed) Close() error {
	f.tracker.close()
	return nil
}

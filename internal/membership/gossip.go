package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeID         model.NodeID
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	TransportAddr  string // address peers use to reach this node's transport
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	Addr string `json:"addr"`
}

// GossipFeed discovers nodes with memberlist. Members of other services are
// kept apart by the memberlist label.
type GossipFeed struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	tracker    *tracker
	meta       []byte
	logger     *zap.Logger
	closeOnce  sync.Once
}

// NewGossipFeed creates a gossip feed; Discover starts it
func NewGossipFeed(cfg *GossipConfig, logger *zap.Logger) (*GossipFeed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	meta, err := json.Marshal(nodeMeta{Addr: cfg.TransportAddr})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	return &GossipFeed{
		config:  cfg,
		tracker: newTracker(logger),
		meta:    meta,
		logger:  logger,
	}, nil
}

// Discover implements Feed
func (f *GossipFeed) Discover(_ context.Context, service string) error {
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(f.config.NodeID)
	mlConfig.Label = service
	if f.config.BindAddr != "" {
		mlConfig.BindAddr = f.config.BindAddr
	}
	mlConfig.BindPort = f.config.BindPort
	mlConfig.AdvertisePort = f.config.BindPort
	if f.config.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = f.config.AdvertiseAddr
	}
	if f.config.GossipInterval > 0 {
		mlConfig.GossipInterval = f.config.GossipInterval
	}
	if f.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = f.config.ProbeTimeout
	}
	if f.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = f.config.ProbeInterval
	}
	mlConfig.Delegate = f
	mlConfig.Events = &gossipEventDelegate{feed: f}
	mlConfig.LogOutput = newZapWriter(f.logger)

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	f.memberlist = ml

	if len(f.config.SeedNodes) > 0 {
		joined, err := ml.Join(f.config.SeedNodes)
		if err != nil {
			f.logger.Warn("Failed to join some seed nodes",
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	f.logger.Info("Gossip membership started",
		zap.String("service", service),
		zap.String("node_id", string(f.config.NodeID)),
		zap.Int("port", int(ml.LocalNode().Port)))
	return nil
}

// Port returns the bound gossip port, useful when BindPort is 0
func (f *GossipFeed) Port() int {
	if f.memberlist == nil {
		return 0
	}
	return int(f.memberlist.LocalNode().Port)
}

// Events implements Feed
func (f *GossipFeed) Events() <-chan model.MembershipEvent {
	return f.tracker.events
}

// Members implements Feed
func (f *GossipFeed) Members() []model.Node {
	return f.tracker.list()
}

// Close leaves the cluster and stops the feed
func (f *GossipFeed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		if f.memberlist != nil {
			if leaveErr := f.memberlist.Leave(time.Second); leaveErr != nil {
				f.logger.Warn("Failed to leave cluster", zap.Error(leaveErr))
			}
			err = f.memberlist.Shutdown()
		}
		f.tracker.close()
	})
	return err
}

// NodeMeta implements memberlist.Delegate
func (f *GossipFeed) NodeMeta(limit int) []byte {
	if len(f.meta) > limit {
		f.logger.Warn("Node meta exceeds memberlist limit", zap.Int("limit", limit))
		return nil
	}
	return f.meta
}

// NotifyMsg implements memberlist.Delegate
func (f *GossipFeed) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (f *GossipFeed) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (f *GossipFeed) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (f *GossipFeed) MergeRemoteState(buf []byte, join bool) {}

// toNode converts a memberlist node, falling back to its gossip address
// when it carries no transport address
func (f *GossipFeed) toNode(n *memberlist.Node) model.Node {
	node := model.Node{ID: model.NodeID(n.Name)}
	var meta nodeMeta
	if len(n.Meta) > 0 {
		if err := json.Unmarshal(n.Meta, &meta); err != nil {
			f.logger.Warn("Failed to decode node meta",
				zap.String("node_id", n.Name),
				zap.Error(err))
		}
	}
	node.Addr = meta.Addr
	if node.Addr == "" && n.Addr != nil {
		node.Addr = n.Addr.String()
	}
	return node
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	feed *GossipFeed
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.feed.tracker.up(d.feed.toNode(node))
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.feed.tracker.down(model.NodeID(node.Name))
}

// NotifyUpdate is called when a node's meta changes
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.feed.tracker.up(d.feed.toNode(node))
}

// zapWriter forwards memberlist's standard log output to zap
type zapWriter struct {
	logger *zap.Logger
}

func newZapWriter(logger *zap.Logger) *zapWriter {
	return &zapWriter{logger: logger.With(zap.String("component", "memberlist"))}
}

func (w *zapWriter) Write(p []byte) (int, error) {
	w.logger.Debug(string(trimNewline(p)))
	return len(p), nil
}

func trimNewline(p []byte) []byte {
	for len(p) > 0 && (p[len(p)-1] == '\n' || p[len(p)-1] == '\r') {
		p = p[:len(p)-1]
	}
	return p
}

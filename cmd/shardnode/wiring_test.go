package main

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/shardroute/internal/config"
	"github.com/devrev/shardroute/internal/election"
	"github.com/devrev/shardroute/internal/membership"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("SHARDROUTE_NODE_ID", "node-b")
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	return cfg
}

func TestNodeConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Rebalance.Policy = "single_node"
	cfg.Election.Flap = config.FlapConfig{Policy: "rate_limit", Interval: time.Second, Burst: 2, Hold: time.Minute}

	nodeCfg, err := nodeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, model.NodeID("node-b"), nodeCfg.NodeID)
	assert.Equal(t, cfg.Cluster.VNodes, nodeCfg.VNodes)
	assert.Equal(t, cfg.Calls.GCWindow, nodeCfg.Calls.GCWindow)
	assert.Equal(t, cfg.Rebalance.SyncTimeout, nodeCfg.Rebalance.SyncTimeout)
	assert.Equal(t, "single_node", nodeCfg.Rebalance.Policy.Name())
	assert.IsType(t, &election.RateLimitPolicy{}, nodeCfg.Election.FlapPolicy)

	cfg.Rebalance.Policy = "bogus"
	_, err = nodeConfig(cfg)
	assert.Error(t, err)
}

func TestFlapPolicy_Default(t *testing.T) {
	assert.Equal(t, election.NoSuppression{}, flapPolicy(config.FlapConfig{Policy: "none"}))
}

func TestBuildFeed_Static(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster.Peers = []config.PeerConfig{
		{ID: "node-a", Addr: "10.0.0.1:7400"},
		{ID: "node-b", Addr: "10.0.0.2:7400"},
	}

	feed, err := buildFeed(cfg, zap.NewNop())
	require.NoError(t, err)
	defer feed.Close()
	require.IsType(t, &membership.StaticFeed{}, feed)

	require.NoError(t, feed.Discover(context.Background(), cfg.Cluster.ServiceName))
	members := feed.Members()
	require.Len(t, members, 2)
	assert.Equal(t, model.NodeID("node-a"), members[0].ID)
	assert.Equal(t, "10.0.0.1:7400", members[0].Addr)
	assert.Equal(t, model.NodeID("node-b"), members[1].ID)
	assert.Equal(t, cfg.Server.AdvertiseAddr, members[1].Addr)
}

func TestBuildFeed_Backends(t *testing.T) {
	cfg := testConfig(t)

	cfg.Cluster.Membership = config.MembershipGossip
	feed, err := buildFeed(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &membership.GossipFeed{}, feed)

	cfg.Cluster.Membership = config.MembershipZooKeeper
	cfg.ZooKeeper.Servers = []string{"127.0.0.1:2181"}
	feed, err = buildFeed(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &membership.ZKFeed{}, feed)
}

func TestBuildStores_InMemory(t *testing.T) {
	cfg := testConfig(t)

	stores, err := buildStores(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryRingStore{}, stores.Rings)
	assert.IsType(t, &store.MemoryPlanStore{}, stores.Plans)

	cfg.Stores.Ring = "none"
	stores, err = buildStores(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, stores.Rings)
}

func TestInitLogger(t *testing.T) {
	logger := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger = initLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
}

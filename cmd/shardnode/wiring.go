package main

import (
	"fmt"

	"github.com/devrev/shardroute/internal/config"
	"github.com/devrev/shardroute/internal/election"
	"github.com/devrev/shardroute/internal/membership"
	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/node"
	"github.com/devrev/shardroute/internal/pending"
	"github.com/devrev/shardroute/internal/rebalance"
	"github.com/devrev/shardroute/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// initLogger builds the process logger from the logging section
func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// nodeConfig translates the file configuration into the node's
func nodeConfig(cfg *config.Config) (*node.Config, error) {
	policy, ok := rebalance.PolicyByName(cfg.Rebalance.Policy)
	if !ok {
		return nil, fmt.Errorf("unknown rebalance policy %q", cfg.Rebalance.Policy)
	}

	return &node.Config{
		NodeID:      model.NodeID(cfg.Server.NodeID),
		ServiceName: cfg.Cluster.ServiceName,
		VNodes:      cfg.Cluster.VNodes,
		SendTimeout: cfg.Calls.SendTimeout,
		Calls: pending.Config{
			GCWindow:     cfg.Calls.GCWindow,
			ReapInterval: cfg.Calls.ReapInterval,
		},
		Election: election.Config{
			QuietPeriod: cfg.Election.QuietPeriod,
			FlapPolicy:  flapPolicy(cfg.Election.Flap),
		},
		Rebalance: rebalance.Config{
			HandoffTimeout:   cfg.Rebalance.HandoffTimeout,
			HandoffRetries:   cfg.Rebalance.HandoffRetries,
			Parallelism:      cfg.Rebalance.Parallelism,
			MaxReproposals:   cfg.Rebalance.MaxReproposals,
			ReproposeBackoff: cfg.Rebalance.ReproposeBackoff,
			SyncTimeout:      cfg.Rebalance.SyncTimeout,
			Policy:           policy,
		},
	}, nil
}

func flapPolicy(cfg config.FlapConfig) election.FlapPolicy {
	if cfg.Policy == "rate_limit" {
		return election.NewRateLimitPolicy(cfg.Interval, cfg.Burst, cfg.Hold)
	}
	return election.NoSuppression{}
}

// buildFeed creates the membership feed selected by cluster.membership
func buildFeed(cfg *config.Config, logger *zap.Logger) (membership.Feed, error) {
	self := model.Node{
		ID:    model.NodeID(cfg.Server.NodeID),
		Addr:  cfg.Server.AdvertiseAddr,
		State: model.NodeStateUp,
	}

	switch cfg.Cluster.Membership {
	case config.MembershipGossip:
		return membership.NewGossipFeed(&membership.GossipConfig{
			NodeID:         self.ID,
			BindAddr:       cfg.Gossip.BindAddr,
			BindPort:       cfg.Gossip.BindPort,
			TransportAddr:  self.Addr,
			SeedNodes:      cfg.Gossip.SeedNodes,
			GossipInterval: cfg.Gossip.GossipInterval,
			ProbeTimeout:   cfg.Gossip.ProbeTimeout,
			ProbeInterval:  cfg.Gossip.ProbeInterval,
		}, logger)

	case config.MembershipZooKeeper:
		return membership.NewZKFeed(&membership.ZKConfig{
			Servers:        cfg.ZooKeeper.Servers,
			Root:           cfg.ZooKeeper.Root,
			SessionTimeout: cfg.ZooKeeper.SessionTimeout,
		}, self, logger), nil

	default:
		peers := make([]model.Node, 0, len(cfg.Cluster.Peers))
		for _, peer := range cfg.Cluster.Peers {
			if model.NodeID(peer.ID) == self.ID {
				continue
			}
			peers = append(peers, model.Node{ID: model.NodeID(peer.ID), Addr: peer.Addr, State: model.NodeStateUp})
		}
		return membership.NewStaticFeed(self, peers, logger), nil
	}
}

// buildStores opens the ring and plan stores selected by the stores section
func buildStores(cfg *config.Config, logger *zap.Logger) (node.Stores, error) {
	var stores node.Stores

	switch cfg.Stores.Ring {
	case "redis":
		rings, err := store.NewRedisRingStore(&store.RedisConfig{
			Host:     cfg.Stores.Redis.Host,
			Port:     cfg.Stores.Redis.Port,
			Password: cfg.Stores.Redis.Password,
			DB:       cfg.Stores.Redis.DB,
		}, cfg.Cluster.ServiceName, model.NodeID(cfg.Server.NodeID), logger)
		if err != nil {
			return stores, fmt.Errorf("failed to open ring store: %w", err)
		}
		stores.Rings = rings
	case "memory":
		stores.Rings = store.NewMemoryRingStore()
	}

	switch cfg.Stores.Plans {
	case "postgres":
		plans, err := store.NewPostgresPlanStore(&store.PostgresConfig{
			Host:     cfg.Stores.Postgres.Host,
			Port:     cfg.Stores.Postgres.Port,
			Database: cfg.Stores.Postgres.Database,
			User:     cfg.Stores.Postgres.User,
			Password: cfg.Stores.Postgres.Password,
			MaxConns: cfg.Stores.Postgres.MaxConns,
			MinConns: cfg.Stores.Postgres.MinConns,
		}, logger)
		if err != nil {
			if stores.Rings != nil {
				stores.Rings.Close()
			}
			return stores, fmt.Errorf("failed to open plan store: %w", err)
		}
		stores.Plans = plans
	default:
		stores.Plans = store.NewMemoryPlanStore()
	}
	return stores, nil
}

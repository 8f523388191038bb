// Command shardnode runs one node of a shard-routing cluster
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/shardroute/internal/config"
	"github.com/devrev/shardroute/internal/counter"
	"github.com/devrev/shardroute/internal/metrics"
	"github.com/devrev/shardroute/internal/node"
	"github.com/devrev/shardroute/internal/server"
	"github.com/devrev/shardroute/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("advertise_addr", cfg.Server.AdvertiseAddr),
		zap.String("membership", cfg.Cluster.Membership),
		zap.Int("vnodes", cfg.Cluster.VNodes))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Shard node failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg, cfg.Server.NodeID)

	nodeCfg, err := nodeConfig(cfg)
	if err != nil {
		return err
	}
	feed, err := buildFeed(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create membership feed: %w", err)
	}
	stores, err := buildStores(cfg, logger)
	if err != nil {
		feed.Close()
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		feed.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	t := transport.NewGRPCTransport(&transport.GRPCConfig{
		NodeID:      nodeCfg.NodeID,
		SendTimeout: cfg.Calls.SendTimeout,
		Workers:     cfg.Calls.Workers,
		QueueSize:   cfg.Calls.QueueSize,
	}, m, logger)
	n := node.New(nodeCfg, t, feed, stores, m, logger)

	counters := counter.NewStore(cfg.Cluster.VNodes)
	mod, err := counter.NewModule(counters)
	if err != nil {
		n.Stop()
		return fmt.Errorf("failed to build counter module: %w", err)
	}
	if err := n.Register(mod); err != nil {
		n.Stop()
		return err
	}

	errChan := make(chan error, 2)
	go func() {
		if err := t.Serve(listener); err != nil {
			errChan <- err
		}
	}()

	if err := n.Start(context.Background()); err != nil {
		n.Stop()
		return err
	}

	adminCfg := &server.Config{
		Port:            cfg.Server.AdminPort,
		MetricsPath:     cfg.Metrics.Path,
		InvokeTimeout:   cfg.Server.InvokeTimeout,
		InvokeRateLimit: cfg.Server.InvokeRateLimit,
		InvokeBurst:     cfg.Server.InvokeBurst,
	}
	if cfg.Metrics.Enabled {
		adminCfg.Gatherer = reg
	}
	admin := server.NewServer(adminCfg, n, logger)
	admin.SetupRoutes()
	go func() {
		if err := admin.Start(); err != nil {
			errChan <- err
		}
	}()

	logger.Info("Shard node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", addr),
		zap.Int("admin_port", cfg.Server.AdminPort))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		logger.Error("Server error", zap.Error(runErr))
	}

	logger.Info("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := admin.Shutdown(ctx); err != nil {
		logger.Error("Failed to shut down admin server", zap.Error(err))
	}
	n.Stop()

	logger.Info("Shard node shutdown complete")
	return runErr
}

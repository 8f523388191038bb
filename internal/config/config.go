package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Membership backends
const (
	MembershipStatic    = "static"
	MembershipGossip    = "gossip"
	MembershipZooKeeper = "zookeeper"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseAddr   string        `yaml:"advertise_addr"`
	AdminPort       int           `yaml:"admin_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	InvokeTimeout   time.Duration `yaml:"invoke_timeout"`
	InvokeRateLimit float64       `yaml:"invoke_rate_limit"` // requests per second, 0 disables
	InvokeBurst     int           `yaml:"invoke_burst"`
}

// PeerConfig is one statically configured node
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// ClusterConfig holds cluster-wide settings
type ClusterConfig struct {
	ServiceName string       `yaml:"service_name"`
	VNodes      int          `yaml:"vnodes"`
	Membership  string       `yaml:"membership"`
	Peers       []PeerConfig `yaml:"peers"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// ZooKeeperConfig holds ZooKeeper membership configuration
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// CallsConfig holds remote call settings
type CallsConfig struct {
	GCWindow     time.Duration `yaml:"gc_window"`
	ReapInterval time.Duration `yaml:"reap_interval"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
}

// FlapConfig selects how flapping nodes are suppressed
type FlapConfig struct {
	Policy   string        `yaml:"policy"` // none | rate_limit
	Interval time.Duration `yaml:"interval"`
	Burst    int           `yaml:"burst"`
	Hold     time.Duration `yaml:"hold"`
}

// ElectionConfig holds leader election settings
type ElectionConfig struct {
	QuietPeriod time.Duration `yaml:"quiet_period"`
	Flap        FlapConfig    `yaml:"flap"`
}

// RebalanceConfig holds rebalance settings
type RebalanceConfig struct {
	Policy           string        `yaml:"policy"`
	HandoffTimeout   time.Duration `yaml:"handoff_timeout"`
	HandoffRetries   int           `yaml:"handoff_retries"`
	Parallelism      int           `yaml:"parallelism"`
	MaxReproposals   int           `yaml:"max_reproposals"`
	ReproposeBackoff time.Duration `yaml:"repropose_backoff"`
	SyncTimeout      time.Duration `yaml:"sync_timeout"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StoresConfig selects where coordination metadata is kept
type StoresConfig struct {
	Ring     string         `yaml:"ring"`  // none | memory | redis
	Plans    string         `yaml:"plans"` // memory | postgres
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a shard node
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Gossip    GossipConfig    `yaml:"gossip"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Calls     CallsConfig     `yaml:"calls"`
	Election  ElectionConfig  `yaml:"election"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Stores    StoresConfig    `yaml:"stores"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file. An empty path means defaults
// plus environment overrides only.
func LoadConfig(filePath string) (*Config, error) {
	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("SHARDROUTE_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if port := os.Getenv("SHARDROUTE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if port := os.Getenv("SHARDROUTE_ADMIN_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.AdminPort = p
		}
	}
	if addr := os.Getenv("SHARDROUTE_ADVERTISE_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}
	if membership := os.Getenv("SHARDROUTE_MEMBERSHIP"); membership != "" {
		cfg.Cluster.Membership = membership
	}
	if seeds := os.Getenv("SHARDROUTE_SEEDS"); seeds != "" {
		cfg.Gossip.SeedNodes = splitList(seeds)
	}
	if servers := os.Getenv("ZOOKEEPER_SERVERS"); servers != "" {
		cfg.ZooKeeper.Servers = splitList(servers)
	}

	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Stores.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Stores.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Stores.Redis.Password = redisPassword
	}

	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		cfg.Stores.Postgres.Host = dbHost
	}
	if dbPort := os.Getenv("DATABASE_PORT"); dbPort != "" {
		if p, err := strconv.Atoi(dbPort); err == nil {
			cfg.Stores.Postgres.Port = p
		}
	}
	if dbName := os.Getenv("DATABASE_NAME"); dbName != "" {
		cfg.Stores.Postgres.Database = dbName
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		cfg.Stores.Postgres.User = dbUser
	}
	if dbPassword := os.Getenv("DATABASE_PASSWORD"); dbPassword != "" {
		cfg.Stores.Postgres.Password = dbPassword
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7400
	}
	if cfg.Server.AdminPort == 0 {
		cfg.Server.AdminPort = 7401
	}
	if cfg.Server.AdvertiseAddr == "" {
		host := cfg.Server.Host
		if host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		cfg.Server.AdvertiseAddr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Server.InvokeTimeout == 0 {
		cfg.Server.InvokeTimeout = 10 * time.Second
	}
	if cfg.Server.InvokeBurst == 0 {
		cfg.Server.InvokeBurst = 100
	}

	if cfg.Cluster.ServiceName == "" {
		cfg.Cluster.ServiceName = "shardroute"
	}
	if cfg.Cluster.VNodes == 0 {
		cfg.Cluster.VNodes = 64
	}
	if cfg.Cluster.Membership == "" {
		cfg.Cluster.Membership = MembershipStatic
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.ZooKeeper.Root == "" {
		cfg.ZooKeeper.Root = "/shardroute"
	}
	if cfg.ZooKeeper.SessionTimeout == 0 {
		cfg.ZooKeeper.SessionTimeout = 5 * time.Second
	}

	if cfg.Calls.GCWindow == 0 {
		cfg.Calls.GCWindow = 30 * time.Second
	}
	if cfg.Calls.ReapInterval == 0 {
		cfg.Calls.ReapInterval = time.Second
	}
	if cfg.Calls.SendTimeout == 0 {
		cfg.Calls.SendTimeout = 5 * time.Second
	}
	if cfg.Calls.Workers == 0 {
		cfg.Calls.Workers = 32
	}
	if cfg.Calls.QueueSize == 0 {
		cfg.Calls.QueueSize = 4096
	}

	if cfg.Election.QuietPeriod == 0 {
		cfg.Election.QuietPeriod = 2 * time.Second
	}
	if cfg.Election.Flap.Policy == "" {
		cfg.Election.Flap.Policy = "none"
	}
	if cfg.Election.Flap.Interval == 0 {
		cfg.Election.Flap.Interval = 10 * time.Second
	}
	if cfg.Election.Flap.Burst == 0 {
		cfg.Election.Flap.Burst = 3
	}
	if cfg.Election.Flap.Hold == 0 {
		cfg.Election.Flap.Hold = 30 * time.Second
	}

	if cfg.Rebalance.Policy == "" {
		cfg.Rebalance.Policy = "minimal_move"
	}
	if cfg.Rebalance.HandoffTimeout == 0 {
		cfg.Rebalance.HandoffTimeout = 5 * time.Second
	}
	if cfg.Rebalance.HandoffRetries == 0 {
		cfg.Rebalance.HandoffRetries = 3
	}
	if cfg.Rebalance.Parallelism == 0 {
		cfg.Rebalance.Parallelism = 4
	}
	if cfg.Rebalance.MaxReproposals == 0 {
		cfg.Rebalance.MaxReproposals = 3
	}
	if cfg.Rebalance.ReproposeBackoff == 0 {
		cfg.Rebalance.ReproposeBackoff = 500 * time.Millisecond
	}
	if cfg.Rebalance.SyncTimeout == 0 {
		cfg.Rebalance.SyncTimeout = time.Second
	}

	if cfg.Stores.Ring == "" {
		cfg.Stores.Ring = "memory"
	}
	if cfg.Stores.Plans == "" {
		cfg.Stores.Plans = "memory"
	}
	if cfg.Stores.Redis.Host == "" {
		cfg.Stores.Redis.Host = "localhost"
	}
	if cfg.Stores.Redis.Port == 0 {
		cfg.Stores.Redis.Port = 6379
	}
	if cfg.Stores.Postgres.Host == "" {
		cfg.Stores.Postgres.Host = "localhost"
	}
	if cfg.Stores.Postgres.Port == 0 {
		cfg.Stores.Postgres.Port = 5432
	}
	if cfg.Stores.Postgres.Database == "" {
		cfg.Stores.Postgres.Database = "shardroute"
	}
	if cfg.Stores.Postgres.MaxConns == 0 {
		cfg.Stores.Postgres.MaxConns = 10
	}
	if cfg.Stores.Postgres.MinConns == 0 {
		cfg.Stores.Postgres.MinConns = 1
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.AdminPort < 1 || c.Server.AdminPort > 65535 {
		return fmt.Errorf("server.admin_port must be between 1 and 65535")
	}
	if c.Server.InvokeRateLimit < 0 {
		return fmt.Errorf("server.invoke_rate_limit must not be negative")
	}
	if c.Cluster.VNodes < 1 {
		return fmt.Errorf("cluster.vnodes must be positive")
	}

	switch c.Cluster.Membership {
	case MembershipStatic:
	case MembershipGossip:
	case MembershipZooKeeper:
		if len(c.ZooKeeper.Servers) == 0 {
			return fmt.Errorf("zookeeper.servers is required for zookeeper membership")
		}
	default:
		return fmt.Errorf("cluster.membership must be one of static, gossip, zookeeper")
	}
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Addr == "" {
			return fmt.Errorf("cluster.peers entries need id and addr")
		}
	}

	if c.Calls.GCWindow <= c.Calls.ReapInterval {
		return fmt.Errorf("calls.gc_window must be longer than calls.reap_interval")
	}

	switch c.Election.Flap.Policy {
	case "none", "rate_limit":
	default:
		return fmt.Errorf("election.flap.policy must be none or rate_limit")
	}

	switch c.Rebalance.Policy {
	case "minimal_move", "single_node":
	default:
		return fmt.Errorf("rebalance.policy must be minimal_move or single_node")
	}
	if c.Rebalance.HandoffRetries < 1 {
		return fmt.Errorf("rebalance.handoff_retries must be positive")
	}

	switch c.Stores.Ring {
	case "none", "memory", "redis":
	default:
		return fmt.Errorf("stores.ring must be none, memory or redis")
	}
	switch c.Stores.Plans {
	case "memory", "postgres":
	default:
		return fmt.Errorf("stores.plans must be memory or postgres")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/shardroute/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxWatchRetries = 5

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// RedisRingStore persists the ring snapshot of a node under
// shardroute:<service>:ring:<node>
type RedisRingStore struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// RingKey returns the Redis key holding the snapshot of node in service
func RingKey(service string, node model.NodeID) string {
	return fmt.Sprintf("shardroute:%s:ring:%s", service, node)
}

// NewRedisRingStore connects to Redis and verifies the connection
func NewRedisRingStore(cfg *RedisConfig, service string, node model.NodeID, logger *zap.Logger) (*RedisRingStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisRingStore{
		client: client,
		key:    RingKey(service, node),
		logger: logger,
	}, nil
}

// SaveRing implements RingStore. The compare and set runs in a WATCH
// transaction so a slower writer cannot overwrite a newer version.
func (s *RedisRingStore) SaveRing(ctx context.Context, snapshot *model.RingSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal ring snapshot: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		if current != nil && !current.Version.Less(snapshot.Version) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, payload, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = s.client.Watch(ctx, txf, s.key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.logger.Debug("Ring snapshot write raced, retrying",
			zap.String("key", s.key),
			zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("failed to save ring snapshot after %d attempts: %w", maxWatchRetries, err)
}

// LoadRing implements RingStore
func (s *RedisRingStore) LoadRing(ctx context.Context) (*model.RingSnapshot, error) {
	return s.load(ctx, s.client)
}

func (s *RedisRingStore) load(ctx context.Context, c redis.Cmdable) (*model.RingSnapshot, error) {
	data, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ring snapshot: %w", err)
	}

	var snapshot model.RingSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ring snapshot: %w", err)
	}
	return &snapshot, nil
}

// Close implements RingStore
func (s *RedisRingStore) Close() error {
	return s.client.Close()
}

// Package counter is a shard module of named integer counters. Each node
// keeps the counters of the vnodes it owns and hands them off on rebalance.
package counter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/devrev/shardroute/internal/model"
	"github.com/devrev/shardroute/internal/module"
	"github.com/devrev/shardroute/internal/ring"
)

// ModuleName is the name the counter module registers under
const ModuleName = "counter"

// Store holds counters partitioned by vnode. It implements module.Migrator.
type Store struct {
	vnodeCount int

	mu   sync.Mutex
	data map[model.VNode]map[string]int64
}

// NewStore creates an empty store for a ring of vnodeCount vnodes
func NewStore(vnodeCount int) *Store {
	return &Store{
		vnodeCount: vnodeCount,
		data:       make(map[model.VNode]map[string]int64),
	}
}

// Add adds delta to key and returns the new value
func (s *Store) Add(key string, delta int64) int64 {
	vnode := ring.VNodeForKey(key, s.vnodeCount)

	s.mu.Lock()
	defer s.mu.Unlock()
	counters, ok := s.data[vnode]
	if !ok {
		counters = make(map[string]int64)
		s.data[vnode] = counters
	}
	counters[key] += delta
	return counters[key]
}

// Get returns the value of key, zero when unset
func (s *Store) Get(key string) int64 {
	vnode := ring.VNodeForKey(key, s.vnodeCount)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[vnode][key]
}

// Len returns the number of counters held locally
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, counters := range s.data {
		n += len(counters)
	}
	return n
}

// Export implements module.Migrator
func (s *Store) Export(_ context.Context, vnode model.VNode) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := s.data[vnode]
	if len(counters) == 0 {
		return nil, nil
	}
	return json.Marshal(counters)
}

// Import implements module.Migrator. Imported values replace local ones.
func (s *Store) Import(_ context.Context, vnode model.VNode, state []byte) error {
	counters := make(map[string]int64)
	if err := json.Unmarshal(state, &counters); err != nil {
		return fmt.Errorf("failed to decode counters: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.data[vnode]
	if !ok {
		s.data[vnode] = counters
		return nil
	}
	for key, value := range counters {
		existing[key] = value
	}
	return nil
}

// Drop implements module.Migrator
func (s *Store) Drop(_ context.Context, vnode model.VNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, vnode)
}

// NewModule builds the counter module over store:
//
//	incr(key[, delta]) -> new value
//	get(key)           -> value
//	size()             -> counters held by the calling node
func NewModule(store *Store, opts ...module.Option) (*module.Module, error) {
	opts = append([]module.Option{module.WithMigrator(store)}, opts...)
	mod := module.New(ModuleName, opts...)

	if err := mod.Handle("incr", func(_ context.Context, args [][]byte) ([]byte, error) {
		delta := int64(1)
		if len(args) > 1 {
			d, err := strconv.ParseInt(string(args[1]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid delta %q", args[1])
			}
			delta = d
		}
		return encode(store.Add(string(args[0]), delta)), nil
	}); err != nil {
		return nil, err
	}

	if err := mod.Handle("get", func(_ context.Context, args [][]byte) ([]byte, error) {
		return encode(store.Get(string(args[0]))), nil
	}); err != nil {
		return nil, err
	}

	if err := mod.HandleLocal("size", func(_ context.Context, _ [][]byte) ([]byte, error) {
		return encode(int64(store.Len())), nil
	}); err != nil {
		return nil, err
	}
	return mod, nil
}

func encode(v int64) []byte {
	return []byte(strconv.FormatInt(v, 10))
}

// Decode parses a value returned by the counter methods
func Decode(value []byte) (int64, error) {
	return strconv.ParseInt(string(value), 10, 64)
}

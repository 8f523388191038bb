package ring

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/devrev/shardroute/internal/model"
)

// Hash computes the SHA-256 of key truncated to its first 8 bytes
func Hash(key string) uint64 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// VNodeForKey maps a shard key onto one of count vnodes. The mapping depends
// only on the key and count, so every node agrees on it.
func VNodeForKey(key string, count int) model.VNode {
	if count <= 0 {
		return 0
	}
	return model.VNode(Hash(key) % uint64(count))
}

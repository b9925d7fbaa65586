// Package hashing provides the hash functions the teacher's sharding
// logic used for shard placement, repurposed here as an auxiliary
// cache-key source: pkg/dbspec's Resolver keys its per-hostname DNS cache
// by CacheKey rather than the raw hostname, and callers needing to shard
// a key outside the '#'/range/list descriptor placeholders can pick a
// HashFunction directly.
package hashing

import (
	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// HashFunction hashes a key to a uint64, for callers selecting among
// shards or cache buckets by a key of their own (outside the Expander's
// built-in '#'/range/list mechanisms, §4.2).
type HashFunction interface {
	Hash(key string) uint64
}

// Murmur3Hash implements Murmur3 hash.
type Murmur3Hash struct{}

func (m *Murmur3Hash) Hash(key string) uint64 {
	h := murmur3.New64()
	h.Write([]byte(key))
	return h.Sum64()
}

// XXHash implements xxHash.
type XXHash struct{}

func (x *XXHash) Hash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// NewHashFunction builds a HashFunction by name, defaulting to Murmur3Hash
// for an unrecognized or empty name.
func NewHashFunction(name string) HashFunction {
	switch name {
	case "xxhash":
		return &XXHash{}
	case "murmur3":
		fallthrough
	default:
		return &Murmur3Hash{}
	}
}

// CacheKey hashes parts into a single cache key via xxHash, the same
// function XXHash wraps, for multi-part cache keys (e.g. a hostname plus
// a descriptor's other segments) that would otherwise need string
// concatenation for every lookup.
func CacheKey(parts ...string) uint64 {
	h := xxhash.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // separator, so ("ab","c") != ("a","bc")
	}
	return h.Sum64()
}

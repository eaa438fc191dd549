package store

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Strategy selects how a key resolves to a shard id.
type Strategy string

const (
	StrategyHash           Strategy = "hash"
	StrategyRange          Strategy = "range"
	StrategyLookup         Strategy = "lookup"
	StrategyConsistentHash Strategy = "consistent_hash"
	StrategyDynamic        Strategy = "dynamic"
	StrategyTime           Strategy = "time"
	StrategyGeo            Strategy = "geo"
	StrategyComposite      Strategy = "composite"
)

// ring is a consistent-hash ring with virtual nodes, used by
// StrategyConsistentHash (the default) and as one leg of StrategyComposite.
type ring struct {
	virtualNodes int
	sortedHashes []uint64
	hashToShard  map[uint64]int
}

func newRing(shardCount, virtualNodes int) *ring {
	if virtualNodes <= 0 {
		virtualNodes = 100
	}
	r := &ring{
		virtualNodes: virtualNodes,
		hashToShard:  make(map[uint64]int, shardCount*virtualNodes),
	}
	for shard := 0; shard < shardCount; shard++ {
		for v := 0; v < virtualNodes; v++ {
			h := xxhash.Sum64String(strconv.Itoa(shard) + "#" + strconv.Itoa(v))
			r.hashToShard[h] = shard
			r.sortedHashes = append(r.sortedHashes, h)
		}
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool { return r.sortedHashes[i] < r.sortedHashes[j] })
	return r
}

func (r *ring) shardFor(key string) int {
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.sortedHashes), func(i int) bool { return r.sortedHashes[i] >= h })
	if idx == len(r.sortedHashes) {
		idx = 0
	}
	return r.hashToShard[r.sortedHashes[idx]]
}

// resolveShard maps a key to a shard index [0, shardCount) under the given
// strategy. Non-consistent-hash strategies are deliberately simple: they
// exist so a deployment can opt out of rehashing-on-resize semantics, not to
// be exhaustive partitioning schemes.
func resolveShard(strategy Strategy, r *ring, key string, shardCount int) int {
	switch strategy {
	case StrategyHash:
		return int(xxhash.Sum64String(key) % uint64(shardCount))
	case StrategyRange:
		if len(key) == 0 {
			return 0
		}
		return int(key[0]) % shardCount
	case StrategyLookup:
		return int(xxhash.Sum64String(key) % uint64(shardCount))
	case StrategyTime:
		return int(xxhash.Sum64String(key) % uint64(shardCount))
	case StrategyGeo:
		return int(xxhash.Sum64String(key) % uint64(shardCount))
	case StrategyComposite:
		a := r.shardFor(key)
		b := int(xxhash.Sum64String(key) % uint64(shardCount))
		return (a ^ b) % shardCount
	case StrategyDynamic:
		return r.shardFor(key)
	default: // StrategyConsistentHash
		return r.shardFor(key)
	}
}

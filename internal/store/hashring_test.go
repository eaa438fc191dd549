package store

import (
	"strconv"
	"testing"
)

func TestRing_ShardForIsStableAndInRange(t *testing.T) {
	r := newRing(4, 50)
	keys := []string{"sender-a", "sender-b", "0xdeadbeef", ""}
	for _, k := range keys {
		shard := r.shardFor(k)
		if shard < 0 || shard >= 4 {
			t.Errorf("shardFor(%q) = %d, out of [0,4) range", k, shard)
		}
		if got := r.shardFor(k); got != shard {
			t.Errorf("shardFor(%q) not stable across calls: %d vs %d", k, shard, got)
		}
	}
}

func TestRing_DistributesAcrossShards(t *testing.T) {
	r := newRing(4, 100)
	counts := make(map[int]int)
	for i := 0; i < 2000; i++ {
		shard := r.shardFor("key-" + strconv.Itoa(i))
		counts[shard]++
	}
	if len(counts) != 4 {
		t.Fatalf("used %d distinct shards, want 4", len(counts))
	}
	for shard, n := range counts {
		if n < 200 {
			t.Errorf("shard %d got only %d of 2000 keys, distribution too skewed", shard, n)
		}
	}
}

func TestResolveShard_HashStrategyInRange(t *testing.T) {
	for _, strat := range []Strategy{StrategyHash, StrategyLookup, StrategyTime, StrategyGeo} {
		shard := resolveShard(strat, nil, "some-key", 5)
		if shard < 0 || shard >= 5 {
			t.Errorf("resolveShard(%s, ...) = %d, out of [0,5) range", strat, shard)
		}
	}
}

func TestResolveShard_RangeStrategy(t *testing.T) {
	if got := resolveShard(StrategyRange, nil, "", 5); got != 0 {
		t.Errorf("resolveShard(StrategyRange, empty key) = %d, want 0", got)
	}
	shard := resolveShard(StrategyRange, nil, "Z", 5)
	if shard != int('Z')%5 {
		t.Errorf("resolveShard(StrategyRange, %q) = %d, want %d", "Z", shard, int('Z')%5)
	}
}

func TestResolveShard_ConsistentHashDefaultMatchesRing(t *testing.T) {
	r := newRing(4, 50)
	if got := resolveShard(StrategyConsistentHash, r, "acct-1", 4); got != r.shardFor("acct-1") {
		t.Errorf("resolveShard(StrategyConsistentHash, ...) = %d, want %d", got, r.shardFor("acct-1"))
	}
	if got := resolveShard("unknown-strategy", r, "acct-1", 4); got != r.shardFor("acct-1") {
		t.Errorf("resolveShard(unknown strategy, ...) should fall back to consistent hash, got %d want %d", got, r.shardFor("acct-1"))
	}
}

func TestResolveShard_CompositeInRange(t *testing.T) {
	r := newRing(4, 50)
	shard := resolveShard(StrategyComposite, r, "acct-2", 4)
	if shard < 0 || shard >= 4 {
		t.Errorf("resolveShard(StrategyComposite, ...) = %d, out of [0,4) range", shard)
	}
}

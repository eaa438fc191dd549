// Package cache implements the three-tier (L1/L2/L3) sharded LRU cache with
// adaptive compression and access-frequency promotion/demotion that sits in
// front of the sharded store.
package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/md5"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/flate"

	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// Tier is a cache residency level.
type Tier int

const (
	L1 Tier = iota
	L2
	L3
)

func (t Tier) String() string {
	switch t {
	case L1:
		return "l1"
	case L2:
		return "l2"
	default:
		return "l3"
	}
}

// Algorithm is the compression scheme tagged onto a stored entry.
type Algorithm string

const (
	AlgoNone    Algorithm = "none"
	AlgoGzip    Algorithm = "gzip"
	AlgoDeflate Algorithm = "deflate"
	AlgoBrotli  Algorithm = "brotli"
)

// Entry is one cached value.
type Entry struct {
	Key          string
	Value        []byte
	Algorithm    Algorithm
	AccessCount  int
	LastAccess   time.Time
	Tier         Tier
}

// Config configures a MultiLevelCache.
type Config struct {
	BaseTTL              time.Duration
	L1Capacity           int
	L2Capacity           int
	L3Capacity           int
	ShardCount           int
	PromotionThreshold   int
	DemotionThreshold    time.Duration
	CompressionThreshold int
}

type tierLRU struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Entry]
	ttl   time.Duration
}

type shard struct {
	mu   sync.RWMutex
	tiers [3]*tierLRU

	deps map[string]map[string]struct{} // key -> dependents
	tags map[string]map[string]struct{} // tag -> keys
	best map[string]Algorithm           // key -> memoised best algorithm
}

// MultiLevelCache is a sharded, three-tier LRU with adaptive compression.
type MultiLevelCache struct {
	cfg     Config
	shards  []*shard
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a MultiLevelCache with tier capacities and TTLs derived from
// cfg's base TTL (L1=20%/25%TTL, L2=30%/50%TTL, L3=50%/100%TTL defaults).
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) *MultiLevelCache {
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = 10 * time.Minute
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 32
	}
	if cfg.ShardCount > 64 {
		cfg.ShardCount = 64
	}
	if cfg.PromotionThreshold <= 0 {
		cfg.PromotionThreshold = 3
	}
	if cfg.DemotionThreshold <= 0 {
		cfg.DemotionThreshold = 5 * time.Minute
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 1024
	}
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = 1000
	}
	if cfg.L2Capacity <= 0 {
		cfg.L2Capacity = 1500
	}
	if cfg.L3Capacity <= 0 {
		cfg.L3Capacity = 2500
	}

	mc := &MultiLevelCache{cfg: cfg, logger: logger, metrics: m}
	mc.shards = make([]*shard, cfg.ShardCount)
	for i := range mc.shards {
		mc.shards[i] = newShard(cfg)
	}
	return mc
}

func newShard(cfg Config) *shard {
	l1, _ := lru.New[string, *Entry](cfg.L1Capacity)
	l2, _ := lru.New[string, *Entry](cfg.L2Capacity)
	l3, _ := lru.New[string, *Entry](cfg.L3Capacity)

	return &shard{
		tiers: [3]*tierLRU{
			{cache: l1, ttl: time.Duration(float64(cfg.BaseTTL) * 0.25)},
			{cache: l2, ttl: time.Duration(float64(cfg.BaseTTL) * 0.5)},
			{cache: l3, ttl: cfg.BaseTTL},
		},
		deps: make(map[string]map[string]struct{}),
		tags: make(map[string]map[string]struct{}),
		best: make(map[string]Algorithm),
	}
}

func (mc *MultiLevelCache) shardFor(key string) *shard {
	sum := md5.Sum([]byte(key))
	idx := binary.BigEndian.Uint32(sum[:4]) % uint32(len(mc.shards))
	return mc.shards[idx]
}

// Get looks up key across tiers L1->L3, promoting access-frequency counters
// and decompressing the value. A decompression error degrades to a miss.
func (mc *MultiLevelCache) Get(key string) ([]byte, bool) {
	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	for tier := L1; tier <= L3; tier++ {
		t := s.tiers[tier]
		t.mu.Lock()
		e, ok := t.cache.Get(key)
		if !ok {
			t.mu.Unlock()
			continue
		}
		if time.Since(e.LastAccess) > t.ttl && !e.LastAccess.IsZero() {
			t.cache.Remove(key)
			t.mu.Unlock()
			mc.recordMiss(tier)
			return nil, false
		}
		e.AccessCount++
		e.LastAccess = time.Now()
		t.mu.Unlock()

		mc.recordHit(tier)

		value, err := decompress(e.Value, e.Algorithm)
		if err != nil {
			mc.logger.Warn("cache decompress failed, degrading to miss", "key", key, "algorithm", e.Algorithm)
			return nil, false
		}

		if e.AccessCount%mc.cfg.PromotionThreshold == 0 && tier < L3 {
			mc.promote(s, key, e, tier)
		}

		return value, true
	}

	mc.recordMiss(L1)
	return nil, false
}

func (mc *MultiLevelCache) recordHit(tier Tier) {
	if mc.metrics != nil {
		mc.metrics.CacheHits.WithLabelValues(tier.String()).Inc()
	}
}

func (mc *MultiLevelCache) recordMiss(tier Tier) {
	if mc.metrics != nil {
		mc.metrics.CacheMisses.WithLabelValues(tier.String()).Inc()
	}
}

func (mc *MultiLevelCache) promote(s *shard, key string, e *Entry, from Tier) {
	to := from + 1
	s.tiers[from].cache.Remove(key)
	e.Tier = to
	s.tiers[to].cache.Add(key, e)
	if mc.metrics != nil {
		mc.metrics.CachePromotions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

func (mc *MultiLevelCache) demote(s *shard, key string, e *Entry, from Tier) {
	if from == L1 {
		return
	}
	to := from - 1
	s.tiers[from].cache.Remove(key)
	e.Tier = to
	s.tiers[to].cache.Add(key, e)
	if mc.metrics != nil {
		mc.metrics.CacheDemotions.WithLabelValues(from.String(), to.String()).Inc()
	}
}

// Set stores value in L1, compressing it if its length exceeds
// CompressionThreshold. A compression error degrades to a no-op set (the key
// is simply not cached, surfacing as a future miss rather than an error to
// the caller).
func (mc *MultiLevelCache) Set(key string, value []byte) {
	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	algo := AlgoNone
	stored := value
	if len(value) > mc.cfg.CompressionThreshold {
		best, compressed, err := mc.bestCompression(s, key, value)
		if err != nil {
			mc.logger.Warn("cache compress failed, degrading to miss", "key", key)
			for tier := L1; tier <= L3; tier++ {
				s.tiers[tier].cache.Remove(key)
			}
			return
		}
		algo = best
		stored = compressed
	}

	e := &Entry{
		Key:         key,
		Value:       stored,
		Algorithm:   algo,
		AccessCount: 0,
		LastAccess:  time.Now(),
		Tier:        L1,
	}
	for tier := L1; tier <= L3; tier++ {
		s.tiers[tier].cache.Remove(key)
	}
	s.tiers[L1].cache.Add(key, e)

	if mc.metrics != nil && algo != AlgoNone {
		ratio := float64(len(stored)) / float64(len(value))
		mc.metrics.CacheCompressionRatio.WithLabelValues(string(algo)).Observe(ratio)
	}
}

// bestCompression tries each algorithm once per key, memoising the winner by
// compression ratio for subsequent sets of the same key.
func (mc *MultiLevelCache) bestCompression(s *shard, key string, value []byte) (Algorithm, []byte, error) {
	if memoised, ok := s.best[key]; ok {
		out, err := compress(value, memoised)
		if err == nil {
			return memoised, out, nil
		}
	}

	candidates := []Algorithm{AlgoGzip, AlgoDeflate, AlgoBrotli}
	var bestAlgo Algorithm
	var bestOut []byte
	for _, algo := range candidates {
		out, err := compress(value, algo)
		if err != nil {
			continue
		}
		if bestOut == nil || len(out) < len(bestOut) {
			bestAlgo, bestOut = algo, out
		}
	}
	if bestOut == nil {
		return "", nil, io.ErrUnexpectedEOF
	}
	s.best[key] = bestAlgo
	return bestAlgo, bestOut, nil
}

func compress(value []byte, algo Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	switch algo {
	case AlgoGzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgoDeflate:
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case AlgoBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return value, nil
	}
	return buf.Bytes(), nil
}

func decompress(value []byte, algo Algorithm) ([]byte, error) {
	switch algo {
	case AlgoNone, "":
		return value, nil
	case AlgoGzip:
		r, err := gzip.NewReader(bytes.NewReader(value))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case AlgoDeflate:
		r := flate.NewReader(bytes.NewReader(value))
		defer r.Close()
		return io.ReadAll(r)
	case AlgoBrotli:
		r := brotli.NewReader(bytes.NewReader(value))
		return io.ReadAll(r)
	default:
		return nil, io.ErrUnexpectedEOF
	}
}

// AddDependency registers that invalidating key should cascade to dep. Cycles
// are rejected at insert time.
func (mc *MultiLevelCache) AddDependency(key, dep string) error {
	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if mc.wouldCycle(s, dep, key) {
		return errCycle
	}
	if s.deps[key] == nil {
		s.deps[key] = make(map[string]struct{})
	}
	s.deps[key][dep] = struct{}{}
	return nil
}

func (mc *MultiLevelCache) wouldCycle(s *shard, from, to string) bool {
	if from == to {
		return true
	}
	visited := make(map[string]bool)
	var visit func(n string) bool
	visit = func(n string) bool {
		if n == to {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for d := range s.deps[n] {
			if visit(d) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// Invalidate removes key and cascades to all transitively dependent keys.
func (mc *MultiLevelCache) Invalidate(key string) {
	visited := make(map[string]bool)
	queue := []string{key}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if visited[k] {
			continue
		}
		visited[k] = true
		s := mc.shardFor(k)
		s.mu.Lock()
		for tier := L1; tier <= L3; tier++ {
			s.tiers[tier].cache.Remove(k)
		}
		for d := range s.deps[k] {
			queue = append(queue, d)
		}
		delete(s.deps, k)
		s.mu.Unlock()
	}
}

// Tag associates key with tag for later bulk invalidation.
func (mc *MultiLevelCache) Tag(key, tag string) {
	s := mc.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags[tag] == nil {
		s.tags[tag] = make(map[string]struct{})
	}
	s.tags[tag][key] = struct{}{}
}

// InvalidateByTag invalidates every key registered under tag. Tagged keys may
// live on any shard, so this scans all shards' tag indexes for the name.
func (mc *MultiLevelCache) InvalidateByTag(tag string) {
	for _, s := range mc.shards {
		s.mu.Lock()
		keys := s.tags[tag]
		delete(s.tags, tag)
		s.mu.Unlock()

		for k := range keys {
			mc.Invalidate(k)
		}
	}
}

// Sweep demotes entries whose last access exceeds the demotion threshold; it
// is intended to run periodically from a caller-owned goroutine.
func (mc *MultiLevelCache) Sweep() {
	for _, s := range mc.shards {
		s.mu.Lock()
		for tier := L2; tier <= L3; tier++ {
			t := s.tiers[tier]
			for _, key := range t.cache.Keys() {
				e, ok := t.cache.Peek(key)
				if !ok {
					continue
				}
				if time.Since(e.LastAccess) > mc.cfg.DemotionThreshold {
					mc.demote(s, key, e, tier)
				}
			}
		}
		s.mu.Unlock()
	}
}

var errCycle = cacheError("dependency graph cycle rejected")

type cacheError string

func (e cacheError) Error() string { return string(e) }

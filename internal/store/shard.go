package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/lib/pq"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
)

// HealthState is a shard's observed status.
type HealthState string

const (
	Healthy   HealthState = "Healthy"
	Unhealthy HealthState = "Unhealthy"
)

// preparedStatementKeys names the six hot statements every shard registers.
const (
	StmtGetTx          = "get_tx"
	StmtGetTxBySender  = "get_tx_by_sender"
	StmtInsertTx       = "insert_tx"
	StmtUpdateTxStatus = "update_tx_status"
	StmtGetState       = "get_state"
	StmtUpsertState    = "upsert_state"
)

type cachedQuery struct {
	rows      [][]interface{}
	expiresAt time.Time
}

// Shard owns a primary connection, R-1 replicas, a connection pool, a
// prepared-statement registry, and a query cache.
type Shard struct {
	ID int

	mu       sync.RWMutex
	primary  *sql.DB
	replicas []*sql.DB
	dsns     []string // dsns[0] is the primary's DSN, used to re-create it after failover

	status HealthState

	stmtMu sync.Mutex
	stmts  map[string]string // logical name -> SQL text (sql.DB caches the prepared plan internally)

	queryCacheMu sync.Mutex
	queryCache   *lru.Cache[string, cachedQuery]
	queryTTL     time.Duration

	poolSize       int
	idleTimeout    time.Duration
	acquireTimeout time.Duration

	logger *logging.Logger
}

// ShardOpts configures a single Shard's connection pool and cache sizing.
type ShardOpts struct {
	PoolSize       int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
	QueryCacheSize int
	QueryCacheTTL  time.Duration
}

// openShard opens a primary and its replicas, all lib/pq DSNs.
func openShard(id int, primaryDSN string, replicaDSNs []string, opts ShardOpts, logger *logging.Logger) (*Shard, error) {
	primary, err := sql.Open("postgres", primaryDSN)
	if err != nil {
		return nil, errors.StorageWrap(err, errors.OpResolveShard, "failed to open shard primary")
	}
	primary.SetMaxOpenConns(opts.PoolSize)
	primary.SetMaxIdleConns(opts.PoolSize)
	primary.SetConnMaxIdleTime(opts.IdleTimeout)

	replicas := make([]*sql.DB, 0, len(replicaDSNs))
	for _, dsn := range replicaDSNs {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, errors.StorageWrap(err, errors.OpResolveShard, "failed to open shard replica")
		}
		db.SetMaxOpenConns(opts.PoolSize)
		db.SetMaxIdleConns(opts.PoolSize)
		replicas = append(replicas, db)
	}

	cache, _ := lru.New[string, cachedQuery](opts.QueryCacheSize)

	return &Shard{
		ID:             id,
		primary:        primary,
		replicas:       replicas,
		dsns:           append([]string{primaryDSN}, replicaDSNs...),
		status:         Healthy,
		stmts:          defaultStatements(),
		queryCache:     cache,
		queryTTL:       opts.QueryCacheTTL,
		poolSize:       opts.PoolSize,
		idleTimeout:    opts.IdleTimeout,
		acquireTimeout: opts.AcquireTimeout,
		logger:         logger,
	}, nil
}

func defaultStatements() map[string]string {
	return map[string]string{
		StmtGetTx:          `SELECT id, sender, data, status, created_at, updated_at FROM transactions WHERE id = $1`,
		StmtGetTxBySender:  `SELECT id, sender, data, status, created_at, updated_at FROM transactions WHERE sender = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		StmtInsertTx:       `INSERT INTO transactions (id, sender, data, status, created_at, updated_at) VALUES ($1, $2, $3, $4, now(), now())`,
		StmtUpdateTxStatus: `UPDATE transactions SET status = $2, updated_at = now() WHERE id = $1`,
		StmtGetState:       `SELECT key, value, version, updated_at FROM state WHERE key = $1`,
		StmtUpsertState:    `INSERT INTO state (key, value, version, created_at, updated_at) VALUES ($1, $2, $3, now(), now()) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = EXCLUDED.version, updated_at = now() WHERE state.version < EXCLUDED.version`,
	}
}

// Status reports whether the shard is Healthy or Unhealthy.
func (s *Shard) Status() HealthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Shard) setStatus(st HealthState) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// HealthCheck runs SELECT 1 against the primary and marks the shard
// accordingly.
func (s *Shard) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	primary := s.primary
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	var one int
	err := primary.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	if err != nil {
		s.setStatus(Unhealthy)
		return err
	}
	s.setStatus(Healthy)
	return nil
}

// HealthyReplica returns the first replica observed to answer SELECT 1, or
// nil if none do.
func (s *Shard) HealthyReplica(ctx context.Context) *sql.DB {
	s.mu.RLock()
	replicas := append([]*sql.DB(nil), s.replicas...)
	s.mu.RUnlock()

	for _, r := range replicas {
		checkCtx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
		var one int
		err := r.QueryRowContext(checkCtx, "SELECT 1").Scan(&one)
		cancel()
		if err == nil {
			return r
		}
	}
	return nil
}

// PromoteReplica atomically swaps a healthy replica into the primary slot;
// the old primary is scheduled for re-creation by the caller after
// failover_timeout.
func (s *Shard) PromoteReplica(ctx context.Context) (oldPrimary *sql.DB, err error) {
	replica := s.HealthyReplica(ctx)
	if replica == nil {
		return nil, errors.StorageWrapWithCode(errors.ErrNotFound, errors.OpPromoteReplica, errors.StorageErrShardUnhealthy, errors.KindDependencyUnavailable, "no healthy replica to promote")
	}

	s.mu.Lock()
	oldPrimary = s.primary
	s.primary = replica
	newReplicas := make([]*sql.DB, 0, len(s.replicas))
	for _, r := range s.replicas {
		if r != replica {
			newReplicas = append(newReplicas, r)
		}
	}
	s.replicas = newReplicas
	s.status = Healthy
	s.mu.Unlock()

	s.logger.Warn("shard replica promoted to primary", "shard", s.ID)
	return oldPrimary, nil
}

// RecreatePrimary reopens the original primary DSN and adds it back as a
// replica, called failover_timeout after a promotion.
func (s *Shard) RecreatePrimary() error {
	db, err := sql.Open("postgres", s.dsns[0])
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(s.poolSize)
	s.mu.Lock()
	s.replicas = append(s.replicas, db)
	s.mu.Unlock()
	return nil
}

// Statement returns the SQL text registered under name.
func (s *Shard) Statement(name string) (string, bool) {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()
	sqlText, ok := s.stmts[name]
	return sqlText, ok
}

// QueryCacheKey hashes the statement text plus its params. The text is
// hashed as given; it is not normalised first.
func QueryCacheKey(sqlText string, params ...interface{}) string {
	h := sha256.New()
	h.Write([]byte(sqlText))
	for _, p := range params {
		fmt.Fprintf(h, "|%v", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// cachedQueryRows returns a cached result set if present and unexpired.
func (s *Shard) cachedQueryRows(key string) ([][]interface{}, bool) {
	s.queryCacheMu.Lock()
	defer s.queryCacheMu.Unlock()
	cq, ok := s.queryCache.Get(key)
	if !ok || time.Now().After(cq.expiresAt) {
		return nil, false
	}
	return cq.rows, true
}

func (s *Shard) cacheQueryRows(key string, rows [][]interface{}) {
	s.queryCacheMu.Lock()
	defer s.queryCacheMu.Unlock()
	s.queryCache.Add(key, cachedQuery{rows: rows, expiresAt: time.Now().Add(s.queryTTL)})
}

// invalidateQueryKey evicts a single cached query result, used when a write
// is known to make a specific cached read stale.
func (s *Shard) invalidateQueryKey(key string) {
	s.queryCacheMu.Lock()
	defer s.queryCacheMu.Unlock()
	s.queryCache.Remove(key)
}

// BeginTx opens a transaction against the primary with a dedicated connection.
func (s *Shard) BeginTx(ctx context.Context) (*sql.Tx, error) {
	s.mu.RLock()
	primary := s.primary
	s.mu.RUnlock()
	return primary.BeginTx(ctx, nil)
}

// Primary returns the current primary connection pool.
func (s *Shard) Primary() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.primary
}

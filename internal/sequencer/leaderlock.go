package sequencer

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
)

// LeaderLock is a Redis SET-NX lock enforcing the single-active-sequencer
// assumption spec.md §1 takes for granted. The teacher has no notion of
// this; it is grounded on the teacher's own go-redis client usage in
// internal/storage/redis_ledger.go, repurposed from balance storage to
// mutual exclusion.
//
// Losing the lock only stops this process from producing batches — it
// does not negotiate with peer sequencers. Consensus among sequencers
// remains out of scope.
type LeaderLock struct {
	client   *redis.Client
	key      string
	holderID string
	ttl      time.Duration
	logger   *logging.Logger

	held bool
}

// NewLeaderLock creates a lock bound to redisAddr, identified by key and
// acquired under holderID (typically the process's sequencer public key).
func NewLeaderLock(redisAddr, key, holderID string, ttl time.Duration, logger *logging.Logger) (*LeaderLock, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return &LeaderLock{client: client, key: key, holderID: holderID, ttl: ttl, logger: logger}, nil
}

// TryAcquire attempts to become leader, returning true on success.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holderID, l.ttl).Result()
	if err != nil {
		return false, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	l.held = ok
	return ok, nil
}

// Renew extends the lock's TTL if this process still holds it, and
// reacquires it if the TTL lapsed without a competing holder.
func (l *LeaderLock) Renew(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return l.TryAcquire(ctx)
	}
	if err != nil {
		return false, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	if val != l.holderID {
		l.held = false
		return false, nil
	}
	if err := l.client.Expire(ctx, l.key, l.ttl).Err(); err != nil {
		return false, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	l.held = true
	return true, nil
}

// RunRenewal renews the lock on a ticker until ctx is cancelled, logging
// (not panicking) on each lost-lock transition.
func (l *LeaderLock) RunRenewal(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wasHeld := l.held
			ok, err := l.Renew(ctx)
			if err != nil {
				l.logger.Warn("leader lock renewal failed", "error", err)
				continue
			}
			if wasHeld && !ok {
				l.logger.Warn("lost sequencer leader lock, batch production paused")
			}
		}
	}
}

// IsLeader reports whether this process currently holds the lock.
func (l *LeaderLock) IsLeader() bool { return l.held }

// Release gives up the lock if held by this process.
func (l *LeaderLock) Release(ctx context.Context) error {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		l.held = false
		return nil
	}
	if err != nil {
		return errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	if val == l.holderID {
		if err := l.client.Del(ctx, l.key).Err(); err != nil {
			return errors.WrapWithKind(err, errors.KindDependencyUnavailable)
		}
	}
	l.held = false
	return nil
}

// Close releases the underlying Redis client.
func (l *LeaderLock) Close() error { return l.client.Close() }

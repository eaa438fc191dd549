package recovery

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
)

// RedisMirror writes a secondary copy of each checkpoint to Redis, grounded
// on the teacher's go-redis client usage in internal/storage/redis_ledger.go
// (there: balance storage; here: a key holding the latest serialized
// sequencer.State). The local file under Config.CheckpointPath stays the
// authoritative copy; the mirror exists so a standby can restore without
// filesystem access to the crashed instance.
type RedisMirror struct {
	client *redis.Client
	key    string
	logger *logging.Logger
}

// NewRedisMirror dials redisAddr and returns a mirror writing to key.
func NewRedisMirror(redisAddr, key string, logger *logging.Logger) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return &RedisMirror{client: client, key: key, logger: logger}, nil
}

// Write stores data (a serialized sequencer.State) under the mirror key.
// Failures are logged, not propagated: the local file write already
// succeeded by the time this runs, and the mirror is a best-effort
// standby aid, not the durability guarantee.
func (r *RedisMirror) Write(ctx context.Context, data []byte) {
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		r.logger.Warn("checkpoint redis mirror write failed", "key", r.key, "error", err)
	}
}

// Read fetches the mirrored checkpoint, returning (nil, false) if absent.
func (r *RedisMirror) Read(ctx context.Context) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return data, true, nil
}

// Close releases the underlying Redis client.
func (r *RedisMirror) Close() error { return r.client.Close() }

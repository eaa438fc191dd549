package store

import (
	"context"

	"github.com/cmatc13/rollupcore/pkg/errors"
)

// schema is the two-table-per-shard layout of spec.md §6's persisted state
// layout section.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id varchar(64) PRIMARY KEY,
	sender varchar(64) NOT NULL,
	data jsonb NOT NULL,
	status varchar(20) NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS transactions_sender_idx ON transactions (sender);
CREATE INDEX IF NOT EXISTS transactions_status_idx ON transactions (status);
CREATE INDEX IF NOT EXISTS transactions_created_at_idx ON transactions (created_at);

CREATE TABLE IF NOT EXISTS state (
	key varchar(255) PRIMARY KEY,
	value jsonb NOT NULL,
	version bigint NOT NULL DEFAULT 0,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS state_updated_at_idx ON state (updated_at);
`

// Migrate applies the schema to every shard's primary. Idempotent: safe to
// run against an already-migrated shard.
func (s *ShardedStore) Migrate(ctx context.Context) error {
	s.mu.RLock()
	shards := append([]*Shard(nil), s.shards...)
	s.mu.RUnlock()

	for _, shard := range shards {
		shard.mu.RLock()
		primary := shard.primary
		shard.mu.RUnlock()

		if _, err := primary.ExecContext(ctx, schema); err != nil {
			return errors.WrapWithKind(err, errors.KindInternal)
		}
		s.logger.Info("migration applied", "shard", shard.ID)
	}
	return nil
}

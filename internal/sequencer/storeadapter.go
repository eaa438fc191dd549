package sequencer

import (
	"context"
	"encoding/json"

	"github.com/cmatc13/rollupcore/internal/store"
	"github.com/cmatc13/rollupcore/pkg/errors"
)

// ShardedStoreAdapter satisfies Store (and recovery.Store) on top of
// *store.ShardedStore, whose TxRecord.Data is an opaque JSON blob rather
// than the sequencer's {data, amount, nonce} shape. It wraps/unwraps that
// blob so the sequencer and recovery packages never need to know the
// sharded store's column layout.
type ShardedStoreAdapter struct {
	ss *store.ShardedStore
}

// NewShardedStoreAdapter wraps ss for use as a sequencer.Store.
func NewShardedStoreAdapter(ss *store.ShardedStore) *ShardedStoreAdapter {
	return &ShardedStoreAdapter{ss: ss}
}

type txPayload struct {
	Data   []byte `json:"data"`
	Amount uint64 `json:"amount"`
	Nonce  uint64 `json:"nonce"`
}

func (a *ShardedStoreAdapter) InsertTransaction(ctx context.Context, tx *TxRecord) error {
	payload, err := json.Marshal(txPayload{Data: tx.Data, Amount: tx.Amount, Nonce: tx.Nonce})
	if err != nil {
		return errors.WrapWithKind(err, errors.KindInternal)
	}
	return a.ss.InsertTransaction(ctx, store.TxRecord{
		ID:     tx.ID,
		Sender: tx.Sender,
		Data:   payload,
		Status: tx.Status,
	})
}

func (a *ShardedStoreAdapter) UpdateTransactionStatus(ctx context.Context, sender, id, status string) error {
	return a.ss.UpdateTransactionStatus(ctx, sender, id, status)
}

func (a *ShardedStoreAdapter) GetTransaction(ctx context.Context, sender, id string) (*TxRecord, error) {
	rec, err := a.ss.GetTransaction(ctx, sender, id)
	if err != nil {
		return nil, err
	}
	return unwrapTxRecord(rec)
}

func (a *ShardedStoreAdapter) GetTransactionsBySender(ctx context.Context, sender string, limit, offset int) ([]*TxRecord, error) {
	recs, err := a.ss.GetTransactionsBySender(ctx, sender, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*TxRecord, 0, len(recs))
	for _, rec := range recs {
		tx, err := unwrapTxRecord(rec)
		if err != nil {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func unwrapTxRecord(rec *store.TxRecord) (*TxRecord, error) {
	var p txPayload
	if err := json.Unmarshal(rec.Data, &p); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindCorruption)
	}
	return &TxRecord{
		ID:     rec.ID,
		Sender: rec.Sender,
		Data:   p.Data,
		Status: rec.Status,
		Amount: p.Amount,
		Nonce:  p.Nonce,
	}, nil
}

// Package transaction provides a narrow interface for submitting
// transactions, so callers (the HTTP surface, the Kafka intake consumer)
// don't need to depend on *sequencer.TxSequencer directly.
package transaction

import (
	"context"

	"github.com/cmatc13/rollupcore/internal/sequencer"
)

// Processor defines the interface for submitting transactions.
type Processor interface {
	Submit(ctx context.Context, tx *sequencer.Transaction) ([32]byte, error)
	SubmitPriority(ctx context.Context, tx *sequencer.Transaction, p int) ([32]byte, error)
}

package sequencer

import (
	"encoding/hex"

	"github.com/cmatc13/rollupcore/pkg/errors"
)

// State is the serializable slice of in-flight sequencer state that
// Recovery checkpoints: the two intake tiers, per-sender nonce counters,
// and the monotonic counters needed to resume batch numbering and report
// reconciliation progress.
type State struct {
	PriorityQueue []*Transaction    `json:"priority_queue"`
	PendingQueue  []*Transaction    `json:"pending_queue"`
	Nonces        map[string]uint64 `json:"nonces"`
	Processed     uint64            `json:"processed"`
	BatchCounter  uint64            `json:"batch_counter"`
	LastBatchID   string            `json:"last_batch_id,omitempty"`
}

// Checkpoint captures the sequencer's current in-flight state.
func (s *TxSequencer) Checkpoint() *State {
	priorityTxs, fifoTxs, nonces := s.queue.snapshot()

	st := &State{
		PriorityQueue: priorityTxs,
		PendingQueue:  fifoTxs,
		Nonces:        make(map[string]uint64, len(nonces)),
		Processed:     s.processed.Load(),
		BatchCounter:  s.batchCounter.Load(),
	}
	for sender, n := range nonces {
		st.Nonces[hexEncode(sender[:])] = n
	}
	if id, ok := s.LastBatchID(); ok {
		st.LastBatchID = hexEncode(id[:])
	}
	return st
}

// Restore replaces the sequencer's in-flight state with a previously
// checkpointed one. Called once, before RunBatchLoop starts.
func (s *TxSequencer) Restore(st *State) error {
	nonces := make(map[[32]byte]uint64, len(st.Nonces))
	for hexSender, n := range st.Nonces {
		sender, err := decodeHex32(hexSender)
		if err != nil {
			return err
		}
		nonces[sender] = n
	}
	s.queue.restore(st.PriorityQueue, st.PendingQueue, nonces)

	s.processed.Store(st.Processed)
	s.batchCounter.Store(st.BatchCounter)
	if st.LastBatchID != "" {
		id, err := decodeHex32(st.LastBatchID)
		if err != nil {
			return err
		}
		s.lastBatchID.Store(&id)
	}
	return nil
}

func decodeHex32(s string) (out [32]byte, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, errors.WrapWithKind(err, errors.KindCorruption)
	}
	if len(b) != 32 {
		return out, errors.WrapWithKind(errors.New("decoded hex is not 32 bytes"), errors.KindCorruption)
	}
	copy(out[:], b)
	return out, nil
}

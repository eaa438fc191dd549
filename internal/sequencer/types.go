// Package sequencer implements the transaction intake, ordering, and
// Merkle-batching pipeline (component F), adapted from the teacher's
// transaction/settlement engines and generalized to the rollup's
// sequencer-core semantics.
package sequencer

import (
	"time"
)

// Type is the kind of a Transaction.
type Type uint8

const (
	TypeDeposit Type = iota
	TypeTransfer
	TypeWithdrawal
	TypeOther
)

// Status is a Transaction's lifecycle state. Transitions form a DAG:
// Pending -> {Confirmed, Rejected, Challenged}; Challenged -> {Confirmed, Rejected}.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusRejected
	StatusChallenged
)

// RejectReason explains a synchronous intake rejection.
type RejectReason string

const (
	RejectInvalidSignature  RejectReason = "InvalidSignature"
	RejectBadAddress        RejectReason = "BadAddress"
	RejectNonPositiveAmount RejectReason = "NonPositiveAmount"
	RejectSelfTransfer      RejectReason = "SelfTransfer"
	RejectBadType           RejectReason = "BadType"
	RejectExpired           RejectReason = "Expired"
	RejectDuplicateNonce    RejectReason = "DuplicateNonce"
	RejectBackpressure      RejectReason = "BackpressureActive"
)

// RejectError wraps a RejectReason so callers can branch on it with errors.As.
type RejectError struct {
	Reason RejectReason
}

func (e *RejectError) Error() string { return string(e.Reason) }

// Transaction is the core data-model entity (spec.md §3). Sender, Recipient,
// and ID are fixed-width 32-byte addresses/hashes; Data and Signature are
// opaque, length-prefixed on the wire.
type Transaction struct {
	ID        [32]byte
	Sender    [32]byte
	Recipient [32]byte
	Amount    uint64
	Nonce     uint64
	Expiry    uint64
	Type      Type
	Status    Status
	Data      []byte
	Signature []byte

	Priority  int
	EnqueuedAt time.Time
}

// Batch is the unit of settlement submission (spec.md §3).
type Batch struct {
	ID          [32]byte
	TxIDs       [][32]byte
	Root        [32]byte
	SequencerPK [32]byte
	Timestamp   uint64
	Expiry      uint64
	Signature   []byte

	Transactions []*Transaction
}

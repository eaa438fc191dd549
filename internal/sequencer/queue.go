package sequencer

import (
	"sync"

	"gopkg.in/karalabe/cookiejar.v2/collections/prque"
)

// intakeQueue holds the two tiers spec.md §4.F requires: a priority queue
// (p in [1,10], descending) and a FIFO queue, plus per-sender nonce
// counters. All mutation goes through the sequencer (spec.md §5's
// shared-resource policy), so intakeQueue itself is not separately locked
// beyond what's needed for its own internal consistency.
type intakeQueue struct {
	mu       sync.Mutex
	priority *prque.Prque
	fifo     []*Transaction
	seq      int64

	nonceMu sync.Mutex
	nonces  map[[32]byte]uint64
}

func newIntakeQueue() *intakeQueue {
	return &intakeQueue{
		priority: prque.New(),
		nonces:   make(map[[32]byte]uint64),
	}
}

// pushPriority inserts tx into the priority tier at level p (1..10,
// descending: 10 drains first), tie-broken FIFO by enqueue order.
func (q *intakeQueue) pushPriority(tx *Transaction, p int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	prio := float32(p) - float32(q.seq)/1e7
	q.priority.Push(tx, prio)
}

func (q *intakeQueue) pushFIFO(tx *Transaction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fifo = append(q.fifo, tx)
}

// drain removes up to max transactions, priority tier first then FIFO,
// matching the inclusion order the Merkle root must preserve.
func (q *intakeQueue) drain(max int) []*Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Transaction, 0, max)
	for len(out) < max && !q.priority.Empty() {
		v, _ := q.priority.Pop()
		out = append(out, v.(*Transaction))
	}
	n := max - len(out)
	if n > len(q.fifo) {
		n = len(q.fifo)
	}
	if n > 0 {
		out = append(out, q.fifo[:n]...)
		q.fifo = q.fifo[n:]
	}
	return out
}

func (q *intakeQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo) // priority tier length isn't exposed by prque; fifo + in-flight priority items are tracked by the caller's metrics
}

// snapshot drains both tiers into plain slices for checkpointing, then
// reinserts them so normal operation is unaffected. Priority order is not
// preserved across a snapshot/restore round-trip beyond each tx's own
// Priority field, which restore() uses to rebuild the tier.
func (q *intakeQueue) snapshot() (priorityTxs, fifoTxs []*Transaction, nonces map[[32]byte]uint64) {
	q.mu.Lock()
	for !q.priority.Empty() {
		v, _ := q.priority.Pop()
		tx := v.(*Transaction)
		priorityTxs = append(priorityTxs, tx)
	}
	for _, tx := range priorityTxs {
		q.seq++
		prio := float32(tx.Priority) - float32(q.seq)/1e7
		q.priority.Push(tx, prio)
	}
	fifoTxs = append(fifoTxs, q.fifo...)
	q.mu.Unlock()

	q.nonceMu.Lock()
	nonces = make(map[[32]byte]uint64, len(q.nonces))
	for k, v := range q.nonces {
		nonces[k] = v
	}
	q.nonceMu.Unlock()
	return priorityTxs, fifoTxs, nonces
}

// restore replaces the queue's contents with a previously checkpointed state.
func (q *intakeQueue) restore(priorityTxs, fifoTxs []*Transaction, nonces map[[32]byte]uint64) {
	q.mu.Lock()
	q.priority = prque.New()
	q.seq = 0
	for _, tx := range priorityTxs {
		q.seq++
		prio := float32(tx.Priority) - float32(q.seq)/1e7
		q.priority.Push(tx, prio)
	}
	q.fifo = append([]*Transaction(nil), fifoTxs...)
	q.mu.Unlock()

	q.nonceMu.Lock()
	q.nonces = make(map[[32]byte]uint64, len(nonces))
	for k, v := range nonces {
		q.nonces[k] = v
	}
	q.nonceMu.Unlock()
}

// nextNonce returns the next expected nonce for sender without consuming it.
// Accepted nonces for a sender form a strict consecutive sequence starting
// from 1, so a sender with no accepted transactions yet expects 1, not the
// map's zero value.
func (q *intakeQueue) nextNonce(sender [32]byte) uint64 {
	q.nonceMu.Lock()
	defer q.nonceMu.Unlock()
	if n, ok := q.nonces[sender]; ok {
		return n
	}
	return 1
}

// acceptNonce records that nonce has now been accepted for sender,
// advancing the counter to nonce+1.
func (q *intakeQueue) acceptNonce(sender [32]byte, nonce uint64) {
	q.nonceMu.Lock()
	defer q.nonceMu.Unlock()
	q.nonces[sender] = nonce + 1
}

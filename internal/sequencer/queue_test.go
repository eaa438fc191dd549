package sequencer

import "testing"

func TestIntakeQueue_PriorityDrainsBeforeFIFO(t *testing.T) {
	q := newIntakeQueue()
	fifoTx := sampleTx(1)
	priorityTx := sampleTx(2)

	q.pushFIFO(fifoTx)
	q.pushPriority(priorityTx, 5)

	out := q.drain(10)
	if len(out) != 2 {
		t.Fatalf("drain returned %d transactions, want 2", len(out))
	}
	if out[0] != priorityTx {
		t.Error("priority-tier transaction should drain before the FIFO tier")
	}
	if out[1] != fifoTx {
		t.Error("FIFO transaction should drain after the priority tier is empty")
	}
}

func TestIntakeQueue_PriorityOrderDescending(t *testing.T) {
	q := newIntakeQueue()
	low := sampleTx(1)
	high := sampleTx(2)
	q.pushPriority(low, 1)
	q.pushPriority(high, 10)

	out := q.drain(10)
	if len(out) != 2 || out[0] != high || out[1] != low {
		t.Errorf("expected higher priority (10) to drain before lower (1), got order %v", out)
	}
}

func TestIntakeQueue_DrainRespectsMax(t *testing.T) {
	q := newIntakeQueue()
	for i := 0; i < 5; i++ {
		q.pushFIFO(sampleTx(uint64(i)))
	}
	out := q.drain(3)
	if len(out) != 3 {
		t.Fatalf("drain(3) returned %d, want 3", len(out))
	}
	rest := q.drain(10)
	if len(rest) != 2 {
		t.Fatalf("remaining drain returned %d, want 2", len(rest))
	}
}

func TestIntakeQueue_NonceTracking(t *testing.T) {
	q := newIntakeQueue()
	sender := [32]byte{5}

	if got := q.nextNonce(sender); got != 1 {
		t.Errorf("nextNonce for unseen sender = %d, want 1 (accepted nonces start from 1)", got)
	}
	q.acceptNonce(sender, 1)
	if got := q.nextNonce(sender); got != 2 {
		t.Errorf("nextNonce after accepting 1 = %d, want 2", got)
	}
	q.acceptNonce(sender, 2)
	if got := q.nextNonce(sender); got != 3 {
		t.Errorf("nextNonce after accepting 2 = %d, want 3", got)
	}
}

func TestIntakeQueue_SnapshotRestoreRoundTrip(t *testing.T) {
	q := newIntakeQueue()
	sender := [32]byte{7}
	pTx := sampleTx(0)
	pTx.Priority = 8
	fTx := sampleTx(1)

	q.pushPriority(pTx, 8)
	q.pushFIFO(fTx)
	q.acceptNonce(sender, 0)

	priorityTxs, fifoTxs, nonces := q.snapshot()
	if len(priorityTxs) != 1 || len(fifoTxs) != 1 {
		t.Fatalf("snapshot returned %d priority / %d fifo, want 1/1", len(priorityTxs), len(fifoTxs))
	}
	if nonces[sender] != 1 {
		t.Fatalf("snapshot nonce for sender = %d, want 1", nonces[sender])
	}

	// snapshot must not have consumed the live queue.
	if got := q.drain(10); len(got) != 2 {
		t.Fatalf("queue after snapshot drained %d items, want 2 (snapshot should not consume)", len(got))
	}

	restored := newIntakeQueue()
	restored.restore(priorityTxs, fifoTxs, nonces)
	out := restored.drain(10)
	if len(out) != 2 {
		t.Fatalf("restored queue drained %d, want 2", len(out))
	}
	if restored.nextNonce(sender) != 1 {
		t.Errorf("restored nonce = %d, want 1", restored.nextNonce(sender))
	}
}

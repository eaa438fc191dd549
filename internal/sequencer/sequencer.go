package sequencer

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmatc13/rollupcore/internal/hsm"
	"github.com/cmatc13/rollupcore/internal/resilience"
	"github.com/cmatc13/rollupcore/internal/ringbuffer"
	"github.com/cmatc13/rollupcore/internal/tss"
	"github.com/cmatc13/rollupcore/internal/workerpool"
	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"

	"github.com/google/uuid"
)

// Store is the subset of ShardedStore the sequencer depends on.
type Store interface {
	InsertTransaction(ctx context.Context, tx *TxRecord) error
	UpdateTransactionStatus(ctx context.Context, sender, id, status string) error
	GetTransaction(ctx context.Context, sender, id string) (*TxRecord, error)
	GetTransactionsBySender(ctx context.Context, sender string, limit, offset int) ([]*TxRecord, error)
}

// TxRecord is the persisted shape of a Transaction (mirrors internal/store's
// transactions table row).
type TxRecord struct {
	ID        string
	Sender    string
	Data      []byte
	Status    string
	Amount    uint64
	Nonce     uint64
}

// SettlementChain is the collaborator the sequencer submits signed batches
// to; a real implementation talks to the L1/settlement RPC endpoint.
type SettlementChain interface {
	Submit(ctx context.Context, payload []byte) (confirmed bool, rejectReason string, err error)
	RecentPriorityFees(ctx context.Context) (uint64, error)

	// BatchesSince returns batches the chain has recorded after lastBatchID
	// (hex-encoded), oldest first, for Recovery's reconciliation pass.
	// An empty lastBatchID means from genesis.
	BatchesSince(ctx context.Context, lastBatchID string) ([]SettledBatch, error)
}

// SettledBatch is the settlement layer's view of a previously submitted
// batch, used during reconciliation to confirm or re-queue its transactions.
type SettledBatch struct {
	ID        string
	TxRefs    []TxRef
	Confirmed bool
}

// TxRef identifies a transaction by the (sender, id) pair the sharded
// store keys transactions by.
type TxRef struct {
	Sender string
	ID     string
}

// SignatureVerifier checks a detached signature against the account the
// gateway resolved sender to. Address-to-public-key resolution is a
// Gateway responsibility (Transaction is "Created by the gateway" per
// spec.md §3); the sequencer only re-verifies what it's given.
type SignatureVerifier interface {
	Verify(sender [32]byte, digest, signature []byte) (bool, error)
}

// Config configures a TxSequencer's runtime knobs (mirrors
// pkg/config.SequencerConfig plus the TSS/HSM party parameters).
type Config struct {
	MaxBatchSize  int
	BatchInterval time.Duration
	MaxAge        time.Duration
	TSSThreshold  int
	TSSParties    int
	TSSSessionTTL time.Duration
	HSMKeyID      string
}

// TxSequencer implements component F: intake validation, nonce ordering,
// two-tier queueing, deterministic batch assembly, threshold+HSM signing,
// and settlement submission. Grounded on the teacher's TransactionEngine
// (validation/account bookkeeping) and SettlementEngine (batch loop),
// generalized to the rollup's batch/signature semantics.
type TxSequencer struct {
	cfg     Config
	store   Store
	chain   SettlementChain
	verify  SignatureVerifier
	signer  *tss.Signer
	hsmMgr  *hsm.Manager
	pool    *workerpool.Pool
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryPolicy
	logger  *logging.Logger
	metrics *metrics.Metrics

	sequencerPK [32]byte
	keySet      *tss.KeySet

	queue *intakeQueue

	// signQueue hands assembled batches from the batch-assembly ticker to
	// the signing goroutine, so a slow TSS round doesn't stall assembly of
	// the next batch.
	signQueue    *ringbuffer.RingBuffer
	signProducer *ringbuffer.ProducerCursor
	signConsumer *ringbuffer.ConsumerCursor

	batchCounter atomic.Uint64
	processed    atomic.Uint64
	lastBatchID  atomic.Pointer[[32]byte]

	closeCh chan struct{}
	wg      sync.WaitGroup

	leaderLock *LeaderLock
}

// SetLeaderLock attaches a single-active-sequencer lock. When set, batch
// assembly is skipped on ticks where this process doesn't hold the lock.
func (s *TxSequencer) SetLeaderLock(l *LeaderLock) {
	s.leaderLock = l
}

// New builds a TxSequencer. sequencerPK is the first 32 bytes of the
// sequencer's own compressed public key (internal/keys.Identity.PublicKey),
// used as the batch_header's sequencer_pk field.
func New(
	cfg Config,
	sequencerPK [32]byte,
	keySet *tss.KeySet,
	store Store,
	chain SettlementChain,
	verify SignatureVerifier,
	signer *tss.Signer,
	hsmMgr *hsm.Manager,
	pool *workerpool.Pool,
	breakerRegistry *resilience.Registry,
	retry *resilience.RetryPolicy,
	logger *logging.Logger,
	m *metrics.Metrics,
) *TxSequencer {
	signQueue := ringbuffer.New(ringbuffer.Config{
		Capacity:       64,
		OverflowPolicy: ringbuffer.OverflowBlock,
		WaitStrategy:   ringbuffer.WaitSleep,
	}, logger)
	signProducer, _ := signQueue.RegisterProducer("batch-builder")
	signConsumer, _ := signQueue.RegisterConsumer("signer")

	return &TxSequencer{
		cfg:          cfg,
		store:        store,
		chain:        chain,
		verify:       verify,
		signer:       signer,
		hsmMgr:       hsmMgr,
		pool:         pool,
		breaker:      breakerRegistry.Get("settlement_chain"),
		retry:        retry,
		logger:       logger,
		metrics:      m,
		sequencerPK:  sequencerPK,
		keySet:       keySet,
		queue:        newIntakeQueue(),
		signQueue:    signQueue,
		signProducer: signProducer,
		signConsumer: signConsumer,
		closeCh:      make(chan struct{}),
	}
}

// Submit validates tx and appends it to the FIFO tier.
func (s *TxSequencer) Submit(ctx context.Context, tx *Transaction) (txID [32]byte, err error) {
	return s.submit(ctx, tx, 0, false)
}

// SubmitPriority validates tx and inserts it into the priority tier at p
// (1..10, descending).
func (s *TxSequencer) SubmitPriority(ctx context.Context, tx *Transaction, p int) ([32]byte, error) {
	if p < 1 {
		p = 1
	}
	if p > 10 {
		p = 10
	}
	return s.submit(ctx, tx, p, true)
}

func (s *TxSequencer) submit(ctx context.Context, tx *Transaction, p int, priority bool) ([32]byte, error) {
	if err := s.validate(tx); err != nil {
		return [32]byte{}, err
	}

	tx.EnqueuedAt = time.Now()
	tx.ID = tx.Hash()

	if err := s.store.InsertTransaction(ctx, &TxRecord{
		ID:     hexID(tx.ID),
		Sender: hexSender(tx.Sender),
		Data:   tx.CanonicalEncoding(),
		Status: "Pending",
		Amount: tx.Amount,
		Nonce:  tx.Nonce,
	}); err != nil {
		return [32]byte{}, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	if priority {
		tx.Priority = p
		s.queue.pushPriority(tx, p)
	} else {
		s.queue.pushFIFO(tx)
	}

	s.queue.acceptNonce(tx.Sender, tx.Nonce)

	if s.metrics != nil {
		s.metrics.RecordTxAccepted(txTypeLabel(tx.Type))
	}
	return tx.ID, nil
}

// validate runs the exact ordered checks of spec.md §4.F.
func (s *TxSequencer) validate(tx *Transaction) error {
	if tx.Sender == tx.Recipient || isZero(tx.Sender) || isZero(tx.Recipient) {
		return s.reject(RejectBadAddress)
	}
	if tx.Amount == 0 {
		return s.reject(RejectNonPositiveAmount)
	}
	if tx.Type > TypeOther {
		return s.reject(RejectBadType)
	}

	expected := s.queue.nextNonce(tx.Sender)
	if tx.Nonce == 0 {
		tx.Nonce = expected
	} else if tx.Nonce != expected {
		return s.reject(RejectDuplicateNonce)
	}

	now := uint64(time.Now().Unix())
	if tx.Expiry == 0 {
		tx.Expiry = now + uint64(s.cfg.MaxAge.Seconds())
	} else if tx.Expiry <= now {
		return s.reject(RejectExpired)
	}

	if len(tx.Signature) > 0 && s.verify != nil {
		digest := tx.Hash()
		ok, err := s.verify.Verify(tx.Sender, digest[:], tx.Signature)
		if err != nil || !ok {
			return s.reject(RejectInvalidSignature)
		}
	}

	return nil
}

func (s *TxSequencer) reject(reason RejectReason) error {
	if s.metrics != nil {
		s.metrics.RecordTxRejected(string(reason))
	}
	return &RejectError{Reason: reason}
}

func isZero(b [32]byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func txTypeLabel(t Type) string {
	switch t {
	case TypeDeposit:
		return "deposit"
	case TypeTransfer:
		return "transfer"
	case TypeWithdrawal:
		return "withdrawal"
	default:
		return "other"
	}
}

// RunBatchLoop drains up to max_batch_size transactions from the queue on
// each batch_interval tick, until ctx is cancelled. A queue that reaches
// max_batch_size does not close a batch before the next tick.
func (s *TxSequencer) RunBatchLoop(ctx context.Context) {
	go s.runSignLoop(ctx)

	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			s.tryAssembleAndSign(ctx)
		}
	}
}

// runSignLoop drains assembled batches from signQueue and performs the
// TSS/HSM signing round and settlement submission, decoupled from the
// assembly ticker so a slow signing round never delays the next batch's
// assembly.
func (s *TxSequencer) runSignLoop(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		case <-ticker.C:
			rec, err := s.signQueue.Consume(s.signConsumer)
			if err != nil || rec == nil {
				continue
			}
			batch := rec.Payload.(*Batch)
			s.signAndSubmit(ctx, batch)
		}
	}
}

func (s *TxSequencer) tryAssembleAndSign(ctx context.Context) {
	if s.leaderLock != nil && !s.leaderLock.IsLeader() {
		return
	}

	txs := s.queue.drain(s.cfg.MaxBatchSize)
	if len(txs) == 0 {
		return
	}

	now := time.Now()
	live := txs[:0]
	for _, tx := range txs {
		if tx.Expiry <= uint64(now.Unix()) {
			continue
		}
		live = append(live, tx)
	}
	if len(live) == 0 {
		return
	}

	batch, err := s.assembleBatch(live)
	if err != nil {
		s.logger.Error("batch assembly failed", "error", err)
		return
	}

	if _, err := s.signQueue.Publish(s.signProducer, batch, nil); err != nil {
		s.logger.Warn("sign queue publish failed, returning batch to intake queue", "error", err, "batch_id", batch.ID)
		for _, tx := range batch.Transactions {
			s.queue.pushPriority(tx, 10)
		}
	}
}

// signAndSubmit performs the TSS/HSM signing round and, on success,
// settlement submission; on signing failure the batch's transactions are
// returned to the priority tier for inclusion in a future batch.
func (s *TxSequencer) signAndSubmit(ctx context.Context, batch *Batch) {
	if err := s.signBatch(ctx, batch); err != nil {
		s.logger.Warn("batch signing failed, returning to queue", "error", err, "batch_id", batch.ID)
		for _, tx := range batch.Transactions {
			s.queue.pushPriority(tx, 10)
		}
		return
	}

	s.submitBatch(ctx, batch)
}

// assembleBatch computes leaf hashes and the Merkle root via the worker
// pool (CPU-bound crypto work), then builds the batch header.
func (s *TxSequencer) assembleBatch(txs []*Transaction) (*Batch, error) {
	result, err := s.pool.Execute(context.Background(), &workerpool.Task{
		Type:     "merkle_root",
		Priority: 2,
		Timeout:  5 * time.Second,
		Fn: func(ctx context.Context) (interface{}, error) {
			leaves := make([][32]byte, len(txs))
			for i, tx := range txs {
				leaves[i] = tx.Hash()
			}
			return MerkleRoot(leaves), nil
		},
	})
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindInternal)
	}
	root := result.([32]byte)

	id, err := s.batchID()
	if err != nil {
		return nil, err
	}

	txIDs := make([][32]byte, len(txs))
	for i, tx := range txs {
		txIDs[i] = tx.ID
	}

	return &Batch{
		ID:           id,
		TxIDs:        txIDs,
		Root:         root,
		SequencerPK:  s.sequencerPK,
		Timestamp:    uint64(time.Now().Unix()),
		Expiry:       uint64(time.Now().Add(s.cfg.MaxAge).Unix()),
		Transactions: txs,
	}, nil
}

// batchID is SHA-256(sequencer_pk || ts || batch_counter || 16 random bytes).
func (s *TxSequencer) batchID() ([32]byte, error) {
	counter := s.batchCounter.Add(1)
	var rnd [16]byte
	if _, err := io.ReadFull(rand.Reader, rnd[:]); err != nil {
		return [32]byte{}, err
	}

	h := sha256.New()
	h.Write(s.sequencerPK[:])
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(time.Now().Unix()))
	h.Write(tsBuf[:])
	var ctrBuf [8]byte
	binary.LittleEndian.PutUint64(ctrBuf[:], counter)
	h.Write(ctrBuf[:])
	h.Write(rnd[:])

	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id, nil
}

// signBatch runs the threshold-signing ceremony across all TSS parties in
// series (a single process standing in for n distinct signer processes in
// this deployment shape), then co-signs with the HSM leg.
func (s *TxSequencer) signBatch(ctx context.Context, batch *Batch) error {
	sessionID := uuid.NewString()
	sess, err := s.signer.OpenSession(sessionID, batch.Root[:], s.cfg.TSSSessionTTL)
	if err != nil {
		return errors.WrapWithKind(err, errors.KindTransientCrypto)
	}

	// Quorum is the first t parties by id; a real deployment runs each
	// party's PartialSign in its own process, but this core acts as every
	// party in series since it alone holds every share.
	quorum := s.cfg.TSSThreshold
	if quorum > len(s.keySet.Shares) {
		quorum = len(s.keySet.Shares)
	}
	participants := make([]int, 0, quorum)
	for i := 0; i < quorum; i++ {
		participants = append(participants, s.keySet.Shares[i].PartyID)
	}

	// PartialSign requires every participant's nonce commitment published
	// before r is known, so each party publishes in one round, then
	// collects its own partial once the round closes. A single call per
	// party would only ever produce a stored partial for whichever party
	// happens to complete the round; parties that already have a stored
	// partial (the one that closed the round) are skipped on the second pass.
	for round := 0; round < 2; round++ {
		for i := 0; i < quorum; i++ {
			partyID := s.keySet.Shares[i].PartyID
			if _, done := sess.Partials()[partyID]; done {
				continue
			}
			if _, err := s.signer.PartialSign(sess, s.keySet.Shares[i], participants); err != nil {
				return errors.WrapWithKind(err, errors.KindTransientCrypto)
			}
		}
	}

	r, sigS, err := s.signer.Combine(sess, participants)
	if err != nil {
		return errors.WrapWithKind(err, errors.KindIntegrityViolation)
	}

	hsmSig, err := s.hsmMgr.Sign(ctx, s.cfg.HSMKeyID, batch.Root[:])
	if err != nil {
		return errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	batch.Signature = []byte(hsmSig + ":" + r.Text(16) + ":" + sigS.Text(16))
	return nil
}

// submitBatch pushes the signed batch to the settlement chain behind the
// dependency's RetryPolicy + CircuitBreaker, updating transaction status on
// the outcome.
func (s *TxSequencer) submitBatch(ctx context.Context, batch *Batch) {
	payload := EncodeBatch(batch)

	var confirmed bool
	var rejectReason string
	err := s.retry.DoWithBreaker(ctx, s.breaker, "settlement_chain", func(ctx context.Context) error {
		var err error
		confirmed, rejectReason, err = s.chain.Submit(ctx, payload)
		return err
	})

	statusCtx := context.Background()
	if err != nil || !confirmed {
		s.logger.Warn("batch settlement rejected", "batch_id", batch.ID, "reason", rejectReason, "error", err)
		for _, tx := range batch.Transactions {
			if tx.Expiry > uint64(time.Now().Unix()) {
				s.queue.pushFIFO(tx)
			} else {
				_ = s.store.UpdateTransactionStatus(statusCtx, hexSender(tx.Sender), hexID(tx.ID), "Rejected")
			}
		}
		return
	}

	for _, tx := range batch.Transactions {
		_ = s.store.UpdateTransactionStatus(statusCtx, hexSender(tx.Sender), hexID(tx.ID), "Confirmed")
	}
	s.processed.Add(uint64(len(batch.Transactions)))
	idCopy := batch.ID
	s.lastBatchID.Store(&idCopy)

	if s.metrics != nil {
		s.metrics.RecordBatchClosed(len(batch.Transactions))
	}
}

// Shutdown stops RunBatchLoop goroutines and waits for them to exit.
func (s *TxSequencer) Shutdown(ctx context.Context) error {
	close(s.closeCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Requeue reinserts tx into the FIFO tier without re-running validate,
// bypassing the duplicate-nonce check. Used by Recovery to restore a
// transaction that was in flight at a previous crash, or that a failed
// settlement submission returned for retry.
func (s *TxSequencer) Requeue(tx *Transaction) {
	s.queue.pushFIFO(tx)
}

// Processed returns the count of transactions confirmed across all batches.
func (s *TxSequencer) Processed() uint64 { return s.processed.Load() }

// LastBatchID returns the most recently confirmed batch id, if any.
func (s *TxSequencer) LastBatchID() (id [32]byte, ok bool) {
	p := s.lastBatchID.Load()
	if p == nil {
		return [32]byte{}, false
	}
	return *p, true
}

// LastBatchIDHex returns the hex encoding of the most recently confirmed
// batch id, or ("", false) if none has confirmed yet.
func (s *TxSequencer) LastBatchIDHex() (string, bool) {
	id, ok := s.LastBatchID()
	if !ok {
		return "", false
	}
	return hexID(id), true
}

func hexSender(b [32]byte) string { return hexEncode(b[:]) }
func hexID(b [32]byte) string     { return hexEncode(b[:]) }

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

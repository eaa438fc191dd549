// Package recovery implements component I: crash-consistent checkpointing
// of the sequencer's in-flight state, and reconciliation against the
// settlement layer. Grounded on the teacher's SettlementEngine batch-loop
// idiom (internal/settlement/settlement.go) and its own redis_ledger
// client pattern, repurposed from balance mirroring to checkpoint storage.
package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cmatc13/rollupcore/internal/resilience"
	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
)

// Config configures checkpoint cadence and reconciliation behavior
// (mirrors pkg/config.RecoveryConfig).
type Config struct {
	CheckpointInterval      int
	CheckpointPath          string
	ReconciliationInterval  time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
}

// Store is the subset of the sharded store Recovery needs to confirm or
// reject individual transactions during reconciliation.
type Store interface {
	GetTransaction(ctx context.Context, sender, id string) (*sequencer.TxRecord, error)
	UpdateTransactionStatus(ctx context.Context, sender, id, status string) error
}

// Manager owns checkpoint persistence and the reconciliation loop. It does
// not own the intake queues or signing path — those belong to
// *sequencer.TxSequencer — but it reaches into them via Checkpoint/Restore.
type Manager struct {
	cfg     Config
	seq     *sequencer.TxSequencer
	store   Store
	chain   sequencer.SettlementChain
	logger  *logging.Logger
	metrics *metrics.Metrics
	breaker *resilience.CircuitBreaker
	mirror  *RedisMirror

	mu           sync.Mutex
	sinceCheckpt int

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// SetMirror attaches an optional Redis mirror; nil disables mirroring.
func (m *Manager) SetMirror(mirror *RedisMirror) { m.mirror = mirror }

// NewManager builds a Manager bound to seq, store and chain.
func NewManager(cfg Config, seq *sequencer.TxSequencer, store Store, chain sequencer.SettlementChain, logger *logging.Logger, m *metrics.Metrics) *Manager {
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "reconciliation",
		FailureThreshold: cfg.CircuitBreakerThreshold,
		ResetTimeout:     cfg.CircuitBreakerResetTime,
	}, logger, m)

	return &Manager{
		cfg:     cfg,
		seq:     seq,
		store:   store,
		chain:   chain,
		logger:  logger,
		metrics: m,
		breaker: breaker,
		closeCh: make(chan struct{}),
	}
}

// checkpointPollInterval is how often RunCheckpointLoop samples the
// sequencer's processed counter to notice checkpoint_interval transactions
// have gone by. It is independent of reconciliation_interval: checkpoints
// are transaction-count-triggered, reconciliation is time-triggered.
const checkpointPollInterval = 500 * time.Millisecond

// RunCheckpointLoop polls the sequencer's processed-transaction counter and
// writes a checkpoint every time checkpoint_interval more transactions have
// been confirmed, until ctx is cancelled or Stop is called.
func (m *Manager) RunCheckpointLoop(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	if m.cfg.CheckpointInterval <= 0 {
		return
	}

	ticker := time.NewTicker(checkpointPollInterval)
	defer ticker.Stop()

	var lastSeen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case <-ticker.C:
			processed := m.seq.Processed()
			if processed == lastSeen {
				continue
			}

			m.mu.Lock()
			m.sinceCheckpt += int(processed - lastSeen)
			lastSeen = processed
			due := m.sinceCheckpt >= m.cfg.CheckpointInterval
			if due {
				m.sinceCheckpt = 0
			}
			m.mu.Unlock()

			if due {
				if err := m.WriteCheckpoint(ctx); err != nil {
					m.logger.Error("checkpoint write failed", "error", err)
				}
			}
		}
	}
}

// WriteCheckpoint serializes the sequencer's current state to disk,
// writing to a temp file and renaming over the target so a crash mid-write
// never leaves a half-written checkpoint behind.
func (m *Manager) WriteCheckpoint(ctx context.Context) error {
	st := m.seq.Checkpoint()
	data, err := json.Marshal(st)
	if err != nil {
		return errors.WrapWithKind(err, errors.KindInternal)
	}

	dir := filepath.Dir(m.cfg.CheckpointPath)
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return errors.WrapWithKind(err, errors.KindInternal)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.WrapWithKind(err, errors.KindInternal)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.WrapWithKind(err, errors.KindInternal)
	}
	if err := os.Rename(tmpPath, m.cfg.CheckpointPath); err != nil {
		os.Remove(tmpPath)
		return errors.WrapWithKind(err, errors.KindInternal)
	}

	if m.metrics != nil {
		m.metrics.CheckpointsWritten.Inc()
	}
	if m.mirror != nil {
		m.mirror.Write(ctx, data)
	}
	m.logger.Info("checkpoint written", "path", m.cfg.CheckpointPath, "processed", st.Processed, "batch_counter", st.BatchCounter)
	return nil
}

// LoadCheckpoint reads a previously written checkpoint, returning
// (nil, nil) if none exists yet. Falls back to the Redis mirror, if one is
// attached, when the local file is missing — the standby-recovery path for
// a process restarting on a host that lost its local disk.
func (m *Manager) LoadCheckpoint() (*sequencer.State, error) {
	data, err := os.ReadFile(m.cfg.CheckpointPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.WrapWithKind(err, errors.KindInternal)
		}
		if m.mirror == nil {
			return nil, nil
		}
		mirrored, ok, mErr := m.mirror.Read(context.Background())
		if mErr != nil || !ok {
			return nil, nil
		}
		data = mirrored
	}
	var st sequencer.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindCorruption)
	}
	return &st, nil
}

// RestoreOnStartup loads the last checkpoint (if any), restores it into the
// sequencer, and runs one reconciliation pass against the settlement layer
// to catch anything that changed state between the checkpoint and the
// crash.
func (m *Manager) RestoreOnStartup(ctx context.Context) error {
	st, err := m.LoadCheckpoint()
	if err != nil {
		return err
	}
	if st == nil {
		m.logger.Info("no checkpoint found, starting from empty state")
		return nil
	}
	if err := m.seq.Restore(st); err != nil {
		return errors.WrapWithKind(err, errors.KindCorruption)
	}
	m.logger.Info("restored checkpoint", "processed", st.Processed, "batch_counter", st.BatchCounter, "last_batch_id", st.LastBatchID)

	return m.reconcile(ctx, st.LastBatchID)
}

// RunReconciliationLoop runs reconcile on reconciliation_interval until ctx
// is cancelled or Stop is called, guarded by a circuit breaker so a
// persistently unreachable settlement layer doesn't spin the loop.
func (m *Manager) RunReconciliationLoop(ctx context.Context) {
	m.wg.Add(1)
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			return
		case <-ticker.C:
			lastID, _ := m.seq.LastBatchIDHex()
			outcome := "ok"
			err := m.breaker.Execute(func() error {
				return m.reconcile(ctx, lastID)
			})
			if err != nil {
				outcome = "error"
				m.logger.Warn("reconciliation cycle failed", "error", err)
			}
			if m.metrics != nil {
				m.metrics.ReconciliationRuns.WithLabelValues(outcome).Inc()
			}
		}
	}
}

// reconcile enumerates batches the settlement layer has recorded since
// lastBatchID and resolves each contained transaction: Confirmed if the
// chain confirmed the batch; if not, re-queued if still within expiry,
// otherwise marked Rejected. One discrepancy set is processed per cycle per
// spec.md §4.I.
func (m *Manager) reconcile(ctx context.Context, lastBatchID string) error {
	batches, err := m.chain.BatchesSince(ctx, lastBatchID)
	if err != nil {
		return errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}

	now := uint64(time.Now().Unix())
	for _, batch := range batches {
		for _, ref := range batch.TxRefs {
			rec, err := m.store.GetTransaction(ctx, ref.Sender, ref.ID)
			if err != nil {
				m.logger.Warn("reconciliation could not load transaction", "sender", ref.Sender, "tx_id", ref.ID, "error", err)
				continue
			}

			if batch.Confirmed {
				if rec.Status == "Confirmed" {
					continue
				}
				if err := m.store.UpdateTransactionStatus(ctx, ref.Sender, ref.ID, "Confirmed"); err != nil {
					m.logger.Warn("reconciliation could not confirm transaction", "tx_id", ref.ID, "error", err)
				}
				continue
			}

			tx, _, decodeErr := sequencer.DecodeTransaction(rec.Data)
			if decodeErr != nil {
				m.logger.Warn("reconciliation could not decode stored transaction, marking rejected", "tx_id", ref.ID, "error", decodeErr)
				_ = m.store.UpdateTransactionStatus(ctx, ref.Sender, ref.ID, "Rejected")
				continue
			}
			if tx.Expiry > now {
				m.seq.Requeue(tx)
				continue
			}
			if err := m.store.UpdateTransactionStatus(ctx, ref.Sender, ref.ID, "Rejected"); err != nil {
				m.logger.Warn("reconciliation could not reject expired transaction", "tx_id", ref.ID, "error", err)
			}
		}
	}
	return nil
}

// Stop ends the reconciliation loop and writes a final checkpoint.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.closeCh)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return m.WriteCheckpoint(ctx)
}

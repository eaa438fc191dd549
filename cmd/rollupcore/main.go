// Command rollupcore runs the sequencer core: the transaction intake API
// and Kafka consumer, the sharded store, the threshold/HSM signing path,
// and crash recovery, wired together per pkg/config. It also exposes the
// operator subcommands for schema migration, manual reconciliation, and
// HSM key rotation/backup.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cmatc13/rollupcore/internal/api"
	"github.com/cmatc13/rollupcore/internal/cache"
	"github.com/cmatc13/rollupcore/internal/hsm"
	"github.com/cmatc13/rollupcore/internal/intake"
	"github.com/cmatc13/rollupcore/internal/keys"
	"github.com/cmatc13/rollupcore/internal/recovery"
	"github.com/cmatc13/rollupcore/internal/resilience"
	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/internal/settlementclient"
	"github.com/cmatc13/rollupcore/internal/store"
	"github.com/cmatc13/rollupcore/internal/tss"
	"github.com/cmatc13/rollupcore/internal/workerpool"
	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/health"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
	"github.com/cmatc13/rollupcore/pkg/opsauth"
	"github.com/cmatc13/rollupcore/pkg/service"
)

// Exit codes per the CLI's documented contract.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitDependencyDown   = 2
	exitMigrationFailure = 3
	exitShutdownTimeout  = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigError)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(exitConfigError)
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		ServiceName: cfg.Log.ServiceName,
		Environment: cfg.Log.Environment,
	})

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(cfg, logger))
	case "migrate":
		os.Exit(runMigrate(cfg, logger))
	case "reconcile":
		os.Exit(runReconcile(cfg, logger, os.Args[2:]))
	case "rotate-key":
		os.Exit(runRotateKey(cfg, logger, os.Args[2:]))
	case "backup-key":
		os.Exit(runBackupKey(cfg, logger, os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfigError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: rollupcore <serve|migrate|reconcile|rotate-key|backup-key> [flags]")
}

// dsnBuilder maps a shard index to its primary DSN, substituting the shard
// number into cfg.Store.DSNTemplate's %d verb. No replica template is
// configured at this layer, so shards run primary-only until one is added.
func dsnBuilder(cfg config.StoreConfig) func(shard int) (string, []string) {
	return func(shard int) (string, []string) {
		return fmt.Sprintf(cfg.DSNTemplate, shard), nil
	}
}

// buildStore opens the sharded store and its backing cache.
func buildStore(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) (*store.ShardedStore, error) {
	mc := cache.New(cache.Config{
		BaseTTL:              cfg.Cache.BaseTTL,
		L1Capacity:           cfg.Cache.L1Capacity,
		L2Capacity:           cfg.Cache.L2Capacity,
		L3Capacity:           cfg.Cache.L3Capacity,
		ShardCount:           cfg.Cache.ShardCount,
		PromotionThreshold:   cfg.Cache.PromotionThreshold,
		DemotionThreshold:    cfg.Cache.DemotionThreshold,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
	}, logger, m)

	return store.New(store.Config{
		DSNTemplate:       cfg.Store.DSNTemplate,
		ShardCount:        cfg.Store.ShardCount,
		ReplicationFactor: cfg.Store.ReplicationFactor,
		Strategy:          store.StrategyConsistentHash,
		VirtualNodes:      cfg.Store.VirtualNodes,
		LoadThreshold:     cfg.Store.LoadThreshold,
		FailoverTimeout:   cfg.Store.FailoverTimeout,
		ShardOpts: store.ShardOpts{
			PoolSize:       cfg.Store.PoolSize,
			IdleTimeout:    cfg.Store.IdleTimeout,
			AcquireTimeout: cfg.Store.AcquireTimeout,
			QueryCacheSize: cfg.Store.QueryCacheSize,
			QueryCacheTTL:  cfg.Store.QueryCacheTTL,
		},
	}, dsnBuilder(cfg.Store), mc, logger, m)
}

// loadOrCreateIdentity reads the sequencer's own signing keypair from
// cfg.Sequencer.KeypairPath, generating and persisting a fresh one if it
// doesn't exist yet, and self-checks the keypair with a throwaway
// sign/verify round trip before handing it back.
func loadOrCreateIdentity(path string) (*keys.Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := keys.FromHex(string(data))
		if err != nil {
			return nil, err
		}
		return id, checkIdentity(id)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err := keys.New()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(id.ExportHex()), 0o600); err != nil {
		return nil, err
	}
	return id, checkIdentity(id)
}

// checkIdentity verifies a freshly loaded identity can sign and the
// resulting signature verifies against its own public key, catching a
// truncated or corrupted keypair file before the sequencer starts serving.
func checkIdentity(id *keys.Identity) error {
	digest := sha256.Sum256([]byte("rollupcore-identity-selfcheck"))
	sig := id.Sign(digest[:])
	ok, err := keys.Verify(id.PublicKey, digest[:], sig)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sequencer identity keypair failed self-check: signature did not verify")
	}
	return nil
}

func runServe(cfg *config.Config, logger *logging.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		Subsystem:   "sequencer",
		ServiceName: cfg.Log.ServiceName,
	})

	ss, err := buildStore(cfg, logger, m)
	if err != nil {
		logger.Error("failed to open sharded store", "error", err)
		return exitDependencyDown
	}

	identity, err := loadOrCreateIdentity(cfg.Sequencer.KeypairPath)
	if err != nil {
		logger.Error("failed to load sequencer identity", "error", err)
		return exitConfigError
	}
	var sequencerPK [32]byte
	copy(sequencerPK[:], identity.PublicKey)

	hsmMgr := hsm.NewManager(logger, m)
	keyMaterial, err := hsmMgr.GenerateKey(ctx, cfg.HSM.KeyID, cfg.TSS.Threshold, cfg.TSS.Parties)
	if err != nil {
		logger.Error("failed to provision HSM/TSS key material", "error", err)
		return exitDependencyDown
	}
	signer := tss.NewSigner(keyMaterial.TSS, logger, m)

	breakerRegistry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		ResetTimeout:     cfg.Resilience.ResetTimeout,
	}, logger, m)
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		Initial:     cfg.Resilience.RetryInitial,
		Factor:      cfg.Resilience.RetryFactor,
		Max:         cfg.Resilience.RetryMax,
		Jitter:      cfg.Resilience.RetryJitter,
		MaxAttempts: cfg.Resilience.RetryMaxAttempts,
	}, logger, m)

	pool := workerpool.New(workerpool.Config{
		Workers:         cfg.WorkerPool.Workers,
		PriorityLevels:  cfg.WorkerPool.PriorityLevels,
		MaxRetries:      cfg.WorkerPool.MaxRetries,
		TaskTimeout:     cfg.WorkerPool.TaskTimeout,
		RespawnWait:     cfg.WorkerPool.WorkerRespawnWait,
		HighWatermark:   cfg.WorkerPool.HighWatermark,
		LowWatermark:    cfg.WorkerPool.LowWatermark,
		GracefulTimeout: cfg.WorkerPool.GracefulTimeout,
	}, logger, m)

	chain := settlementclient.New(cfg.Settlement)
	storeAdapter := sequencer.NewShardedStoreAdapter(ss)

	// SignatureVerifier is nil: resolving an account address back to its
	// public key is a Gateway responsibility (sequencer.SignatureVerifier's
	// own doc comment) — this sequencer only re-verifies what it's given,
	// and with nil it accepts any signature bytes present on a transaction.
	seq := sequencer.New(
		sequencer.Config{
			MaxBatchSize:  cfg.Sequencer.MaxBatchSize,
			BatchInterval: cfg.Sequencer.BatchInterval,
			MaxAge:        cfg.Sequencer.MaxAge,
			TSSThreshold:  cfg.TSS.Threshold,
			TSSParties:    cfg.TSS.Parties,
			TSSSessionTTL: cfg.TSS.SessionTTL,
			HSMKeyID:      cfg.HSM.KeyID,
		},
		sequencerPK,
		keyMaterial.TSS,
		storeAdapter,
		chain,
		nil,
		signer,
		hsmMgr,
		pool,
		breakerRegistry,
		retry,
		logger,
		m,
	)

	recoveryMgr := recovery.NewManager(recovery.Config{
		CheckpointInterval:      cfg.Recovery.CheckpointInterval,
		CheckpointPath:          cfg.Recovery.CheckpointPath,
		ReconciliationInterval:  cfg.Recovery.ReconciliationInterval,
		CircuitBreakerThreshold: cfg.Recovery.CircuitBreakerThreshold,
		CircuitBreakerResetTime: cfg.Recovery.CircuitBreakerResetTime,
	}, seq, storeAdapter, chain, logger, m)

	if mirror, err := recovery.NewRedisMirror(cfg.Redis.Address, cfg.Recovery.CheckpointPath+":mirror", logger); err != nil {
		logger.Warn("checkpoint redis mirror unavailable, continuing with local-disk checkpointing only", "error", err)
	} else {
		recoveryMgr.SetMirror(mirror)
	}

	leaderLock, err := sequencer.NewLeaderLock(cfg.Redis.Address, "rollupcore:sequencer_leader", identity.Address, cfg.Sequencer.LeaderLockTTL, logger)
	if err != nil {
		logger.Error("failed to construct sequencer leader lock", "error", err)
		return exitDependencyDown
	}
	if acquired, err := leaderLock.TryAcquire(ctx); err != nil {
		logger.Error("failed to acquire sequencer leader lock", "error", err)
		return exitDependencyDown
	} else if !acquired {
		logger.Info("another instance currently holds the sequencer leader lock; standing by")
	}
	seq.SetLeaderLock(leaderLock)
	go leaderLock.RunRenewal(ctx, cfg.Sequencer.LeaderLockRenewInterval)

	healthRegistry := health.NewRegistry(logger)
	healthRegistry.Register("store", health.ShardedStoreChecker(func(ctx context.Context) (int, int) {
		return ss.HealthSnapshot(ctx)
	}))
	healthRegistry.Register("settlement_chain", health.DependencyChecker("settlement_chain", func(ctx context.Context) error {
		_, err := chain.RecentPriorityFees(ctx)
		return err
	}))

	registry := service.NewRegistry(log.New(os.Stdout, "[service] ", log.LstdFlags))
	_ = registry.Register(store.NewService(ss))
	_ = registry.Register(sequencer.NewService(seq))
	_ = registry.Register(recovery.NewService(recoveryMgr))
	_ = registry.Register(intake.NewService(cfg.Kafka, seq, logger, m))
	_ = registry.Register(api.NewAPIService(cfg, seq, storeAdapter, healthRegistry))

	if err := registry.StartAll(ctx); err != nil {
		logger.Error("failed to start services", "error", err)
		return exitDependencyDown
	}

	logger.Info("rollupcore sequencer started")
	<-ctx.Done()
	logger.Info("shutdown signal received, draining services")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Error("graceful shutdown did not complete cleanly", "error", err)
		if shutdownCtx.Err() != nil {
			return exitShutdownTimeout
		}
	}
	if err := leaderLock.Release(shutdownCtx); err != nil {
		logger.Warn("failed to release sequencer leader lock", "error", err)
	}
	_ = leaderLock.Close()
	return exitOK
}

func runMigrate(cfg *config.Config, logger *logging.Logger) int {
	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Subsystem: "migrate", ServiceName: cfg.Log.ServiceName})
	ss, err := buildStore(cfg, logger, m)
	if err != nil {
		logger.Error("failed to open sharded store for migration", "error", err)
		return exitDependencyDown
	}
	defer ss.Close()

	if err := ss.Migrate(context.Background()); err != nil {
		logger.Error("migration failed", "error", err)
		return exitMigrationFailure
	}
	logger.Info("migration complete")
	return exitOK
}

func runReconcile(cfg *config.Config, logger *logging.Logger, args []string) int {
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	force := fs.Bool("force", false, "reconcile even if the last run was recent")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	_ = force // the one-shot CLI invocation always runs regardless of cadence

	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Subsystem: "reconcile", ServiceName: cfg.Log.ServiceName})
	ss, err := buildStore(cfg, logger, m)
	if err != nil {
		logger.Error("failed to open sharded store", "error", err)
		return exitDependencyDown
	}
	defer ss.Close()

	identity, err := loadOrCreateIdentity(cfg.Sequencer.KeypairPath)
	if err != nil {
		logger.Error("failed to load sequencer identity", "error", err)
		return exitConfigError
	}
	var sequencerPK [32]byte
	copy(sequencerPK[:], identity.PublicKey)

	hsmMgr := hsm.NewManager(logger, m)
	keyMaterial, err := hsmMgr.GenerateKey(context.Background(), cfg.HSM.KeyID, cfg.TSS.Threshold, cfg.TSS.Parties)
	if err != nil {
		logger.Error("failed to provision HSM/TSS key material", "error", err)
		return exitDependencyDown
	}
	signer := tss.NewSigner(keyMaterial.TSS, logger, m)

	breakerRegistry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		SuccessThreshold: cfg.Resilience.SuccessThreshold,
		ResetTimeout:     cfg.Resilience.ResetTimeout,
	}, logger, m)
	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		Initial:     cfg.Resilience.RetryInitial,
		Factor:      cfg.Resilience.RetryFactor,
		Max:         cfg.Resilience.RetryMax,
		Jitter:      cfg.Resilience.RetryJitter,
		MaxAttempts: cfg.Resilience.RetryMaxAttempts,
	}, logger, m)
	pool := workerpool.New(workerpool.Config{Workers: cfg.WorkerPool.Workers}, logger, m)
	chain := settlementclient.New(cfg.Settlement)
	storeAdapter := sequencer.NewShardedStoreAdapter(ss)

	seq := sequencer.New(
		sequencer.Config{
			MaxBatchSize:  cfg.Sequencer.MaxBatchSize,
			BatchInterval: cfg.Sequencer.BatchInterval,
			MaxAge:        cfg.Sequencer.MaxAge,
			TSSThreshold:  cfg.TSS.Threshold,
			TSSParties:    cfg.TSS.Parties,
			TSSSessionTTL: cfg.TSS.SessionTTL,
			HSMKeyID:      cfg.HSM.KeyID,
		},
		sequencerPK, keyMaterial.TSS, storeAdapter, chain, nil, signer, hsmMgr, pool,
		breakerRegistry, retry, logger, m,
	)

	recoveryMgr := recovery.NewManager(recovery.Config{
		CheckpointInterval:      cfg.Recovery.CheckpointInterval,
		CheckpointPath:          cfg.Recovery.CheckpointPath,
		ReconciliationInterval:  cfg.Recovery.ReconciliationInterval,
		CircuitBreakerThreshold: cfg.Recovery.CircuitBreakerThreshold,
		CircuitBreakerResetTime: cfg.Recovery.CircuitBreakerResetTime,
	}, seq, storeAdapter, chain, logger, m)

	if err := recoveryMgr.RestoreOnStartup(context.Background()); err != nil {
		logger.Error("reconciliation failed", "error", err)
		return exitDependencyDown
	}
	logger.Info("reconciliation complete")
	return exitOK
}

func runRotateKey(cfg *config.Config, logger *logging.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: rollupcore rotate-key <key-id>")
		return exitConfigError
	}
	keyID := args[0]

	fs := pflag.NewFlagSet("rotate-key", pflag.ContinueOnError)
	passphrase := fs.String("passphrase", "", "operator passphrase confirming this rotation")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if _, err := opsauth.HashPassphrase(*passphrase); err != nil {
		fmt.Fprintln(os.Stderr, "operator passphrase rejected:", err)
		return exitConfigError
	}

	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Subsystem: "rotate_key", ServiceName: cfg.Log.ServiceName})
	hsmMgr := hsm.NewManager(logger, m)
	if _, err := hsmMgr.GenerateKey(context.Background(), keyID, cfg.TSS.Threshold, cfg.TSS.Parties); err != nil {
		logger.Error("failed to load existing key before rotation", "error", err)
		return exitDependencyDown
	}
	if _, err := hsmMgr.Rotate(context.Background(), keyID, cfg.HSM.GracePeriod, cfg.TSS.Threshold, cfg.TSS.Parties); err != nil {
		logger.Error("key rotation failed", "error", err)
		return exitDependencyDown
	}
	logger.Info("key rotation initiated", "key_id", keyID, "grace_period", cfg.HSM.GracePeriod)
	return exitOK
}

func runBackupKey(cfg *config.Config, logger *logging.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: rollupcore backup-key <key-id> --out <path>")
		return exitConfigError
	}
	keyID := args[0]

	fs := pflag.NewFlagSet("backup-key", pflag.ContinueOnError)
	out := fs.String("out", "", "path to write the encrypted key backup to")
	passphrase := fs.String("passphrase", "", "passphrase encrypting the backup blob")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if *out == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		return exitConfigError
	}
	if _, err := opsauth.HashPassphrase(*passphrase); err != nil {
		fmt.Fprintln(os.Stderr, "backup passphrase rejected:", err)
		return exitConfigError
	}

	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Subsystem: "backup_key", ServiceName: cfg.Log.ServiceName})
	hsmMgr := hsm.NewManager(logger, m)
	if _, err := hsmMgr.GenerateKey(context.Background(), keyID, cfg.TSS.Threshold, cfg.TSS.Parties); err != nil {
		logger.Error("failed to load existing key before backup", "error", err)
		return exitDependencyDown
	}

	blob, err := hsmMgr.Backup(context.Background(), keyID, *passphrase)
	if err != nil {
		logger.Error("key backup failed", "error", err)
		return exitDependencyDown
	}
	if err := os.WriteFile(*out, blob, 0o600); err != nil {
		logger.Error("failed to write backup blob", "error", err)
		return exitConfigError
	}
	logger.Info("key backup written", "key_id", keyID, "out", *out)
	return exitOK
}

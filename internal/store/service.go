package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cmatc13/rollupcore/pkg/service"
)

// Service wraps ShardedStore as a pkg/service.Service, grounded on the
// teacher's TransactionProcessorService wrapper (internal/processor/service.go).
type Service struct {
	ss     *ShardedStore
	status service.Status
}

// NewService wraps ss for registration with a service.Registry.
func NewService(ss *ShardedStore) *Service {
	return &Service{ss: ss, status: service.StatusStopped}
}

func (s *Service) Name() string { return "store" }

// Start runs the store's shard-failover loop on the configured health-check
// cadence. The shards themselves are already open by the time New returns,
// so this only begins monitoring.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	interval := s.ss.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ss.RunFailover(ctx)
			}
		}
	}()

	s.status = service.StatusRunning
	return nil
}

// Stop closes every shard's connection pool.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	err := s.ss.Close()
	s.status = service.StatusStopped
	return err
}

func (s *Service) Status() service.Status { return s.status }

func (s *Service) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("store service not running")
	}
	healthy, total := s.ss.HealthSnapshot(context.Background())
	if healthy == 0 && total > 0 {
		return fmt.Errorf("no healthy shards (%d/%d)", healthy, total)
	}
	return nil
}

// Dependencies returns nil: the store has no startup ordering requirement
// on other services.
func (s *Service) Dependencies() []string { return nil }

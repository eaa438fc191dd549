package recovery

import (
	"context"
	"fmt"

	"github.com/cmatc13/rollupcore/pkg/service"
)

// Service wraps Manager as a pkg/service.Service, grounded on the teacher's
// TransactionProcessorService wrapper (internal/processor/service.go).
type Service struct {
	mgr    *Manager
	status service.Status
}

// NewService wraps mgr for registration with a service.Registry.
func NewService(mgr *Manager) *Service {
	return &Service{mgr: mgr, status: service.StatusStopped}
}

func (s *Service) Name() string { return "recovery" }

// Start restores the last checkpoint (reconciling once against the
// settlement layer), then launches the checkpoint and reconciliation loops.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting

	if err := s.mgr.RestoreOnStartup(ctx); err != nil {
		s.status = service.StatusError
		return err
	}

	go s.mgr.RunCheckpointLoop(ctx)
	go s.mgr.RunReconciliationLoop(ctx)

	s.status = service.StatusRunning
	return nil
}

// Stop ends both loops and writes a final checkpoint.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	err := s.mgr.Stop(ctx)
	s.status = service.StatusStopped
	return err
}

func (s *Service) Status() service.Status { return s.status }

func (s *Service) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("recovery service not running")
	}
	return nil
}

// Dependencies declares that Recovery starts after the sequencer, since it
// restores directly into a *sequencer.TxSequencer.
func (s *Service) Dependencies() []string { return []string{"sequencer"} }

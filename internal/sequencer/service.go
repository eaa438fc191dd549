package sequencer

import (
	"context"
	"fmt"

	"github.com/cmatc13/rollupcore/pkg/service"
)

// Service wraps TxSequencer as a pkg/service.Service, grounded on the
// teacher's TransactionProcessorService wrapper (internal/processor/service.go).
type Service struct {
	seq    *TxSequencer
	status service.Status
}

// NewService wraps seq for registration with a service.Registry.
func NewService(seq *TxSequencer) *Service {
	return &Service{seq: seq, status: service.StatusStopped}
}

func (s *Service) Name() string { return "sequencer" }

// Start launches the batch-assembly loop in the background.
func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting
	go s.seq.RunBatchLoop(ctx)
	s.status = service.StatusRunning
	return nil
}

// Stop drains in-flight work and signals the batch loop to exit.
func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	err := s.seq.Shutdown(ctx)
	s.status = service.StatusStopped
	return err
}

func (s *Service) Status() service.Status { return s.status }

func (s *Service) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("sequencer service not running")
	}
	return nil
}

// Dependencies declares that the sequencer starts after the store, since
// Submit writes straight through to it.
func (s *Service) Dependencies() []string { return []string{"store"} }

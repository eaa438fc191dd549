package intake

import (
	"context"
	"fmt"

	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
	"github.com/cmatc13/rollupcore/pkg/service"
)

// Service wraps the Kafka Consumer as a Service, grounded on the teacher's
// TransactionProcessorService wrapper (internal/processor/service.go).
type Service struct {
	cfg     config.KafkaConfig
	seq     Submitter
	logger  *logging.Logger
	metrics *metrics.Metrics

	consumer *Consumer
	cancel   context.CancelFunc
	status   service.Status
}

// NewService builds an intake Service bound to seq.
func NewService(cfg config.KafkaConfig, seq Submitter, logger *logging.Logger, m *metrics.Metrics) *Service {
	return &Service{cfg: cfg, seq: seq, logger: logger, metrics: m, status: service.StatusStopped}
}

func (s *Service) Name() string { return "intake" }

func (s *Service) Start(ctx context.Context) error {
	s.status = service.StatusStarting
	consumer, err := NewConsumer(s.cfg, s.seq, s.logger, s.metrics)
	if err != nil {
		s.status = service.StatusError
		return err
	}
	s.consumer = consumer

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		if err := consumer.Run(runCtx); err != nil {
			s.logger.Error("intake consumer stopped with error", "error", err)
		}
	}()

	s.status = service.StatusRunning
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	if s.cancel != nil {
		s.cancel()
	}
	s.status = service.StatusStopped
	return nil
}

func (s *Service) Status() service.Status { return s.status }

func (s *Service) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("intake service not running")
	}
	return nil
}

// Dependencies declares that intake starts after the sequencer, since it
// submits directly into it.
func (s *Service) Dependencies() []string { return []string{"sequencer"} }

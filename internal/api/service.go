// internal/api/service.go
package api

import (
	"context"
	"fmt"
	"log"

	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/health"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
	"github.com/cmatc13/rollupcore/pkg/service"
)

// APIService wraps the HTTP Server as a Service so it participates in the
// registry's dependency-ordered start/stop alongside the sequencer, store
// and recovery manager.
type APIService struct {
	server         *Server
	config         *config.Config
	seq            Submitter
	store          sequencer.Store
	healthRegistry *health.Registry
	status         service.Status
	logger         *logging.Logger
	metrics        *metrics.Metrics
}

// NewAPIService creates a new API service bound to seq and store.
func NewAPIService(cfg *config.Config, seq Submitter, store sequencer.Store, healthRegistry *health.Registry) *APIService {
	logCfg := logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      log.Writer(),
		ServiceName: "api",
		Environment: cfg.Log.Environment,
	}
	logger := logging.New(logCfg)

	metricsCfg := metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		Subsystem:   "api",
		ServiceName: "api",
	}
	metricsCollector := metrics.New(metricsCfg)

	return &APIService{
		config:         cfg,
		seq:            seq,
		store:          store,
		healthRegistry: healthRegistry,
		status:         service.StatusStopped,
		logger:         logger,
		metrics:        metricsCollector,
	}
}

func (s *APIService) Name() string { return "api" }

func (s *APIService) Start(ctx context.Context) error {
	s.status = service.StatusStarting
	s.server = NewServer(s.config, s.seq, s.store, s.logger, s.metrics, s.healthRegistry)
	go s.server.Start()
	s.status = service.StatusRunning
	return nil
}

func (s *APIService) Stop(ctx context.Context) error {
	s.status = service.StatusStopping
	if s.server != nil {
		s.server.Shutdown(ctx)
	}
	s.status = service.StatusStopped
	return nil
}

func (s *APIService) Status() service.Status { return s.status }

func (s *APIService) Health() error {
	if s.status != service.StatusRunning {
		return fmt.Errorf("api service not running")
	}
	return nil
}

// Dependencies declares that the API starts after the sequencer and store,
// since its handlers call straight into both.
func (s *APIService) Dependencies() []string { return []string{"sequencer", "store"} }

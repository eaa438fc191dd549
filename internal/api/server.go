// internal/api/server.go
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/errors"
	"github.com/cmatc13/rollupcore/pkg/health"
	"github.com/cmatc13/rollupcore/pkg/logging"
	"github.com/cmatc13/rollupcore/pkg/metrics"
	"github.com/cmatc13/rollupcore/pkg/transaction"
)

// Submitter is the subset of *sequencer.TxSequencer the HTTP surface needs
// to accept a transaction; it is exactly pkg/transaction.Processor, named
// locally so the rest of this file reads as "what the server needs" rather
// than reaching into another package's name at every call site.
type Submitter = transaction.Processor

// Server is the core's own HTTP surface: health/ready/metrics plus
// submit_transaction and the query endpoints of spec.md §6. Everything
// JWT/CORS/rate-limit/orderbook/wallet related belongs to the Gateway
// collaborator and has no home here.
type Server struct {
	config           *config.Config
	router           *chi.Mux
	sequencer        Submitter
	store            sequencer.Store
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
}

// NewServer creates a new API server bound to seq (for submission) and
// store (for the read-side query endpoints).
func NewServer(cfg *config.Config, seq Submitter, store sequencer.Store, logger *logging.Logger, metricsCollector *metrics.Metrics, healthRegistry *health.Registry) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:           cfg,
		router:           r,
		sequencer:        seq,
		store:            store,
		logger:           logger,
		metricsCollector: metricsCollector,
		healthRegistry:   healthRegistry,
		server: &http.Server{
			Addr:         cfg.API.Host + ":" + cfg.API.Port,
			Handler:      r,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metricsCollector, "api"))
	s.router.Use(RecovererWithMetrics(s.logger, s.metricsCollector, "api"))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.renderJSON(w, map[string]interface{}{
			"status":  "ok",
			"version": s.config.API.Version,
			"ts":      time.Now().Unix(),
		}, http.StatusOK)
	})

	s.router.Get("/ready", s.handleReady)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsCollector.Registry, promhttp.HandlerOpts{}))

	s.router.Route("/"+s.config.API.Version, func(r chi.Router) {
		r.Post("/transactions", s.handleSubmitTransaction)
		r.Get("/transactions/{txID}", s.handleGetTransaction)
		r.Get("/senders/{sender}/transactions", s.handleGetTransactionsBySender)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := s.healthRegistry.RunChecks(ctx)

	status := http.StatusOK
	for _, c := range checks {
		if c.Status == health.StatusDown {
			status = http.StatusServiceUnavailable
			break
		}
	}

	s.renderJSON(w, map[string]interface{}{
		"checks": checks,
		"ts":     time.Now().Unix(),
	}, status)
}

// submitRequest is the canonical JSON submit_transaction shape of
// spec.md §6: byte-strings are hex-encoded.
type submitRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce,omitempty"`
	Expiry    uint64 `json:"expiry,omitempty"`
	Type      *uint8 `json:"type,omitempty"`
	Data      string `json:"data,omitempty"`
	Signature string `json:"signature,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, "Validation", "malformed request body", http.StatusBadRequest)
		return
	}

	tx, err := decodeSubmitRequest(req)
	if err != nil {
		s.renderError(w, "Validation", err.Error(), http.StatusBadRequest)
		return
	}

	var txID [32]byte
	if req.Priority != nil {
		txID, err = s.sequencer.SubmitPriority(r.Context(), tx, *req.Priority)
	} else {
		txID, err = s.sequencer.Submit(r.Context(), tx)
	}
	if err != nil {
		s.renderSequencerError(w, err)
		return
	}

	s.renderJSON(w, map[string]interface{}{
		"tx_id":  hex.EncodeToString(txID[:]),
		"status": "accepted",
	}, http.StatusAccepted)
}

func decodeSubmitRequest(req submitRequest) (*sequencer.Transaction, error) {
	sender, err := decodeHex32Field(req.Sender)
	if err != nil {
		return nil, errors.New("sender: " + err.Error())
	}
	recipient, err := decodeHex32Field(req.Recipient)
	if err != nil {
		return nil, errors.New("recipient: " + err.Error())
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		return nil, errors.New("data: invalid hex encoding")
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		return nil, errors.New("signature: invalid hex encoding")
	}

	txType := sequencer.TypeTransfer
	if req.Type != nil {
		txType = sequencer.Type(*req.Type)
	}

	return &sequencer.Transaction{
		Sender:    sender,
		Recipient: recipient,
		Amount:    req.Amount,
		Nonce:     req.Nonce,
		Expiry:    req.Expiry,
		Type:      txType,
		Data:      data,
		Signature: sig,
	}, nil
}

func decodeHex32Field(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errors.New("expected 32-byte hex string")
	}
	copy(out[:], b)
	return out, nil
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txID")
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		s.renderError(w, "Validation", "sender query parameter is required", http.StatusBadRequest)
		return
	}

	rec, err := s.store.GetTransaction(r.Context(), sender, txID)
	if err != nil {
		s.renderSequencerError(w, err)
		return
	}
	s.renderJSON(w, rec, http.StatusOK)
}

func (s *Server) handleGetTransactionsBySender(w http.ResponseWriter, r *http.Request) {
	sender := chi.URLParam(r, "sender")
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	recs, err := s.store.GetTransactionsBySender(r.Context(), sender, limit, offset)
	if err != nil {
		s.renderSequencerError(w, err)
		return
	}
	s.renderJSON(w, recs, http.StatusOK)
}

// renderSequencerError maps a domain error's taxonomy Kind to the HTTP
// status spec.md §7 assigns it.
func (s *Server) renderSequencerError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindBackpressure, errors.KindDependencyUnavailable, errors.KindTransientCrypto:
		status = http.StatusServiceUnavailable
	case errors.KindIntegrityViolation:
		status = http.StatusConflict
	}
	s.renderError(w, string(kind), err.Error(), status)
}

func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, kind, message string, status int) {
	s.renderJSON(w, map[string]interface{}{
		"error": map[string]string{
			"kind":    kind,
			"message": message,
		},
	}, status)
}

// Start runs the server's listen loop, blocking until it stops or errors.
func (s *Server) Start() {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	s.metricsCollector.ServiceLastStarted.Set(float64(time.Now().Unix()))

	uptimeDone := make(chan struct{})
	s.metricsCollector.RecordUptime(uptimeDone)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("API server error", "error", err)
		close(uptimeDone)
	}
}

// Shutdown gracefully stops the server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during API server shutdown", "error", err)
	}
}

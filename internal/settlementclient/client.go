// Package settlementclient is a JSON-over-HTTP client satisfying
// sequencer.SettlementChain against the L1/settlement RPC endpoint named by
// pkg/config.SettlementConfig. No example repo in the corpus pulls in an
// HTTP client or gRPC library for a collaborator like this, so the client
// is built directly on net/http — the one ambient concern in this module
// without a pack-grounded third-party alternative.
package settlementclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cmatc13/rollupcore/internal/sequencer"
	"github.com/cmatc13/rollupcore/pkg/config"
	"github.com/cmatc13/rollupcore/pkg/errors"
)

// Client implements sequencer.SettlementChain over HTTP.
type Client struct {
	cfg        config.SettlementConfig
	httpClient *http.Client
}

// New builds a Client bound to cfg.Endpoint.
func New(cfg config.SettlementConfig) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.SubmitTimeout},
	}
}

type submitResponse struct {
	Confirmed    bool   `json:"confirmed"`
	RejectReason string `json:"reject_reason,omitempty"`
}

// Submit posts a signed batch payload to the settlement endpoint's
// /batches route and waits up to SubmitTimeout for a confirm/reject.
func (c *Client) Submit(ctx context.Context, payload []byte) (bool, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+"/batches", bytes.NewReader(payload))
	if err != nil {
		return false, "", errors.WrapWithKind(err, errors.KindInternal)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, "", errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, "", errors.WrapWithKind(fmt.Errorf("settlement endpoint returned %d", resp.StatusCode), errors.KindDependencyUnavailable)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return out.Confirmed, out.RejectReason, nil
}

type feesResponse struct {
	RecentPriorityFee uint64 `json:"recent_priority_fee"`
}

// RecentPriorityFees fetches the settlement layer's /fees/recent gauge.
func (c *Client) RecentPriorityFees(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint+"/fees/recent", nil)
	if err != nil {
		return 0, errors.WrapWithKind(err, errors.KindInternal)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	defer resp.Body.Close()

	var out feesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return out.RecentPriorityFee, nil
}

type batchesResponse struct {
	Batches []sequencer.SettledBatch `json:"batches"`
}

// BatchesSince fetches batches recorded after lastBatchID from
// /batches/since/{id}, for Recovery's reconciliation pass.
func (c *Client) BatchesSince(ctx context.Context, lastBatchID string) ([]sequencer.SettledBatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	url := c.cfg.Endpoint + "/batches/since/"
	if lastBatchID != "" {
		url += lastBatchID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindInternal)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	defer resp.Body.Close()

	var out batchesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.WrapWithKind(err, errors.KindDependencyUnavailable)
	}
	return out.Batches, nil
}

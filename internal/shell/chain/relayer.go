package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// Relayer Submitter
// =============================================================================

// RelayerSubmitter posts batches to a relayer that signs them, broadcasts
// them to the execution layer and anchors them on the anchor chain.
type RelayerSubmitter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// RelayerConfig holds configuration for the relayer submitter.
type RelayerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewRelayerSubmitter creates a new relayer submitter.
func NewRelayerSubmitter(cfg RelayerConfig, logger *slog.Logger) *RelayerSubmitter {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RelayerSubmitter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "relayer"),
	}
}

// relayerUnit is one unit in the relayer request body. Data is embedded as
// raw JSON so the relayer sees the encoded unit, not a base64 string.
type relayerUnit struct {
	Name string          `json:"name"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type relayerRequest struct {
	BatchID string        `json:"batchId"`
	Units   []relayerUnit `json:"units"`
}

// Submit implements Submitter.
func (s *RelayerSubmitter) Submit(ctx context.Context, payload BatchPayload) (*SubmitResult, error) {
	reqBody := relayerRequest{BatchID: payload.BatchID, Units: make([]relayerUnit, len(payload.Units))}
	for i, u := range payload.Units {
		if !json.Valid(u.Data) {
			return nil, &SubmissionError{BatchID: payload.BatchID, Message: fmt.Sprintf("unit %q is not JSON encoded", u.Name)}
		}
		reqBody.Units[i] = relayerUnit{Name: u.Name, Kind: string(u.Kind), Data: u.Data}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "failed to marshal batch", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/batches", bytes.NewReader(body))
	if err != nil {
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "failed to send batch", Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, &SubmissionError{
			BatchID:    payload.BatchID,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(respBody)),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var result SubmitResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &SubmissionError{BatchID: payload.BatchID, Message: "failed to decode relayer response", Err: err}
	}
	if err := result.Validate(payload); err != nil {
		return nil, err
	}

	s.logger.Info("batch relayed",
		"batch_id", payload.BatchID,
		"units", len(payload.Units),
		"exec_tx", result.ExecTxRef,
		"anchor_tx", result.AnchorTxRef,
	)
	return &result, nil
}

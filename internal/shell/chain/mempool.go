package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Anchor Chain Reader
// =============================================================================

// MempoolReader reads anchor-chain confirmations from a mempool.space style
// REST API (GET /api/tx/{txid}/status, GET /api/blocks/tip/height).
type MempoolReader struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// MempoolConfig holds configuration for the anchor-chain reader.
type MempoolConfig struct {
	BaseURL string // e.g. "https://mempool.space/testnet4"
	APIKey  string
	Timeout time.Duration
}

// NewMempoolReader creates a new anchor-chain reader.
func NewMempoolReader(cfg MempoolConfig, logger *slog.Logger) *MempoolReader {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &MempoolReader{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "anchor_reader"),
	}
}

// txStatus is the response of /api/tx/{txid}/status.
type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// ConfirmationDepth implements LedgerReader.
func (r *MempoolReader) ConfirmationDepth(ctx context.Context, ref string) (uint64, error) {
	if ref == "" || strings.ContainsAny(ref, "/?#") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	body, status, err := r.get(ctx, "/api/tx/"+url.PathEscape(ref)+"/status")
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, ref)
	}
	if status >= 400 {
		return 0, fmt.Errorf("anchor API returned error %d: %s", status, string(body))
	}

	var st txStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return 0, fmt.Errorf("decode tx status: %w", err)
	}
	if !st.Confirmed {
		return 0, nil
	}

	head, err := r.HeadHeight(ctx)
	if err != nil {
		return 0, err
	}
	return depthAt(head, st.BlockHeight), nil
}

// HeadHeight implements LedgerReader.
func (r *MempoolReader) HeadHeight(ctx context.Context) (uint64, error) {
	body, status, err := r.get(ctx, "/api/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, fmt.Errorf("anchor API returned error %d: %s", status, string(body))
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode tip height: %w", err)
	}
	return height, nil
}

func (r *MempoolReader) get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query anchor API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read anchor API response: %w", err)
	}
	r.logger.Debug("anchor API", "path", path, "status", resp.StatusCode)
	return body, resp.StatusCode, nil
}

package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Clearhold platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key, e.g. "sk_..."
	Party  string // Party identifier the key belongs to
}

// ClearholdClient is a pure HTTP client for the Clearhold platform API.
type ClearholdClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewClearholdClient creates a new client for the Clearhold platform.
func NewClearholdClient(cfg Config) *ClearholdClient {
	return &ClearholdClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *ClearholdClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetEscrow fetches one escrow by ID.
func (c *ClearholdClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id, nil, nil)
}

// GetEscrowByAlias fetches one escrow by its short alias.
func (c *ClearholdClient) GetEscrowByAlias(ctx context.Context, alias string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/alias/"+alias, nil, nil)
}

// ListEscrows lists the party's escrows, newest first.
func (c *ClearholdClient) ListEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.Party+"/escrows", q, nil)
}

// ListEvents returns the audit trail for an escrow.
func (c *ClearholdClient) ListEvents(ctx context.Context, id string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+id+"/events", q, nil)
}

// CreateEscrow opens a new escrow between the party and a counterparty.
func (c *ClearholdClient) CreateEscrow(ctx context.Context, payer, recipient string, amountMinor int64) (json.RawMessage, error) {
	body := map[string]any{
		"payer":       payer,
		"recipient":   recipient,
		"amountMinor": amountMinor,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// AcceptEscrow accepts an escrow as the counterparty.
func (c *ClearholdClient) AcceptEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/accept", nil, nil)
}

// DeclineEscrow declines a pending escrow.
func (c *ClearholdClient) DeclineEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/decline", nil, nil)
}

// ApproveRelease records the party's approval of a full release.
func (c *ClearholdClient) ApproveRelease(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/approve", nil, nil)
}

// RequestCancel asks the counterparty for a mutual cancellation.
func (c *ClearholdClient) RequestCancel(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/request-cancel", nil, nil)
}

// CheckDeploy runs one funding-detection pass for the escrow.
func (c *ClearholdClient) CheckDeploy(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/check-deploy", nil, nil)
}

// SyncEscrow re-derives the escrow record from chain state.
func (c *ClearholdClient) SyncEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+id+"/sync", nil, nil)
}

// PlatformInfo returns chain configuration and usage hints.
func (c *ClearholdClient) PlatformInfo(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}

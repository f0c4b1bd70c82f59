package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the API server.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	APIKey        string // Optional bearer token
	WalletAddress string // Default wallet when a tool call names none
}

// Client is a pure HTTP client for the DeFi agents API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the server and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
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

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
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

func refreshQuery(refresh bool) url.Values {
	if !refresh {
		return nil
	}
	return url.Values{"refresh": {"true"}}
}

func walletPath(address string) string {
	return "/v1/wallets/" + url.PathEscape(address)
}

func agentPath(address, agentType string) string {
	return walletPath(address) + "/agents/" + url.PathEscape(agentType)
}

// GetCreditScore returns the wallet's credit score snapshot.
func (c *Client) GetCreditScore(ctx context.Context, address string, refresh bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, walletPath(address)+"/credit-score", refreshQuery(refresh), nil)
}

// GetRiskHistory returns the wallet's risk series.
func (c *Client) GetRiskHistory(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, walletPath(address)+"/risk-history", nil, nil)
}

// GetAgentSettings returns an agent's visible settings.
func (c *Client) GetAgentSettings(ctx context.Context, address, agentType string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, agentPath(address, agentType)+"/settings", nil, nil)
}

// UpdateAgentSettings applies a partial settings update.
func (c *Client) UpdateAgentSettings(ctx context.Context, address, agentType string, patch map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPut, agentPath(address, agentType)+"/settings", nil, patch)
}

// ToggleAgent flips an agent's active flag.
func (c *Client) ToggleAgent(ctx context.Context, address, agentType string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, agentPath(address, agentType)+"/toggle", nil, nil)
}

// RunAgentAction asks an agent to perform an action.
func (c *Client) RunAgentAction(ctx context.Context, address, agentType, action, details string) (json.RawMessage, error) {
	body := map[string]string{"action": action, "details": details}
	return c.doRequest(ctx, http.MethodPost, agentPath(address, agentType)+"/actions", nil, body)
}

// ListAgentActions returns an agent's action log, newest first.
func (c *Client) ListAgentActions(ctx context.Context, address, agentType string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, agentPath(address, agentType)+"/actions", nil, nil)
}

// GetAgentAnalytics returns an agent's analytics.
func (c *Client) GetAgentAnalytics(ctx context.Context, address, agentType string, refresh bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, agentPath(address, agentType)+"/analytics", refreshQuery(refresh), nil)
}

// GetPositions returns the wallet's DeFi positions.
func (c *Client) GetPositions(ctx context.Context, address string, refresh bool) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, walletPath(address)+"/positions", refreshQuery(refresh), nil)
}

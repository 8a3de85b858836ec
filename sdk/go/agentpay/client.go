// Package agentpay is a Go client for the AgentPay daemon's REST API.
package agentpay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Tool calls wait for on-chain confirmation, so it is longer than a typical
// API timeout.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with the AgentPay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// Session describes the daemon's agent session.
type Session struct {
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Addresses map[string]string `json:"addresses,omitempty"`
	Pending   []PendingTransfer `json:"pending,omitempty"`
}

// PendingTransfer is a submission whose outcome is not yet known.
type PendingTransfer struct {
	Chain       string          `json:"chain"`
	TxID        string          `json:"tx_id"`
	Recipient   string          `json:"recipient"`
	Amount      decimal.Decimal `json:"amount"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// FundingConfirmation is returned after the session key was funded.
type FundingConfirmation struct {
	Chain       string          `json:"chain"`
	TxID        string          `json:"tx_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	Fee         decimal.Decimal `json:"fee"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// Refund is the per-chain outcome of a revoke.
type Refund struct {
	Chain   string          `json:"chain"`
	To      string          `json:"to,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	TxID    string          `json:"tx_id,omitempty"`
	Skipped bool            `json:"skipped,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

// RevokeResult is returned by Revoke.
type RevokeResult struct {
	AlreadyRevoked bool              `json:"already_revoked"`
	Refunds        map[string]Refund `json:"refunds,omitempty"`
}

// ToolCall is a single tool invocation.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of a tool call. Status is approved, rejected or
// error; Detail is meant to be shown to the user.
type ToolResult struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Status string          `json:"status"`
	Detail string          `json:"detail"`
	Code   string          `json:"code,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Balance is a native balance snapshot.
type Balance struct {
	Chain   string          `json:"chain"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	ReadAt  time.Time       `json:"read_at"`
}

// BalanceResult holds either a balance or the reason it is unknown.
type BalanceResult struct {
	Balance *Balance `json:"balance,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Usage is the spend-limit state of one chain.
type Usage struct {
	Limit          decimal.Decimal `json:"limit"`
	PerTransaction decimal.Decimal `json:"per_transaction"`
	Spent          decimal.Decimal `json:"spent"`
	Remaining      decimal.Decimal `json:"remaining"`
}

// ReconcileResult is the reconciled state of a pending transfer.
type ReconcileResult struct {
	Chain  string `json:"chain"`
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Result     json.RawMessage `json:"result,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentPay API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL, token string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, token: token}, nil
}

// StartSession creates or restores the session keys.
func (c *Client) StartSession(ctx context.Context) (Session, error) {
	var s Session
	err := c.call(ctx, http.MethodPost, "/api/v1/session", nil, &s)
	return s, err
}

// Session returns the current session state.
func (c *Client) Session(ctx context.Context) (Session, error) {
	var s Session
	err := c.call(ctx, http.MethodGet, "/api/v1/session", nil, &s)
	return s, err
}

// Fund moves amount from the user's wallet to the session key on chain.
func (c *Client) Fund(ctx context.Context, chain string, amount decimal.Decimal) (FundingConfirmation, error) {
	var conf FundingConfirmation
	body := map[string]string{"chain": chain, "amount": amount.String()}
	err := c.call(ctx, http.MethodPost, "/api/v1/session/fund", body, &conf)
	return conf, err
}

// Revoke refunds the session balances and destroys the session keys. On a
// partial failure the returned *APIError carries the refunds made so far in
// Result.
func (c *Client) Revoke(ctx context.Context) (RevokeResult, error) {
	var res RevokeResult
	err := c.call(ctx, http.MethodPost, "/api/v1/session/revoke", nil, &res)
	return res, err
}

// Reconcile resolves a pending transfer.
func (c *Client) Reconcile(ctx context.Context, chain, txID string) (ReconcileResult, error) {
	var res ReconcileResult
	body := map[string]string{"chain": chain, "tx_id": txID}
	err := c.call(ctx, http.MethodPost, "/api/v1/session/reconcile", body, &res)
	return res, err
}

// CallTool dispatches a tool call. Rejections are reported in the result,
// not as errors.
func (c *Client) CallTool(ctx context.Context, call ToolCall) (ToolResult, error) {
	var res ToolResult
	err := c.call(ctx, http.MethodPost, "/api/v1/tools", call, &res)
	return res, err
}

// Tools lists the supported tool names.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	var res struct {
		Tools []string `json:"tools"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/tools", nil, &res)
	return res.Tools, err
}

// Balances reads the session balances on every chain.
func (c *Client) Balances(ctx context.Context) (map[string]BalanceResult, error) {
	var res map[string]BalanceResult
	err := c.call(ctx, http.MethodGet, "/api/v1/balances", nil, &res)
	return res, err
}

// Usage returns the spend-limit state per chain.
func (c *Client) Usage(ctx context.Context) (map[string]Usage, error) {
	var res map[string]Usage
	err := c.call(ctx, http.MethodGet, "/api/v1/usage", nil, &res)
	return res, err
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token == "" {
		return nil, fmt.Errorf("agentpay: api token is not set")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

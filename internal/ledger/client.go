package ledger

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

	"golang.org/x/time/rate"
)

const defaultTimeout = 15 * time.Second

// version is set at build time via ldflags.
var version = "dev"

// SetVersion sets the version string for User-Agent headers.
func SetVersion(v string) { version = v }

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	RateLimit float64 // requests per second; 0 disables throttling
}

// Client is an HTTP client for the ledger API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a new ledger client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// SubmitClaim sends one accrual claim. A response with Success=false is a rejection;
// a non-nil error is either an *APIError or a transport failure.
func (c *Client) SubmitClaim(ctx context.Context, req *ClaimRequest) (*ClaimResponse, error) {
	var resp ClaimResponse
	if err := c.do(ctx, http.MethodPost, "/mining/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh fetches the authoritative mining state and upgrade catalog.
func (c *Client) Refresh(ctx context.Context) (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.do(ctx, http.MethodGet, "/mining/state", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActivateBoost asks the ledger to debit the boost cost and record the window.
func (c *Client) ActivateBoost(ctx context.Context, req *BoostRequest) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/mining/boost", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurchaseUpgrade asks the ledger to debit the upgrade cost.
func (c *Client) PurchaseUpgrade(ctx context.Context, req *UpgradeRequest) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, http.MethodPost, "/mining/upgrades/purchase", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Balance returns the spendable wallet balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/wallet/balance", nil, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, &APIError{StatusCode: http.StatusOK, Code: resp.Error, Message: resp.Message}
	}
	return resp.Balance, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", "cityminer/"+version)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
		signRequest(httpReq, c.token, body, time.Now())
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		var envelope struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &envelope)
		apiErr := &APIError{StatusCode: httpResp.StatusCode, Code: envelope.Error, Message: envelope.Message}
		if apiErr.Code == "" {
			apiErr.Code = http.StatusText(httpResp.StatusCode)
			if httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden {
				apiErr.Code = CodeUnauthenticated
			}
		}
		slog.Debug("ledger error response", "path", path, "status", httpResp.StatusCode,
			"error", apiErr.Code, "message", apiErr.Message)
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response (status %d): %w (body: %s)", httpResp.StatusCode, err, truncate(string(respBody), 200))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

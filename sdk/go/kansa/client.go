package kansa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kansa server (e.g. "http://localhost:8080").
	BaseURL string

	// PrincipalID identifies the agent or operator for authentication.
	PrincipalID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kansa decision governance API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, PrincipalID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kansa: BaseURL is required")
	}
	if cfg.PrincipalID == "" {
		return nil, fmt.Errorf("kansa: PrincipalID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kansa: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.PrincipalID, cfg.APIKey, httpClient),
	}, nil
}

// Propose submits an action for governance and returns the window opened
// for it. Proposals with a RequestID are idempotent: proposing again
// returns the existing window. The client assigns a RequestID when none is
// set so that a retried call cannot open a second window.
func (c *Client) Propose(ctx context.Context, req ProposeRequest) (*ProposeResponse, error) {
	if req.RequestID == nil {
		id := uuid.New()
		req.RequestID = &id
	}
	var resp ProposeResponse
	if err := c.post(ctx, "/v1/decisions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the current state of a window.
func (c *Client) Status(ctx context.Context, windowID uuid.UUID) (*Window, error) {
	var resp Window
	if err := c.get(ctx, windowPath(windowID, ""), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForResolution polls Status every interval until the window is
// terminal or ctx is done.
func (c *Client) WaitForResolution(ctx context.Context, windowID uuid.UUID, interval time.Duration) (*Window, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w, err := c.Status(ctx, windowID)
		if err != nil {
			return nil, err
		}
		if Terminal(w.State) {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Audit returns a window's audit chain in sequence order.
func (c *Client) Audit(ctx context.Context, windowID uuid.UUID) ([]AuditEntry, error) {
	var resp []AuditEntry
	if err := c.get(ctx, windowPath(windowID, "/audit"), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Verify recomputes a window's hash chain on the server.
func (c *Client) Verify(ctx context.Context, windowID uuid.UUID) (*VerifyResult, error) {
	var resp VerifyResult
	if err := c.get(ctx, windowPath(windowID, "/verify"), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Act records an operator action (veto, confirm, approve or reject).
// A rejected or already-resolved action is not an error: inspect
// ActionResult.Status. idempotencyKey may be empty.
func (c *Client) Act(ctx context.Context, windowID uuid.UUID, action, rationale, idempotencyKey string) (*ActionResult, error) {
	body := map[string]string{"action": action}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp ActionResult
	err := c.postWithKey(ctx, windowPath(windowID, "/actions"), body, idempotencyKey, &resp,
		http.StatusConflict, http.StatusUnprocessableEntity)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Acknowledge silences the remaining reminder tiers for a window without
// resolving it. It returns the number of tiers cancelled.
func (c *Client) Acknowledge(ctx context.Context, windowID uuid.UUID) (int, error) {
	var resp struct {
		Cancelled int `json:"cancelled_tiers"`
	}
	if err := c.post(ctx, windowPath(windowID, "/ack"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Cancelled, nil
}

// ReportExecution reports the outcome of an action the agent performed
// after its window was authorized. Reports for windows that are not yet
// executing come back with Status "pending"; reports the window can no
// longer accept come back "ignored".
func (c *Client) ReportExecution(ctx context.Context, windowID uuid.UUID, rep ExecutionReport) (*CallbackResult, error) {
	var resp CallbackResult
	err := c.postWithKey(ctx, windowPath(windowID, "/execution"), rep, "", &resp, http.StatusConflict)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks server liveness. No authentication required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kansa: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kansa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	// An unhealthy server answers 503 with the same body.
	if err := handleResponse(resp, &out, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func windowPath(id uuid.UUID, suffix string) string {
	return "/v1/windows/" + id.String() + suffix
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.postWithKey(ctx, path, body, "", dest)
}

// postWithKey sends a POST. Responses with a status in accept are decoded
// into dest instead of being returned as errors.
func (c *Client) postWithKey(ctx context.Context, path string, body any, idempotencyKey string, dest any, accept ...int) error {
	var rd io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kansa: marshal request body: %w", err)
		}
		rd = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("kansa: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return c.doRequest(ctx, req, dest, accept...)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kansa: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any, accept ...int) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kansa: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		// The server may have restarted with new signing keys.
		c.tokenMgr.invalidate()
	}
	return handleResponse(resp, dest, accept...)
}

func handleResponse(resp *http.Response, dest any, accept ...int) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kansa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 && !accepted(resp.StatusCode, accept) {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content: nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kansa: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback for endpoints that do not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func accepted(status int, accept []int) bool {
	for _, s := range accept {
		if s == status {
			return true
		}
	}
	return false
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}

package provider

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

// ErrorResponse is the error body returned by the gateway
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type sendRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	*Message
}

type presenceRequest struct {
	To    string        `json:"to"`
	State PresenceState `json:"state"`
}

// Client talks to a messaging gateway over HTTP
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new gateway client
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// request performs an HTTP request to the gateway
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// network failures are transient
		return &Error{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// responseError maps a gateway error response onto the error taxonomy
func responseError(resp *http.Response) error {
	e := &Error{StatusCode: resp.StatusCode}

	var errResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
		e.Message = errResp.Error
		e.Code = errResp.Code
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		e.Permanent = true
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Err = ErrUnauthorized
	case http.StatusConflict, http.StatusPreconditionRequired:
		e.Err = ErrSessionNotConnected
	case http.StatusTooManyRequests:
		e.Err = ErrRateLimited
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

func accountPath(accountID string) string {
	return "/v1/accounts/" + url.PathEscape(accountID)
}

// Send sends one message
func (c *Client) Send(ctx context.Context, msg *Message) (*Result, error) {
	var resp Result
	body := sendRequest{IdempotencyKey: msg.ID, Message: msg}
	if err := c.request(ctx, http.MethodPost, accountPath(msg.AccountID)+"/messages", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendPresence emits a presence signal towards a recipient
func (c *Client) SendPresence(ctx context.Context, accountID, to string, state PresenceState) error {
	return c.request(ctx, http.MethodPost, accountPath(accountID)+"/presence", presenceRequest{To: to, State: state}, nil)
}

// RequestPairingCode asks the gateway for a fresh pairing code
func (c *Client) RequestPairingCode(ctx context.Context, accountID string) (*Pairing, error) {
	var resp Pairing
	if err := c.request(ctx, http.MethodPost, accountPath(accountID)+"/pairing", nil, &resp); err != nil {
		return nil, err
	}
	if resp.QR == "" {
		resp.QR = resp.Code
	}
	return &resp, nil
}

// Logout terminates the account session on the gateway
func (c *Client) Logout(ctx context.Context, accountID string) error {
	return c.request(ctx, http.MethodDelete, accountPath(accountID)+"/session", nil, nil)
}

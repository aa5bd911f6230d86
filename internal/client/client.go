package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/herald/internal/api"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/session"
)

// Campaign actions accepted by Action
const (
	ActionActivate = "activate"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionCancel   = "cancel"
)

// Error is returned for non-2xx API responses
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is a Herald API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new Herald API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request performs an HTTP request to the Herald API
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

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCampaign submits a campaign, activating it unless draft is set
func (c *Client) CreateCampaign(ctx context.Context, camp *campaign.Campaign, draft bool) (*campaign.Campaign, error) {
	path := "/api/v1/campaigns/create"
	if draft {
		path = "/api/v1/campaigns"
	}
	var resp campaign.Campaign
	if err := c.request(ctx, http.MethodPost, path, camp, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Campaign returns a campaign with its recipients
func (c *Client) Campaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	var resp campaign.Campaign
	if err := c.request(ctx, http.MethodGet, "/api/v1/campaigns/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Action applies a lifecycle action to a campaign
func (c *Client) Action(ctx context.Context, id, action string) (*api.CampaignSummary, error) {
	var resp api.CampaignSummary
	path := "/api/v1/campaigns/" + url.PathEscape(id) + "/" + action
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Evaluate scores the experiment of a campaign now
func (c *Client) Evaluate(ctx context.Context, id string) (*engine.Decision, error) {
	var resp engine.Decision
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/evaluate", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Promote sends the given variant to the remaining audience
func (c *Client) Promote(ctx context.Context, id, variant string) (*engine.Decision, error) {
	var resp engine.Decision
	body := api.PromoteRequest{Variant: variant}
	if err := c.request(ctx, http.MethodPost, "/api/v1/campaigns/"+url.PathEscape(id)+"/promote", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queue returns the dispatcher stats of every account
func (c *Client) Queue(ctx context.Context) (*api.QueueResponse, error) {
	var resp api.QueueResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/queue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Session performs a session operation: start, stop or status
func (c *Client) Session(ctx context.Context, account, op string) (*session.State, error) {
	method := http.MethodPost
	if op == "status" {
		method = http.MethodGet
	}
	var resp session.State
	path := "/api/v1/sessions/" + url.PathEscape(account) + "/" + op
	if err := c.request(ctx, method, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

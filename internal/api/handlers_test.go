package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/herald/internal/abtest"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/sandbox"
	"github.com/foxzi/herald/internal/session"
)

// mockCampaigns implements Campaigns for testing
type mockCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*campaign.Campaign
	activated []bool
	receipts  []ReceiptRequest
	err       error // returned by every operation when set
}

func newMockCampaigns() *mockCampaigns {
	return &mockCampaigns{campaigns: make(map[string]*campaign.Campaign)}
}

func (m *mockCampaigns) Create(ctx context.Context, c *campaign.Campaign, activate bool) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c.ID = fmt.Sprintf("c%d", len(m.campaigns)+1)
	c.Status = campaign.StatusDraft
	if activate {
		c.Status = campaign.StatusRunning
	}
	m.campaigns[c.ID] = c
	m.activated = append(m.activated, activate)
	return c, nil
}

func (m *mockCampaigns) transition(id string, to campaign.Status) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	c.Status = to
	return c, nil
}

func (m *mockCampaigns) Activate(ctx context.Context, id string) (*campaign.Campaign, error) {
	return m.transition(id, campaign.StatusRunning)
}

func (m *mockCampaigns) Pause(ctx context.Context, id string) (*campaign.Campaign, error) {
	return m.transition(id, campaign.StatusPaused)
}

func (m *mockCampaigns) Resume(ctx context.Context, id string) (*campaign.Campaign, error) {
	return m.transition(id, campaign.StatusRunning)
}

func (m *mockCampaigns) Cancel(ctx context.Context, id string) (*campaign.Campaign, error) {
	return m.transition(id, campaign.StatusCompleted)
}

func (m *mockCampaigns) Delete(ctx context.Context, id string) error {
	if _, err := m.transition(id, campaign.StatusCompleted); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.campaigns, id)
	m.mu.Unlock()
	return nil
}

func (m *mockCampaigns) Get(ctx context.Context, id string) (*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, campaign.ErrNotFound)
	}
	return c, nil
}

func (m *mockCampaigns) List(ctx context.Context, filter campaign.ListFilter) ([]*campaign.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*campaign.Campaign
	for _, c := range m.campaigns {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, m.err
}

func (m *mockCampaigns) Counts(ctx context.Context, accountID string) (*campaign.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := &campaign.Counts{}
	for _, c := range m.campaigns {
		counts.Total++
		if c.Status == campaign.StatusRunning {
			counts.Running++
		}
	}
	return counts, m.err
}

func (m *mockCampaigns) Evaluate(ctx context.Context, id string) (*engine.Decision, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &engine.Decision{CampaignID: id, Suggested: "A", Phase: campaign.PhaseAwaitingDecision}, nil
}

func (m *mockCampaigns) Promote(ctx context.Context, id, variant string) (*engine.Decision, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &engine.Decision{CampaignID: id, Winner: variant, Phase: campaign.PhasePromoted, Promoted: 3}, nil
}

func (m *mockCampaigns) RecordReceipt(ctx context.Context, jobID, providerMessageID string, status campaign.RecipientStatus, at time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.receipts = append(m.receipts, ReceiptRequest{JobID: jobID, ProviderMessageID: providerMessageID, Status: status})
	if jobID == "" {
		jobID = "job-for-" + providerMessageID
	}
	return jobID, nil
}

func (m *mockCampaigns) JobStatus(ctx context.Context, jobID string) (*engine.JobStatus, error) {
	if m.err != nil {
		return nil, m.err
	}
	if jobID != "job-1" {
		return nil, fmt.Errorf("recipient %s: %w", jobID, campaign.ErrNotFound)
	}
	st := &engine.JobStatus{Queue: &queue.JobInfo{State: queue.StateWaiting}}
	st.CampaignID = "c1"
	st.Recipient = campaign.Recipient{ID: jobID, Status: campaign.RecipientPending}
	return st, nil
}

func (m *mockCampaigns) QueueStats() []queue.Stats {
	return []queue.Stats{{AccountID: "main", Waiting: 2}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestRegistry registers a sandbox-backed session for account "main"
func newTestRegistry(t *testing.T) (*session.Registry, *session.Manager) {
	t.Helper()
	storage, err := sandbox.NewStorage(openTestDB(t))
	if err != nil {
		t.Fatalf("failed to create sandbox storage: %v", err)
	}
	sender := sandbox.NewSender(storage, sandbox.Config{}, testLogger())

	reg := session.NewRegistry()
	m := session.NewManager("main", sender, session.Config{}, testLogger())
	if err := reg.Add(m); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return reg, m
}

func setupTestServer(t *testing.T, cfg config.APIConfig) (*Server, *mockCampaigns, *session.Manager) {
	t.Helper()
	mc := newMockCampaigns()
	reg, m := newTestRegistry(t)
	server := NewServer(mc, reg, &cfg, testLogger())
	t.Cleanup(func() { server.Shutdown(context.Background()) })
	return server, mc, m
}

func doRequest(server *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := setupTestServer(t, config.APIConfig{APIKey: "secret"})

	w := doRequest(server, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want %q", resp.Status, "ok")
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].Status != session.StatusDisconnected {
		t.Errorf("Sessions = %+v", resp.Sessions)
	}
	if len(resp.Queues) != 1 || resp.Queues[0].Waiting != 2 {
		t.Errorf("Queues = %+v", resp.Queues)
	}
}

func TestAuthMiddleware(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	tests := []struct {
		name   string
		cfg    config.APIConfig
		header map[string]string
		want   int
	}{
		{"no auth", config.APIConfig{APIKey: "secret-key"}, nil, http.StatusUnauthorized},
		{"wrong key", config.APIConfig{APIKey: "secret-key"}, map[string]string{"Authorization": "Bearer wrong-key"}, http.StatusUnauthorized},
		{"bearer key", config.APIConfig{APIKey: "secret-key"}, map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
		{"x-api-key", config.APIConfig{APIKey: "secret-key"}, map[string]string{"X-API-Key": "secret-key"}, http.StatusOK},
		{"bcrypt hash", config.APIConfig{APIKeyHash: string(hash)}, map[string]string{"Authorization": "Bearer hashed-key"}, http.StatusOK},
		{"bcrypt wrong", config.APIConfig{APIKeyHash: string(hash)}, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"no key configured", config.APIConfig{}, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _, _ := setupTestServer(t, tt.cfg)
			w := doRequest(server, "GET", "/api/v1/queue", "", tt.header)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	server, _, _ := setupTestServer(t, config.APIConfig{
		RateLimit: config.APIRateLimit{Enabled: true, RequestsPerSecond: 0.001, Burst: 2},
	})

	for i := 0; i < 2; i++ {
		if w := doRequest(server, "GET", "/api/v1/queue", "", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: Status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	w := doRequest(server, "GET", "/api/v1/queue", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// health is outside the limited group
	if w := doRequest(server, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("health Status = %d, want %d", w.Code, http.StatusOK)
	}
}

const testCampaignBody = `{
	"account_id": "main",
	"name": "spring sale",
	"strategy": {"mode": "single"},
	"message_variants": [{"variant_name": "A", "type": "text", "content": {"text": "Hi {{name}}"}}],
	"audience": {"contacts": [{"phone": "+447911123456", "name": "Ann"}]},
	"schedule": {"type": "immediate"}
}`

func TestCreateCampaign(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		body         string
		want         int
		wantActivate bool
	}{
		{"create activates", "/api/v1/campaigns/create", testCampaignBody, http.StatusCreated, true},
		{"draft", "/api/v1/campaigns", testCampaignBody, http.StatusCreated, false},
		{"draft with activate", "/api/v1/campaigns?activate=true", testCampaignBody, http.StatusCreated, true},
		{"invalid json", "/api/v1/campaigns/create", `{invalid}`, http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, mc, _ := setupTestServer(t, config.APIConfig{})
			w := doRequest(server, "POST", tt.path, tt.body, nil)
			if w.Code != tt.want {
				t.Fatalf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusCreated {
				return
			}

			var c campaign.Campaign
			if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if c.ID == "" || c.Name != "spring sale" || len(c.Variants) != 1 {
				t.Errorf("campaign = %+v", c)
			}
			if len(mc.activated) != 1 || mc.activated[0] != tt.wantActivate {
				t.Errorf("activated = %v, want [%v]", mc.activated, tt.wantActivate)
			}
		})
	}
}

func TestCampaignErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid weights", campaign.ErrInvalidWeights, "POST", "/api/v1/campaigns/create", testCampaignBody, http.StatusBadRequest},
		{"unknown account", fmt.Errorf("%w: x", engine.ErrUnknownAccount), "POST", "/api/v1/campaigns", testCampaignBody, http.StatusNotFound},
		{"not found", campaign.ErrNotFound, "GET", "/api/v1/campaigns/c9", "", http.StatusNotFound},
		{"bad transition", &campaign.TransitionError{From: "completed", To: "paused"}, "POST", "/api/v1/campaigns/c1/pause", "", http.StatusConflict},
		{"already decided", abtest.ErrDecided, "POST", "/api/v1/campaigns/c1/promote", `{"variant":"B"}`, http.StatusConflict},
		{"no experiment", abtest.ErrNoExperiment, "POST", "/api/v1/campaigns/c1/evaluate", "", http.StatusConflict},
		{"internal", errors.New("disk on fire"), "DELETE", "/api/v1/campaigns/c1", "", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, mc, _ := setupTestServer(t, config.APIConfig{})
			mc.err = tt.err
			w := doRequest(server, tt.method, tt.path, tt.body, nil)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Errorf("error body = %+v, %v", resp, err)
			}
			if tt.want == http.StatusInternalServerError && resp.Error == tt.err.Error() {
				t.Error("internal error leaked to client")
			}
		})
	}
}

func TestCampaignLifecycle(t *testing.T) {
	server, mc, _ := setupTestServer(t, config.APIConfig{})
	mc.campaigns["c1"] = &campaign.Campaign{ID: "c1", Status: campaign.StatusRunning}

	steps := []struct {
		action string
		want   campaign.Status
	}{
		{"pause", campaign.StatusPaused},
		{"resume", campaign.StatusRunning},
		{"cancel", campaign.StatusCompleted},
	}
	for _, step := range steps {
		w := doRequest(server, "POST", "/api/v1/campaigns/c1/"+step.action, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: Status = %d, want %d", step.action, w.Code, http.StatusOK)
		}
		var sum CampaignSummary
		if err := json.NewDecoder(w.Body).Decode(&sum); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if sum.Status != step.want {
			t.Errorf("%s: status = %s, want %s", step.action, sum.Status, step.want)
		}
	}

	if w := doRequest(server, "DELETE", "/api/v1/campaigns/c1", "", nil); w.Code != http.StatusNoContent {
		t.Errorf("delete Status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w := doRequest(server, "GET", "/api/v1/campaigns/c1", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete Status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestListAndCountCampaigns(t *testing.T) {
	server, mc, _ := setupTestServer(t, config.APIConfig{})
	mc.campaigns["c1"] = &campaign.Campaign{ID: "c1", Status: campaign.StatusRunning, Experiment: &campaign.Experiment{Phase: campaign.PhaseSampling}}
	mc.campaigns["c2"] = &campaign.Campaign{ID: "c2", Status: campaign.StatusDraft}

	w := doRequest(server, "GET", "/api/v1/campaigns?status=running", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var list ListResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if list.Total != 1 || list.Campaigns[0].ID != "c1" || list.Campaigns[0].Phase != campaign.PhaseSampling {
		t.Errorf("list = %+v", list)
	}

	if w := doRequest(server, "GET", "/api/v1/campaigns?status=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bogus status Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doRequest(server, "GET", "/api/v1/campaigns/count", "", nil)
	var counts campaign.Counts
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if counts.Total != 2 || counts.Running != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func TestEvaluateAndPromote(t *testing.T) {
	server, _, _ := setupTestServer(t, config.APIConfig{})

	w := doRequest(server, "POST", "/api/v1/campaigns/c1/evaluate", "", nil)
	var d engine.Decision
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if d.Phase != campaign.PhaseAwaitingDecision || d.Suggested != "A" {
		t.Errorf("decision = %+v", d)
	}

	if w := doRequest(server, "POST", "/api/v1/campaigns/c1/promote", `{}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("promote without variant Status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = doRequest(server, "POST", "/api/v1/campaigns/c1/promote", `{"variant":"B"}`, nil)
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if d.Winner != "B" || d.Promoted != 3 {
		t.Errorf("decision = %+v", d)
	}
}

func TestJobStatusAndReceipts(t *testing.T) {
	server, mc, _ := setupTestServer(t, config.APIConfig{})

	w := doRequest(server, "GET", "/api/v1/jobs/job-1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	var st engine.JobStatus
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if st.CampaignID != "c1" || st.Queue == nil || st.Queue.State != queue.StateWaiting {
		t.Errorf("job status = %+v", st)
	}

	if w := doRequest(server, "GET", "/api/v1/jobs/missing", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job Status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = doRequest(server, "POST", "/api/v1/receipts", `{"provider_message_id":"wamid.1","status":"delivered"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("receipt Status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp ReceiptResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.JobID != "job-for-wamid.1" || len(mc.receipts) != 1 || mc.receipts[0].Status != campaign.RecipientDelivered {
		t.Errorf("receipt = %+v, recorded %+v", resp, mc.receipts)
	}

	mc.err = fmt.Errorf("%w: receipt status %q", campaign.ErrInvalid, "sent")
	if w := doRequest(server, "POST", "/api/v1/receipts", `{"job_id":"job-1","status":"sent"}`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("invalid receipt Status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

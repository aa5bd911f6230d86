package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/campaign"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxListOffset    = 1000000
)

// CampaignSummary is a campaign without its recipients
type CampaignSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	AccountID    string            `json:"account_id"`
	Status       campaign.Status   `json:"status"`
	Mode         campaign.Mode     `json:"mode"`
	Priority     campaign.Priority `json:"priority"`
	Metrics      campaign.Metrics  `json:"metrics"`
	AudienceSize int               `json:"audience_size"`
	Rejected     int               `json:"rejected"`
	HeldBack     int               `json:"held_back"`
	Phase        campaign.Phase    `json:"phase,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartsAt     *time.Time        `json:"starts_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// ListResponse is the response for GET /campaigns
type ListResponse struct {
	Campaigns []*CampaignSummary `json:"campaigns"`
	Total     int                `json:"total"`
}

// PromoteRequest is the request body for POST /campaigns/{id}/promote
type PromoteRequest struct {
	Variant string `json:"variant"`
}

func summarize(c *campaign.Campaign) *CampaignSummary {
	sum := &CampaignSummary{
		ID:           c.ID,
		Name:         c.Name,
		AccountID:    c.AccountID,
		Status:       c.Status,
		Mode:         c.Strategy.Mode,
		Priority:     c.Priority,
		Metrics:      c.Metrics,
		AudienceSize: c.AudienceSize,
		Rejected:     c.Rejected,
		CreatedAt:    c.CreatedAt,
		StartsAt:     c.StartsAt,
		CompletedAt:  c.CompletedAt,
	}
	for _, r := range c.Holdout {
		if r.Status == campaign.RecipientPending {
			sum.HeldBack++
		}
	}
	if c.Experiment != nil {
		sum.Phase = c.Experiment.Phase
	}
	return sum
}

// handleCreateCampaign handles POST /api/v1/campaigns/create. The campaign is
// stored and activated in one step.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	s.createCampaign(w, r, true)
}

// handleCreateDraft handles POST /api/v1/campaigns. The campaign is stored as
// a draft unless ?activate=true is given.
func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	activate, _ := strconv.ParseBool(r.URL.Query().Get("activate"))
	s.createCampaign(w, r, activate)
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request, activate bool) {
	var c campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := s.campaigns.Create(r.Context(), &c, activate)
	if err != nil {
		s.writeError(w, err, "Failed to create campaign")
		return
	}

	s.logger.Info("campaign created via API",
		"campaign_id", created.ID,
		"account", created.AccountID,
		"status", created.Status,
	)
	sendJSON(w, http.StatusCreated, created)
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := campaign.ListFilter{
		Status:    campaign.Status(q.Get("status")),
		AccountID: q.Get("account_id"),
		Limit:     defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		sendError(w, http.StatusBadRequest, "invalid status")
		return
	}
	filter.Limit, filter.Offset = parsePage(q)

	list, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, "Failed to list campaigns")
		return
	}

	resp := ListResponse{Campaigns: make([]*CampaignSummary, len(list)), Total: len(list)}
	for i, c := range list {
		resp.Campaigns[i] = summarize(c)
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleCountCampaigns handles GET /api/v1/campaigns/count
func (s *Server) handleCountCampaigns(w http.ResponseWriter, r *http.Request) {
	counts, err := s.campaigns.Counts(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		s.writeError(w, err, "Failed to count campaigns")
		return
	}
	sendJSON(w, http.StatusOK, counts)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to get campaign")
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.campaigns.Delete(r.Context(), id); err != nil {
		s.writeError(w, err, "Failed to delete campaign")
		return
	}
	s.logger.Info("campaign deleted via API", "campaign_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// lifecycle builds the handler of a status change that returns the campaign
func (s *Server) lifecycle(op func(ctx context.Context, id string) (*campaign.Campaign, error), verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := op(r.Context(), id)
		if err != nil {
			s.writeError(w, err, "Failed to update campaign")
			return
		}
		s.logger.Info("campaign "+verb+" via API", "campaign_id", id, "status", c.Status)
		sendJSON(w, http.StatusOK, summarize(c))
	}
}

// handleEvaluate handles POST /api/v1/campaigns/{id}/evaluate
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	d, err := s.campaigns.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, "Failed to evaluate experiment")
		return
	}
	sendJSON(w, http.StatusOK, d)
}

// handlePromote handles POST /api/v1/campaigns/{id}/promote
func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req PromoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Variant == "" {
		sendError(w, http.StatusBadRequest, "variant is required")
		return
	}

	d, err := s.campaigns.Promote(r.Context(), chi.URLParam(r, "id"), req.Variant)
	if err != nil {
		s.writeError(w, err, "Failed to promote variant")
		return
	}
	sendJSON(w, http.StatusOK, d)
}

// parsePage reads limit and offset, ignoring malformed values
func parsePage(q url.Values) (limit, offset int) {
	limit = defaultListLimit
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = min(l, maxListLimit)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		offset = min(o, maxListOffset)
	}
	return limit, offset
}

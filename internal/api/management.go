package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/ratelimit"
)

// ManagementServer handles rate limit management APIs
type ManagementServer struct {
	rateLimiter *ratelimit.Limiter
	config      *ratelimit.Config
	accounts    []string
}

// NewManagementServer creates a new management server
func NewManagementServer(rateLimiter *ratelimit.Limiter, cfg *ratelimit.Config, accounts []string) *ManagementServer {
	return &ManagementServer{
		rateLimiter: rateLimiter,
		config:      cfg,
		accounts:    accounts,
	}
}

// RegisterRoutes registers management API routes
func (m *ManagementServer) RegisterRoutes(r chi.Router) {
	r.Route("/ratelimits", func(r chi.Router) {
		r.Get("/", m.handleRateLimitsGet)
		r.Get("/{account}", m.handleRateLimitStats)
		r.Delete("/{account}", m.handleRateLimitReset)
	})
}

// RateLimitsResponse is the response for GET /api/v1/ratelimits
type RateLimitsResponse struct {
	MessagesPerMinute int                `json:"messages_per_minute"`
	Window            string             `json:"window"`
	JitterMin         string             `json:"jitter_min"`
	JitterMax         string             `json:"jitter_max"`
	Accounts          []*ratelimit.Stats `json:"accounts"`
}

// handleRateLimitsGet handles GET /api/v1/ratelimits
func (m *ManagementServer) handleRateLimitsGet(w http.ResponseWriter, r *http.Request) {
	resp := RateLimitsResponse{
		MessagesPerMinute: m.config.MessagesPerMinute,
		Window:            m.config.Window.String(),
		JitterMin:         m.config.JitterMin.String(),
		JitterMax:         m.config.JitterMax.String(),
		Accounts:          make([]*ratelimit.Stats, 0, len(m.accounts)),
	}
	for _, account := range m.accounts {
		resp.Accounts = append(resp.Accounts, m.rateLimiter.GetStats(r.Context(), account))
	}
	sendJSON(w, http.StatusOK, resp)
}

func (m *ManagementServer) known(account string) bool {
	for _, a := range m.accounts {
		if a == account {
			return true
		}
	}
	return false
}

// handleRateLimitStats handles GET /api/v1/ratelimits/{account}
func (m *ManagementServer) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if !m.known(account) {
		sendError(w, http.StatusNotFound, "Unknown account")
		return
	}
	sendJSON(w, http.StatusOK, m.rateLimiter.GetStats(r.Context(), account))
}

// handleRateLimitReset handles DELETE /api/v1/ratelimits/{account}
func (m *ManagementServer) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if !m.known(account) {
		sendError(w, http.StatusNotFound, "Unknown account")
		return
	}
	if err := m.rateLimiter.Reset(r.Context(), account); err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to reset rate limit")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

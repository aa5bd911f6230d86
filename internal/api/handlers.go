package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/abtest"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/session"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string          `json:"status"`
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Sessions []session.State `json:"sessions,omitempty"`
	Queues   []queue.Stats   `json:"queues,omitempty"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Accounts []queue.Stats `json:"accounts"`
}

// ReceiptRequest is the request body for POST /receipts. A receipt is
// addressed by job id or by the provider message id returned on send.
type ReceiptRequest struct {
	JobID             string                   `json:"job_id,omitempty"`
	ProviderMessageID string                   `json:"provider_message_id,omitempty"`
	Status            campaign.RecipientStatus `json:"status"`
	Timestamp         time.Time                `json:"timestamp,omitempty"`
}

// ReceiptResponse is the response for POST /receipts
type ReceiptResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
		Queues:  s.campaigns.QueueStats(),
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.States()
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleJobStatus handles GET /api/v1/jobs/{id}
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.campaigns.JobStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err, "Failed to get job")
		return
	}
	sendJSON(w, http.StatusOK, st)
}

// handleReceipt handles POST /api/v1/receipts
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req ReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	jobID, err := s.campaigns.RecordReceipt(r.Context(), req.JobID, req.ProviderMessageID, req.Status, req.Timestamp)
	if err != nil {
		s.writeError(w, err, "Failed to record receipt")
		return
	}
	sendJSON(w, http.StatusOK, ReceiptResponse{JobID: jobID, Status: string(req.Status)})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, QueueResponse{Accounts: s.campaigns.QueueStats()})
}

// statusCode maps domain errors to HTTP status codes
func statusCode(err error) int {
	switch {
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, engine.ErrUnknownAccount):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, campaign.ErrInvalidTransition),
		errors.Is(err, campaign.ErrExists),
		errors.Is(err, abtest.ErrDecided),
		errors.Is(err, abtest.ErrNoExperiment):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError sends err with its mapped status. Internal errors are logged and
// replaced by fallback.
func (s *Server) writeError(w http.ResponseWriter, err error, fallback string) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(fallback, "error", err)
		sendError(w, code, fallback)
		return
	}
	sendError(w, code, err.Error())
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/sandbox"
)

// SandboxServer exposes captured messages and the simulation knobs of
// sandbox accounts
type SandboxServer struct {
	storage *sandbox.Storage
	senders map[string]*sandbox.Sender
}

// NewSandboxServer creates a sandbox server. senders is keyed by account id.
func NewSandboxServer(storage *sandbox.Storage, senders map[string]*sandbox.Sender) *SandboxServer {
	return &SandboxServer{storage: storage, senders: senders}
}

// RegisterRoutes mounts the sandbox routes under /sandbox
func (s *SandboxServer) RegisterRoutes(r chi.Router) {
	r.Route("/sandbox", func(r chi.Router) {
		r.Get("/stats", s.handleStats)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Delete("/", s.handleClear)
			r.Get("/{id}", s.handleGet)
			r.Post("/{id}/receipt", s.handleReceipt)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleAccounts)
			r.Put("/{account}/errors", s.handleErrorSimulation)
		})
	})
}

// SandboxListResponse is the response for GET /sandbox/messages
type SandboxListResponse struct {
	Messages []*sandbox.Message `json:"messages"`
	Total    int                `json:"total"`
}

// ErrorSimulationRequest sets the failure rates of a sandbox account
type ErrorSimulationRequest struct {
	ErrorProbability float64 `json:"error_probability"`
	PermanentRatio   float64 `json:"permanent_ratio"`
}

// SandboxAccount describes one sandbox account
type SandboxAccount struct {
	AccountID        string  `json:"account_id"`
	ErrorProbability float64 `json:"error_probability"`
	PermanentRatio   float64 `json:"permanent_ratio"`
	AutoPair         bool    `json:"auto_pair"`
	AutoReceipts     bool    `json:"auto_receipts"`
}

// SandboxReceiptRequest is a manual receipt for a captured message
type SandboxReceiptRequest struct {
	Status campaign.RecipientStatus `json:"status"`
}

func (s *SandboxServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := sandbox.ListFilter{AccountID: q.Get("account_id"), To: q.Get("to")}
	filter.Limit, filter.Offset = parsePage(q)

	messages, err := s.storage.List(r.Context(), filter)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to list messages")
		return
	}
	sendJSON(w, http.StatusOK, SandboxListResponse{Messages: messages, Total: len(messages)})
}

// capture loads the latest capture named by the {id} param, writing the
// error response itself when there is none
func (s *SandboxServer) capture(w http.ResponseWriter, r *http.Request) *sandbox.Message {
	msg, err := s.storage.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get message")
		return nil
	}
	if msg == nil {
		sendError(w, http.StatusNotFound, "Message not found")
	}
	return msg
}

func (s *SandboxServer) handleGet(w http.ResponseWriter, r *http.Request) {
	if msg := s.capture(w, r); msg != nil {
		sendJSON(w, http.StatusOK, msg)
	}
}

// handleReceipt handles POST /sandbox/messages/{id}/receipt, standing in for
// a delivered or read report from the recipient's device
func (s *SandboxServer) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req SandboxReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Status {
	case campaign.RecipientDelivered, campaign.RecipientRead, campaign.RecipientFailed:
	default:
		sendError(w, http.StatusBadRequest, "status must be delivered, read or failed")
		return
	}

	msg := s.capture(w, r)
	if msg == nil {
		return
	}
	if msg.ProviderMessageID == "" {
		sendError(w, http.StatusConflict, "Message was not accepted by the sandbox")
		return
	}
	sender, ok := s.senders[msg.AccountID]
	if !ok || !sender.EmitReceipt(r.Context(), msg.ProviderMessageID, req.Status) {
		sendError(w, http.StatusConflict, "Account does not accept receipts")
		return
	}

	sendJSON(w, http.StatusAccepted, map[string]string{
		"job_id":              msg.ID,
		"provider_message_id": msg.ProviderMessageID,
		"status":              string(req.Status),
	})
}

func (s *SandboxServer) handleClear(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var olderThan time.Duration
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			sendError(w, http.StatusBadRequest, "older_than must be a duration such as 24h or 90m")
			return
		}
		olderThan = d
	}

	deleted, err := s.storage.Clear(r.Context(), q.Get("account_id"), olderThan)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to clear messages")
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *SandboxServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.Stats(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, "Failed to get stats")
		return
	}
	sendJSON(w, http.StatusOK, stats)
}

func (s *SandboxServer) handleAccounts(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0, len(s.senders))
	for id := range s.senders {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	accounts := make([]SandboxAccount, len(ids))
	for i, id := range ids {
		cfg := s.senders[id].Settings()
		accounts[i] = SandboxAccount{
			AccountID:        id,
			ErrorProbability: cfg.ErrorProbability,
			PermanentRatio:   cfg.PermanentRatio,
			AutoPair:         cfg.AutoPair,
			AutoReceipts:     cfg.AutoReceipts,
		}
	}
	sendJSON(w, http.StatusOK, map[string][]SandboxAccount{"accounts": accounts})
}

func (s *SandboxServer) handleErrorSimulation(w http.ResponseWriter, r *http.Request) {
	sender, ok := s.senders[chi.URLParam(r, "account")]
	if !ok {
		sendError(w, http.StatusNotFound, "Account is not in sandbox mode")
		return
	}

	var req ErrorSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !isRatio(req.ErrorProbability) || !isRatio(req.PermanentRatio) {
		sendError(w, http.StatusBadRequest, "probabilities must be between 0 and 1")
		return
	}

	sender.SetErrorSimulation(req.ErrorProbability, req.PermanentRatio)
	sendJSON(w, http.StatusOK, req)
}

func isRatio(v float64) bool {
	return v >= 0 && v <= 1
}

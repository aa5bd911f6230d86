package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/session"
)

const (
	sessionUpdateEvent = "session-update"
	heartbeatInterval  = 25 * time.Second
)

// Callback events sent by the provider
const (
	CallbackPaired       = "paired"
	CallbackDisconnected = "disconnected"
	CallbackError        = "error"
	CallbackUnauthorized = "unauthorized"
	CallbackReceipt      = "receipt"
)

// CallbackRequest is the body of POST /sessions/{account}/callback
type CallbackRequest struct {
	Event             string                   `json:"event"`
	Code              string                   `json:"code,omitempty"`
	PhoneNumber       string                   `json:"phone_number,omitempty"`
	Message           string                   `json:"message,omitempty"`
	ProviderMessageID string                   `json:"provider_message_id,omitempty"`
	Status            campaign.RecipientStatus `json:"status,omitempty"`
	Timestamp         time.Time                `json:"timestamp,omitempty"`
}

func (s *Server) manager(w http.ResponseWriter, r *http.Request) (*session.Manager, bool) {
	account := chi.URLParam(r, "account")
	m, ok := s.sessions.Get(account)
	if !ok {
		sendError(w, http.StatusNotFound, fmt.Sprintf("unknown account: %s", account))
		return nil, false
	}
	return m, true
}

// handleSessionStart handles POST /api/v1/sessions/{account}/start
func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	st, err := m.Start(r.Context())
	if err != nil {
		s.logger.Error("failed to start session", "account", m.AccountID(), "error", err)
		sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, st)
}

// handleSessionStop handles POST /api/v1/sessions/{account}/stop
func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	// Logout failures still leave the session disconnected locally
	st, _ := m.Stop(r.Context())
	sendJSON(w, http.StatusOK, st)
}

// handleSessionStatus handles GET /api/v1/sessions/{account}/status
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}
	sendJSON(w, http.StatusOK, m.Status())
}

// handleSessionEvents handles GET /api/v1/sessions/{account}/events. The
// current state is sent first, then every change as a session-update event.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	m, ok := s.manager(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	updates, cancel := m.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, m.Status()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.logger.Warn("event stream not supported", "error", err)
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, st); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sessionUpdateEvent, data)
	return err
}

// validCallback checks the X-Callback-Secret header. Without a configured
// secret the API key is accepted instead.
func (s *Server) validCallback(r *http.Request) bool {
	secret := s.config.Callback.Secret
	if secret != "" {
		got := r.Header.Get("X-Callback-Secret")
		return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
	}
	if !s.authEnabled() {
		return true
	}
	return s.validKey(requestKey(r))
}

// handleSessionCallback handles POST /api/v1/sessions/{account}/callback
func (s *Server) handleSessionCallback(w http.ResponseWriter, r *http.Request) {
	if !s.validCallback(r) {
		s.logger.Warn("rejected provider callback", "remote_addr", r.RemoteAddr)
		sendError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	m, ok := s.manager(w, r)
	if !ok {
		return
	}

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Event {
	case CallbackPaired:
		if err := m.HandlePaired(req.Code, req.PhoneNumber); err != nil {
			sendError(w, http.StatusConflict, err.Error())
			return
		}
	case CallbackDisconnected:
		m.HandleDisconnected(req.Message)
	case CallbackError:
		m.HandleError(req.Message)
	case CallbackUnauthorized:
		m.HandleUnauthorized(req.Message)
	case CallbackReceipt:
		if req.ProviderMessageID == "" {
			sendError(w, http.StatusBadRequest, "provider_message_id is required")
			return
		}
		jobID, err := s.campaigns.RecordReceipt(r.Context(), "", req.ProviderMessageID, req.Status, req.Timestamp)
		if err != nil {
			s.writeError(w, err, "Failed to record receipt")
			return
		}
		sendJSON(w, http.StatusOK, ReceiptResponse{JobID: jobID, Status: string(req.Status)})
		return
	default:
		sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown event: %q", req.Event))
		return
	}

	sendJSON(w, http.StatusOK, m.Status())
}

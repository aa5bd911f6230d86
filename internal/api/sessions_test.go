package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/session"
)

func decodeState(t *testing.T, w *httptest.ResponseRecorder) session.State {
	t.Helper()
	var st session.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return st
}

func TestSessionStartStatusStop(t *testing.T) {
	server, _, _ := setupTestServer(t, config.APIConfig{})

	w := doRequest(server, "POST", "/api/v1/sessions/main/start", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start Status = %d, want %d", w.Code, http.StatusOK)
	}
	st := decodeState(t, w)
	if st.Status != session.StatusPairing || !strings.HasPrefix(st.QR, "sandbox:") || st.ExpiresAt == nil {
		t.Errorf("start state = %+v", st)
	}

	w = doRequest(server, "GET", "/api/v1/sessions/main/status", "", nil)
	if st := decodeState(t, w); st.Status != session.StatusPairing {
		t.Errorf("status = %s, want pairing", st.Status)
	}

	w = doRequest(server, "POST", "/api/v1/sessions/main/stop", "", nil)
	if st := decodeState(t, w); st.Status != session.StatusDisconnected {
		t.Errorf("stop status = %s, want disconnected", st.Status)
	}

	for _, path := range []string{"/api/v1/sessions/other/status", "/api/v1/sessions/other/events"} {
		if w := doRequest(server, "GET", path, "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s Status = %d, want %d", path, w.Code, http.StatusNotFound)
		}
	}
}

func TestSessionCallback(t *testing.T) {
	server, mc, m := setupTestServer(t, config.APIConfig{
		APIKey:   "api-key",
		Callback: config.CallbackConfig{Secret: "hook-secret"},
	})
	secret := map[string]string{"X-Callback-Secret": "hook-secret"}

	st, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	code := strings.TrimPrefix(st.QR, "sandbox:")

	tests := []struct {
		name       string
		header     map[string]string
		body       string
		want       int
		wantStatus session.Status
	}{
		{"missing secret", map[string]string{"Authorization": "Bearer api-key"}, `{"event":"paired","code":"` + code + `"}`, http.StatusUnauthorized, session.StatusPairing},
		{"stale code", secret, `{"event":"paired","code":"nope"}`, http.StatusConflict, session.StatusPairing},
		{"paired", secret, `{"event":"paired","code":"` + code + `","phone_number":"+447911123456"}`, http.StatusOK, session.StatusConnected},
		{"disconnected", secret, `{"event":"disconnected","message":"phone offline"}`, http.StatusOK, session.StatusDisconnected},
		{"unauthorized", secret, `{"event":"unauthorized","message":"logged out"}`, http.StatusOK, session.StatusUnauthorized},
		{"unknown event", secret, `{"event":"bogus"}`, http.StatusBadRequest, session.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(server, "POST", "/api/v1/sessions/main/callback", tt.body, tt.header)
			if w.Code != tt.want {
				t.Errorf("Status = %d, want %d. Body: %s", w.Code, tt.want, w.Body.String())
			}
			if got := m.Status().Status; got != tt.wantStatus {
				t.Errorf("session status = %s, want %s", got, tt.wantStatus)
			}
		})
	}

	w := doRequest(server, "POST", "/api/v1/sessions/main/callback",
		`{"event":"receipt","provider_message_id":"wamid.9","status":"read"}`, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("receipt Status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(mc.receipts) != 1 || mc.receipts[0].ProviderMessageID != "wamid.9" || mc.receipts[0].Status != campaign.RecipientRead {
		t.Errorf("receipts = %+v", mc.receipts)
	}
}

func TestSessionCallbackFallsBackToAPIKey(t *testing.T) {
	server, _, _ := setupTestServer(t, config.APIConfig{APIKey: "api-key"})

	body := `{"event":"error","message":"boom"}`
	if w := doRequest(server, "POST", "/api/v1/sessions/main/callback", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	w := doRequest(server, "POST", "/api/v1/sessions/main/callback", body, map[string]string{"X-API-Key": "api-key"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d", w.Code, http.StatusOK)
	}
	if st := decodeState(t, w); st.Status != session.StatusError || st.Message != "boom" {
		t.Errorf("state = %+v", st)
	}
}

func TestSessionEvents(t *testing.T) {
	server, _, m := setupTestServer(t, config.APIConfig{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/sessions/main/events", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events error = %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() session.State {
		t.Helper()
		var event string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read event: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if event != sessionUpdateEvent {
					t.Fatalf("event = %q, want %q", event, sessionUpdateEvent)
				}
				var st session.State
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return st
			}
		}
	}

	if st := next(); st.Status != session.StatusDisconnected {
		t.Errorf("initial status = %s, want disconnected", st.Status)
	}

	m.HandleError("provider down")
	st := next()
	if st.Status != session.StatusError || st.Message != "provider down" {
		t.Errorf("update = %+v", st)
	}
}

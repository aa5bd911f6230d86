package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/foxzi/herald/internal/campaign"
)

func TestClientSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accounts/acc-1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		got.Message = &Message{}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message_id":"wamid.1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	res, err := c.Send(context.Background(), &Message{
		ID:        "job-1",
		AccountID: "acc-1",
		To:        "+14155552671",
		Type:      campaign.VariantText,
		Content:   campaign.Content{Text: "hi"},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.MessageID != "wamid.1" {
		t.Errorf("MessageID = %q", res.MessageID)
	}
	if got.IdempotencyKey != "job-1" || got.To != "+14155552671" || got.Content.Text != "hi" {
		t.Errorf("request = %+v / %+v", got, got.Message)
	}
}

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		permanent  bool
		temporary  bool
		sentinel   error
		wantAfter  time.Duration
	}{
		{"invalid number", http.StatusUnprocessableEntity, "", true, false, nil, 0},
		{"bad request", http.StatusBadRequest, "", true, false, nil, 0},
		{"unauthorized", http.StatusUnauthorized, "", false, false, ErrUnauthorized, 0},
		{"not connected", http.StatusConflict, "", false, false, ErrSessionNotConnected, 0},
		{"throttled", http.StatusTooManyRequests, "7", false, false, ErrRateLimited, 7 * time.Second},
		{"server error", http.StatusBadGateway, "", false, true, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"boom","code":"E1"}`))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, "k", time.Second).Send(context.Background(), &Message{ID: "j", AccountID: "a"})
			if err == nil {
				t.Fatal("Send() expected error")
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", IsPermanent(err), tt.permanent)
			}
			if IsTemporary(err) != tt.temporary {
				t.Errorf("IsTemporary() = %v, want %v", IsTemporary(err), tt.temporary)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v) = false", tt.sentinel)
			}
			if RetryAfter(err) != tt.wantAfter {
				t.Errorf("RetryAfter() = %v, want %v", RetryAfter(err), tt.wantAfter)
			}
		})
	}
}

func TestClientNetworkErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "k", time.Second).Send(context.Background(), &Message{ID: "j", AccountID: "a"})
	if !IsTemporary(err) {
		t.Errorf("IsTemporary(%v) = false, want true", err)
	}
}

func TestClientPairing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/accounts/a/pairing":
			w.Write([]byte(`{"code":"ABCD-1234"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1/accounts/a/session":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	p, err := c.RequestPairingCode(context.Background(), "a")
	if err != nil {
		t.Fatalf("RequestPairingCode() error = %v", err)
	}
	if p.Code != "ABCD-1234" || p.QR != "ABCD-1234" {
		t.Errorf("pairing = %+v", p)
	}
	if err := c.Logout(context.Background(), "a"); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
}

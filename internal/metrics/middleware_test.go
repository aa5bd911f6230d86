package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestInstrumentRoutePattern(t *testing.T) {
	SetGlobal(nil)
	m := New()

	r := chi.NewRouter()
	r.Use(Instrument(m))
	r.Get("/api/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	for _, id := range []string{"c-1", "c-2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/campaigns/"+id, nil))
	}

	if got := value(t, m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "200")); got != 2 {
		t.Errorf("APIRequestsTotal = %v, want 2", got)
	}
}

func TestInstrumentGlobalFallback(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := Instrument(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/v1/jobs/550e8400-e29b-41d4-a716-446655440000", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got := value(t, m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/jobs/{id}", "404")); got != 1 {
		t.Errorf("APIRequestsTotal = %v, want 1", got)
	}
	if got := value(t, m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("APIErrorsTotal[not_found] = %v, want 1", got)
	}
}

func TestInstrumentErrors(t *testing.T) {
	SetGlobal(nil)
	m := New()

	handler := Instrument(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	for i := 0; i < 3; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/campaigns", nil))
	}

	if got := value(t, m.APIErrorsTotal.WithLabelValues("rate_limited")); got != 3 {
		t.Errorf("APIErrorsTotal[rate_limited] = %v, want 3", got)
	}
	if got := value(t, m.APIRequestsTotal.WithLabelValues("POST", "/api/v1/campaigns", "429")); got != 3 {
		t.Errorf("APIRequestsTotal = %v, want 3", got)
	}
}

func TestInstrumentNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := Instrument(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestInstrumentKeepsFlusher(t *testing.T) {
	SetGlobal(nil)
	m := New()

	var flushable bool
	handler := Instrument(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.Write([]byte("data: {}\n\n"))
		http.NewResponseController(w).Flush()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/events", nil))

	if !flushable {
		t.Error("wrapped writer does not implement http.Flusher")
	}
	if !rec.Flushed {
		t.Error("Flush did not reach the underlying writer")
	}
}

func TestRouteLabelMasking(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/jobs/550e8400-e29b-41d4-a716-446655440000", "/api/v1/jobs/{id}"},
		{"/api/v1/jobs/550E8400-E29B-41D4-A716-446655440000", "/api/v1/jobs/{id}"},
		{"/api/v1/contacts/+447911123456", "/api/v1/contacts/{phone}"},
		{"/api/v1/jobs/not-a-uuid", "/api/v1/jobs/not-a-uuid"},
		{"/api/v1/jobs/550e8400e29b41d4a716446655440000", "/api/v1/jobs/550e8400e29b41d4a716446655440000"},
		{"/api/v1/sessions/+12/status", "/api/v1/sessions/+12/status"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := routeLabel(httptest.NewRequest("GET", tt.path, nil)); got != tt.want {
				t.Errorf("routeLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategorizeStatus(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{500, "server_error"},
		{502, "server_error"},
		{429, "rate_limited"},
		{401, "auth_error"},
		{403, "auth_error"},
		{404, "not_found"},
		{409, "conflict"},
		{400, "bad_request"},
		{422, "client_error"},
		{200, "unknown"},
	}

	for _, tt := range tests {
		if got := categorizeStatus(tt.status); got != tt.expected {
			t.Errorf("categorizeStatus(%d) = %q, expected %q", tt.status, got, tt.expected)
		}
	}
}

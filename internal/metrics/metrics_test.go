package metrics

import (
	"testing"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}

	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}

	if m.MessagesSentTotal == nil || m.MessagesFailedTotal == nil || m.MessagesDeferredTotal == nil {
		t.Error("message counters not initialized")
	}
	if m.QueueSize == nil || m.QueueInFlight == nil {
		t.Error("queue gauges not initialized")
	}
	if m.SessionStatus == nil || m.Campaigns == nil {
		t.Error("state gauges not initialized")
	}
	if m.APIRequestsTotal == nil || m.APIRequestDurationSeconds == nil {
		t.Error("API metrics not initialized")
	}

	// every persisted counter must be registered under its own name
	m.MessagesSentTotal.WithLabelValues("acc").Inc()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "herald_messages_sent_total" {
			found = true
		}
	}
	if !found {
		t.Error("herald_messages_sent_total not gathered")
	}
}

func TestGlobalMetrics(t *testing.T) {
	SetGlobal(nil)
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)

	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}

	SetGlobal(nil)
}

func TestIncHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("acc")
	IncMessagesSent("acc")
	IncMessagesSent("other")
	IncMessagesFailed("acc", "permanent")
	IncMessagesFailed("acc", "retries_exhausted")
	IncMessagesFailed("acc", "permanent")
	IncMessagesDeferred("acc", "rate_limited")
	AddMessagesSkipped("acc", 3)
	AddMessagesSkipped("acc", 0)
	IncReceipts("delivered")
	IncPresence("acc", "full")
	IncPresence("acc", "extended")
	IncPresence("acc", "full")
	IncExperimentsEvaluated("winner")
	IncRateLimitExceeded("acc")
	IncAPIErrors("server_error")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"sent acc", value(t, m.MessagesSentTotal.WithLabelValues("acc")), 2},
		{"sent other", value(t, m.MessagesSentTotal.WithLabelValues("other")), 1},
		{"failed permanent", value(t, m.MessagesFailedTotal.WithLabelValues("acc", "permanent")), 2},
		{"failed exhausted", value(t, m.MessagesFailedTotal.WithLabelValues("acc", "retries_exhausted")), 1},
		{"deferred", value(t, m.MessagesDeferredTotal.WithLabelValues("acc", "rate_limited")), 1},
		{"skipped", value(t, m.MessagesSkippedTotal.WithLabelValues("acc")), 3},
		{"receipts", value(t, m.ReceiptsTotal.WithLabelValues("delivered")), 1},
		{"presence full", value(t, m.PresenceTotal.WithLabelValues("acc", "full")), 2},
		{"presence extended", value(t, m.PresenceTotal.WithLabelValues("acc", "extended")), 1},
		{"experiments", value(t, m.ExperimentsEvaluatedTotal.WithLabelValues("winner")), 1},
		{"rate limit", value(t, m.RateLimitExceededTotal.WithLabelValues("acc")), 1},
		{"api errors", value(t, m.APIErrorsTotal.WithLabelValues("server_error")), 1},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// These should not panic when global is nil
	IncMessagesSent("acc")
	IncMessagesFailed("acc", "permanent")
	IncMessagesDeferred("acc", "session")
	AddMessagesSkipped("acc", 1)
	IncReceipts("read")
	IncPresence("acc", "full")
	IncExperimentsEvaluated("tie")
	IncRateLimitExceeded("acc")
	IncAPIErrors("server_error")
}

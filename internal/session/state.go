// Package session tracks the connectivity of the outbound channel of each account.
package session

import "time"

// Status is the connectivity state of a session
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusPairing      Status = "pairing"
	StatusConnected    Status = "connected"
	StatusTimeout      Status = "timeout"
	StatusError        Status = "error"
	StatusUnauthorized Status = "unauthorized"
)

// AllStatuses lists every session status
var AllStatuses = []Status{StatusDisconnected, StatusPairing, StatusConnected, StatusTimeout, StatusError, StatusUnauthorized}

// State is a snapshot of a session, pushed to subscribers on every change
type State struct {
	AccountID   string     `json:"account_id"`
	Status      Status     `json:"status"`
	QR          string     `json:"qr,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Message     string     `json:"message,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Connected reports whether sends may proceed
func (s State) Connected() bool {
	return s.Status == StatusConnected
}

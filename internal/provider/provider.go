// Package provider defines the send and session primitives the engine
// consumes, and an HTTP gateway client implementing them.
package provider

import (
	"context"
	"encoding/json"

	"github.com/foxzi/herald/internal/campaign"
)

// Message is one rendered message ready to hand to the provider
type Message struct {
	// ID identifies the job and is passed to the provider as idempotency key
	ID        string               `json:"id"`
	AccountID string               `json:"account_id"`
	To        string               `json:"to"`
	Type      campaign.VariantType `json:"type"`
	Content   campaign.Content     `json:"content"`
}

// Result is returned by a successful send
type Result struct {
	MessageID string          `json:"message_id"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// PresenceState is a presence signal sent before a message
type PresenceState string

const (
	PresenceAvailable PresenceState = "available"
	PresenceComposing PresenceState = "composing"
	PresencePaused    PresenceState = "paused"
)

// Pairing is a pairing code issued by the provider
type Pairing struct {
	Code string `json:"code"`
	// QR is the scannable payload, usually the code itself or a data URL
	QR string `json:"qr,omitempty"`
}

// Sender sends one message
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Presence emits presence signals
type Presence interface {
	SendPresence(ctx context.Context, accountID, to string, state PresenceState) error
}

// Pairer drives the session pairing handshake. Pairing completion is reported
// asynchronously through the session callback.
type Pairer interface {
	RequestPairingCode(ctx context.Context, accountID string) (*Pairing, error)
	Logout(ctx context.Context, accountID string) error
}

// Provider is the full set of primitives for one account
type Provider interface {
	Sender
	Presence
	Pairer
}

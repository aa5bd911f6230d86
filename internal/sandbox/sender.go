// Package sandbox is a provider that captures messages into bbolt instead of
// sending them, for staging and load tests.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/provider"
)

// Config controls the sandbox provider
type Config struct {
	// ErrorProbability is the share of sends failed on purpose, 0 to 1
	ErrorProbability float64 `yaml:"error_probability"`
	// PermanentRatio is the share of simulated failures that are permanent
	PermanentRatio float64 `yaml:"permanent_ratio"`
	// AutoPair confirms every pairing code after PairDelay
	AutoPair  bool          `yaml:"auto_pair"`
	PairDelay time.Duration `yaml:"pair_delay"`
	// AutoReceipts reports captured messages as delivered after ReceiptDelay
	AutoReceipts bool          `yaml:"auto_receipts"`
	ReceiptDelay time.Duration `yaml:"receipt_delay"`
}

// PairedFunc is called when the sandbox confirms a pairing code
type PairedFunc func(accountID, code, phoneNumber string)

// ReceiptFunc is called with a delivery receipt for a captured message
type ReceiptFunc func(ctx context.Context, providerMessageID string, status campaign.RecipientStatus, at time.Time)

var simulatedErrors = []struct {
	code      string
	message   string
	permanent bool
}{
	{"131026", "recipient is not a registered user", true},
	{"131051", "unsupported message type", true},
	{"131000", "temporary upstream failure", false},
	{"131016", "service unavailable", false},
}

// Sender implements provider.Provider by capturing messages
type Sender struct {
	storage *Storage
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	rng       func() float64
	onPaired  PairedFunc
	onReceipt ReceiptFunc
}

// NewSender creates a new sandbox sender
func NewSender(storage *Storage, cfg Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PairDelay <= 0 {
		cfg.PairDelay = time.Second
	}
	if cfg.ReceiptDelay <= 0 {
		cfg.ReceiptDelay = 2 * time.Second
	}
	return &Sender{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		rng:     rand.Float64,
	}
}

// OnPaired registers the callback used for auto pairing
func (s *Sender) OnPaired(fn PairedFunc) {
	s.mu.Lock()
	s.onPaired = fn
	s.mu.Unlock()
}

// OnReceipt registers the callback used for automatic receipts
func (s *Sender) OnReceipt(fn ReceiptFunc) {
	s.mu.Lock()
	s.onReceipt = fn
	s.mu.Unlock()
}

// SetErrorSimulation changes the simulated failure rates
func (s *Sender) SetErrorSimulation(probability, permanentRatio float64) {
	s.mu.Lock()
	s.cfg.ErrorProbability = probability
	s.cfg.PermanentRatio = permanentRatio
	s.mu.Unlock()
}

// Settings returns the current simulation settings
func (s *Sender) Settings() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// EmitReceipt reports a receipt for a captured message right away. It returns
// false when no receipt callback is registered.
func (s *Sender) EmitReceipt(ctx context.Context, providerMessageID string, status campaign.RecipientStatus) bool {
	s.mu.Lock()
	onReceipt := s.onReceipt
	s.mu.Unlock()

	if onReceipt == nil {
		return false
	}
	onReceipt(ctx, providerMessageID, status, s.now())
	return true
}

// Send captures the message, or fails it when error simulation picks it
func (s *Sender) Send(ctx context.Context, msg *provider.Message) (*provider.Result, error) {
	s.mu.Lock()
	cfg := s.cfg
	fail := cfg.ErrorProbability > 0 && s.rng() < cfg.ErrorProbability
	permanent := fail && s.rng() < cfg.PermanentRatio
	onReceipt := s.onReceipt
	s.mu.Unlock()

	captured := &Message{
		ID:         msg.ID,
		AccountID:  msg.AccountID,
		To:         msg.To,
		Type:       msg.Type,
		Content:    msg.Content,
		CapturedAt: s.now(),
	}

	if fail {
		perr := s.simulatedError(permanent)
		captured.SimulatedErr = perr.Error()
		if err := s.storage.Save(ctx, captured); err != nil {
			s.logger.Error("sandbox: failed to save message", "error", err)
		}
		s.logger.Info("sandbox: simulated failure", "id", msg.ID, "to", msg.To, "error", perr)
		return nil, perr
	}

	captured.ProviderMessageID = "sandbox." + uuid.NewString()
	if err := s.storage.Save(ctx, captured); err != nil {
		return nil, fmt.Errorf("sandbox: failed to save message: %w", err)
	}

	s.logger.Info("sandbox: message captured",
		"id", msg.ID,
		"account", msg.AccountID,
		"to", msg.To,
	)

	if cfg.AutoReceipts && onReceipt != nil {
		pid, at := captured.ProviderMessageID, captured.CapturedAt.Add(cfg.ReceiptDelay)
		time.AfterFunc(cfg.ReceiptDelay, func() {
			onReceipt(context.Background(), pid, campaign.RecipientDelivered, at)
		})
	}

	return &provider.Result{MessageID: captured.ProviderMessageID}, nil
}

func (s *Sender) simulatedError(permanent bool) *provider.Error {
	var candidates []int
	for i, e := range simulatedErrors {
		if e.permanent == permanent {
			candidates = append(candidates, i)
		}
	}
	e := simulatedErrors[candidates[rand.IntN(len(candidates))]]
	return &provider.Error{Code: e.code, Message: e.message, Permanent: e.permanent}
}

// SendPresence accepts every presence signal
func (s *Sender) SendPresence(ctx context.Context, accountID, to string, state provider.PresenceState) error {
	s.logger.Debug("sandbox: presence", "account", accountID, "to", to, "state", state)
	return nil
}

// RequestPairingCode issues a random code. With auto pairing the code is
// confirmed after PairDelay, the way a real device would.
func (s *Sender) RequestPairingCode(ctx context.Context, accountID string) (*provider.Pairing, error) {
	code := uuid.NewString()[:8]

	s.mu.Lock()
	onPaired := s.onPaired
	s.mu.Unlock()

	if s.cfg.AutoPair && onPaired != nil {
		time.AfterFunc(s.cfg.PairDelay, func() { onPaired(accountID, code, "sandbox") })
	}
	return &provider.Pairing{Code: code, QR: "sandbox:" + code}, nil
}

// Logout always succeeds
func (s *Sender) Logout(ctx context.Context, accountID string) error {
	return nil
}

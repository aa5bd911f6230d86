package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/provider"
)

var (
	// ErrNotPairing is returned when a pairing confirmation arrives with no code outstanding
	ErrNotPairing = errors.New("session is not pairing")
	// ErrStaleCode is returned when a confirmation refers to a superseded pairing code
	ErrStaleCode = errors.New("pairing code is no longer valid")
)

// Timer is a pending callback that can be cancelled
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run after d
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config contains session settings
type Config struct {
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
	// Buffered updates per subscriber before the oldest is dropped
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// Manager owns the session lifecycle of one account
type Manager struct {
	accountID string
	pairer    provider.Pairer
	cfg       Config
	logger    *slog.Logger
	afterFunc AfterFunc
	now       func() time.Time

	startMu sync.Mutex // serializes Start and Stop

	mu    sync.Mutex
	state State
	code  string
	gen   uint64 // bumped whenever a pairing code is issued or revoked
	timer Timer
	subs  map[int]chan State
	next  int
}

// NewManager creates a session manager in the disconnected state
func NewManager(accountID string, pairer provider.Pairer, cfg Config, logger *slog.Logger) *Manager {
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = 120 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}

	m := &Manager{
		accountID: accountID,
		pairer:    pairer,
		cfg:       cfg,
		logger:    logger.With("account", accountID),
		afterFunc: realAfterFunc,
		now:       time.Now,
		subs:      make(map[int]chan State),
	}
	m.state = State{AccountID: accountID, Status: StatusDisconnected, UpdatedAt: m.now()}
	return m
}

// SetClock replaces the time source and timer factory
func (m *Manager) SetClock(now func() time.Time, afterFunc AfterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.afterFunc = afterFunc
}

// AccountID returns the account the session belongs to
func (m *Manager) AccountID() string {
	return m.accountID
}

// Status returns the current session state
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether sends may proceed
func (m *Manager) Connected() bool {
	return m.Status().Connected()
}

// Start requests a fresh pairing code. Any previous code is invalidated and
// its expiry timer reset. Starting a connected session is a no-op.
func (m *Manager) Start(ctx context.Context) (State, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if st := m.Status(); st.Connected() {
		return st, nil
	}

	pairing, err := m.pairer.RequestPairingCode(ctx, m.accountID)
	if err != nil {
		if errors.Is(err, provider.ErrUnauthorized) {
			m.HandleUnauthorized(err.Error())
		} else {
			m.HandleError(err.Error())
		}
		return m.Status(), fmt.Errorf("request pairing code: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimer()
	m.gen++
	gen := m.gen
	m.code = pairing.Code

	now := m.now()
	expires := now.Add(m.cfg.PairingTimeout)
	m.setState(State{
		AccountID: m.accountID,
		Status:    StatusPairing,
		QR:        pairing.QR,
		ExpiresAt: &expires,
		UpdatedAt: now,
	})
	m.timer = m.afterFunc(m.cfg.PairingTimeout, func() { m.expire(gen) })

	m.logger.Info("pairing code issued", "expires_at", expires)
	return m.state, nil
}

// Stop logs the session out and returns it to disconnected
func (m *Manager) Stop(ctx context.Context) (State, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	err := m.pairer.Logout(ctx, m.accountID)
	if err != nil {
		m.logger.Warn("logout failed", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoke()
	m.setState(State{AccountID: m.accountID, Status: StatusDisconnected, UpdatedAt: m.now()})
	m.logger.Info("session stopped")
	return m.state, err
}

// HandlePaired marks the session connected. A non-empty code must match the
// outstanding pairing code; an empty code reports a session the provider
// restored on its own.
func (m *Manager) HandlePaired(code, phoneNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code != "" {
		if m.state.Status != StatusPairing {
			return ErrNotPairing
		}
		if code != m.code {
			return ErrStaleCode
		}
	}

	m.revoke()
	m.setState(State{
		AccountID:   m.accountID,
		Status:      StatusConnected,
		PhoneNumber: phoneNumber,
		UpdatedAt:   m.now(),
	})
	m.logger.Info("session connected", "phone", phoneNumber)
	return nil
}

// HandleDisconnected records a provider side disconnect
func (m *Manager) HandleDisconnected(reason string) {
	m.transition(StatusDisconnected, reason)
	m.logger.Warn("session disconnected", "reason", reason)
}

// HandleError records an unrecoverable provider error
func (m *Manager) HandleError(message string) {
	m.transition(StatusError, message)
	m.logger.Error("session error", "message", message)
}

// HandleUnauthorized records rejected credentials
func (m *Manager) HandleUnauthorized(message string) {
	m.transition(StatusUnauthorized, message)
	m.logger.Error("session unauthorized", "message", message)
}

// Subscribe returns a channel receiving every state change and a function
// that cancels the subscription. A slow subscriber loses its oldest updates.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	ch := make(chan State, m.cfg.SubscriberBuffer)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *Manager) transition(status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revoke()
	m.setState(State{
		AccountID: m.accountID,
		Status:    status,
		Message:   message,
		UpdatedAt: m.now(),
	})
}

// expire fires when the pairing code of generation gen times out
func (m *Manager) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.state.Status != StatusPairing {
		return
	}
	m.timer = nil
	m.code = ""
	m.setState(State{
		AccountID: m.accountID,
		Status:    StatusTimeout,
		Message:   "pairing code expired",
		UpdatedAt: m.now(),
	})
	m.logger.Info("pairing code expired")
}

// revoke invalidates any outstanding pairing code. Caller holds mu.
func (m *Manager) revoke() {
	m.stopTimer()
	m.gen++
	m.code = ""
}

func (m *Manager) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// setState stores st and broadcasts it. Caller holds mu.
func (m *Manager) setState(st State) {
	m.state = st
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
			// drop the oldest update to make room
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

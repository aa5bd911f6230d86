package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/provider"
)

// PresenceOutcome is reported exactly once per send
type PresenceOutcome string

const (
	// PresenceFull means the account was offline and the full available + composing sequence was sent
	PresenceFull PresenceOutcome = "full"
	// PresenceExtended means the account was still online and only composing was sent
	PresenceExtended PresenceOutcome = "extended"
)

// PresenceConfig contains presence emulation settings
type PresenceConfig struct {
	Enabled bool `yaml:"enabled"`
	// How long an account counts as online after a send
	OnlineWindow time.Duration `yaml:"online_window"`
}

// Presence emits presence signals before sends and remembers which accounts
// are still online from a recent send
type Presence struct {
	signaler provider.Presence
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	onlineUntil map[string]time.Time
}

// NewPresence creates a presence tracker
func NewPresence(signaler provider.Presence, cfg PresenceConfig, logger *slog.Logger) *Presence {
	if cfg.OnlineWindow <= 0 {
		cfg.OnlineWindow = 30 * time.Second
	}
	return &Presence{
		signaler:    signaler,
		window:      cfg.OnlineWindow,
		logger:      logger,
		now:         time.Now,
		onlineUntil: make(map[string]time.Time),
	}
}

// SetClock replaces the time source
func (p *Presence) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Before signals presence ahead of a send to `to` and extends the online
// window of the account. Signal failures are logged and never block the send.
func (p *Presence) Before(ctx context.Context, accountID, to string) PresenceOutcome {
	p.mu.Lock()
	now := p.now()
	outcome := PresenceFull
	if now.Before(p.onlineUntil[accountID]) {
		outcome = PresenceExtended
	}
	p.onlineUntil[accountID] = now.Add(p.window)
	p.mu.Unlock()

	if outcome == PresenceFull {
		p.signal(ctx, accountID, to, provider.PresenceAvailable)
	}
	p.signal(ctx, accountID, to, provider.PresenceComposing)

	metrics.IncPresence(accountID, string(outcome))
	return outcome
}

func (p *Presence) signal(ctx context.Context, accountID, to string, state provider.PresenceState) {
	if err := p.signaler.SendPresence(ctx, accountID, to, state); err != nil {
		p.logger.Debug("presence signal failed", "account", accountID, "state", state, "error", err)
	}
}

// Online reports whether the account is inside its online window
func (p *Presence) Online(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.onlineUntil[accountID])
}

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/foxzi/herald/internal/campaign"
	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Config contains rate limit configuration
type Config struct {
	// Default per-account budget when neither the campaign nor the variant sets one.
	// Zero disables the budget.
	MessagesPerMinute int `yaml:"messages_per_minute"`

	// Length of the rolling window
	Window time.Duration `yaml:"window"`

	// Bounds of the random spacing inserted after a send with random delay enabled
	JitterMin time.Duration `yaml:"jitter_min"`
	JitterMax time.Duration `yaml:"jitter_max"`

	// Persistence settings
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// Window is the send log of one account
type Window struct {
	Sends    []time.Time `json:"sends"`
	NextFree time.Time   `json:"next_free,omitempty"`
}

// Limiter enforces a rolling messages-per-window budget per account
type Limiter struct {
	db      *bolt.DB
	config  *Config
	windows map[string]*Window // account id -> send log
	mu      sync.Mutex
	stopCh  chan struct{}
	now     func() time.Time
	jitter  func(min, max time.Duration) time.Duration
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:      db,
		config:  cfg,
		windows: make(map[string]*Window),
		stopCh:  make(chan struct{}),
		now:     time.Now,
		jitter:  randomJitter,
	}

	if err := l.loadWindows(); err != nil {
		return nil, fmt.Errorf("failed to load windows: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// SetClock replaces the time source
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetJitter replaces the random spacing source
func (l *Limiter) SetJitter(fn func(min, max time.Duration) time.Duration) {
	l.mu.Lock()
	l.jitter = fn
	l.mu.Unlock()
}

// Request describes one send attempt
type Request struct {
	AccountID string
	Priority  campaign.Priority
	// Effective budget for the job; zero falls back to the configured default
	MessagesPerMinute int
	RandomDelay       bool
}

// Result contains the rate limit decision
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
	// Jitter is the random part of RetryAfter
	Jitter time.Duration
}

// Stats contains the current state of an account window
type Stats struct {
	AccountID string     `json:"account_id"`
	InWindow  int        `json:"in_window"`
	Window    string     `json:"window"`
	Oldest    *time.Time `json:"oldest,omitempty"`
	NextFree  *time.Time `json:"next_free,omitempty"`
}

// TryAcquire decides whether req may be sent now and, if so, records the send.
// High and urgent jobs ignore the random spacing but share the same budget.
func (l *Limiter) TryAcquire(ctx context.Context, req *Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(req.AccountID, now)

	capacity := req.MessagesPerMinute
	if capacity <= 0 {
		capacity = l.config.MessagesPerMinute
	}

	if capacity > 0 && len(w.Sends) >= capacity {
		// the send that has to expire before a slot frees up
		oldest := w.Sends[len(w.Sends)-capacity]
		res := Result{RetryAfter: oldest.Add(l.config.Window).Sub(now)}
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
		if req.RandomDelay && req.Priority < campaign.PriorityUrgent {
			res.Jitter = l.jitter(l.config.JitterMin, l.config.JitterMax)
			res.RetryAfter += res.Jitter
		}
		return res
	}

	if req.Priority < campaign.PriorityHigh && now.Before(w.NextFree) {
		return Result{RetryAfter: w.NextFree.Sub(now)}
	}

	w.Sends = append(w.Sends, now)
	if req.RandomDelay && req.Priority < campaign.PriorityUrgent {
		w.NextFree = now.Add(l.jitter(l.config.JitterMin, l.config.JitterMax))
	}
	return Result{Allowed: true}
}

// GetStats returns the current window of an account
func (l *Limiter) GetStats(ctx context.Context, accountID string) *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(accountID, now)
	stats := &Stats{
		AccountID: accountID,
		InWindow:  len(w.Sends),
		Window:    l.config.Window.String(),
	}
	if len(w.Sends) > 0 {
		oldest := w.Sends[0]
		stats.Oldest = &oldest
	}
	if w.NextFree.After(now) {
		next := w.NextFree
		stats.NextFree = &next
	}
	return stats
}

// Reset forgets the send log of an account
func (l *Limiter) Reset(ctx context.Context, accountID string) error {
	l.mu.Lock()
	delete(l.windows, accountID)
	l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRateLimits).Delete([]byte(makeKey(accountID)))
	})
}

// Stop stops the rate limiter and persists windows
func (l *Limiter) Stop() error {
	close(l.stopCh)
	return l.persistWindows()
}

// window returns the pruned log of an account, creating it if needed
func (l *Limiter) window(accountID string, now time.Time) *Window {
	w, ok := l.windows[accountID]
	if !ok {
		w = &Window{}
		l.windows[accountID] = w
	}

	cutoff := now.Add(-l.config.Window)
	i := sort.Search(len(w.Sends), func(i int) bool { return w.Sends[i].After(cutoff) })
	if i > 0 {
		w.Sends = append(w.Sends[:0], w.Sends[i:]...)
	}
	return w
}

func (l *Limiter) loadWindows() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var w Window
			if err := json.Unmarshal(v, &w); err != nil {
				return nil // Skip invalid entries
			}
			l.windows[accountFromKey(string(k))] = &w
			return nil
		})
	})
}

func (l *Limiter) persistWindows() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for account, w := range l.windows {
			data, err := json.Marshal(w)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(makeKey(account)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistWindows()
		}
	}
}

func randomJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

const keyPrefix = "account:"

func makeKey(accountID string) string {
	return keyPrefix + accountID
}

func accountFromKey(key string) string {
	if len(key) > len(keyPrefix) && key[:len(keyPrefix)] == keyPrefix {
		return key[len(keyPrefix):]
	}
	return key
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/sandbox"
	"github.com/foxzi/herald/internal/session"
)

// Provider modes
const (
	ProviderHTTP    = "http"
	ProviderSandbox = "sandbox"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig         `yaml:"server"`
	API        APIConfig            `yaml:"api"`
	Storage    StorageConfig        `yaml:"storage"`
	Logging    LoggingConfig        `yaml:"logging"`
	Metrics    MetricsConfig        `yaml:"metrics"`
	Session    session.Config       `yaml:"session"`
	Dispatcher queue.Config         `yaml:"dispatcher"`
	RateLimit  ratelimit.Config     `yaml:"rate_limit"`
	Presence   queue.PresenceConfig `yaml:"presence"`
	Campaigns  CampaignDefaults     `yaml:"campaigns"`
	Accounts   []AccountConfig      `yaml:"accounts"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
	// APIKeyHash is a bcrypt hash of the API key, used instead of api_key
	APIKeyHash     string         `yaml:"api_key_hash"`
	MaxHeaderBytes int            `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration  `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration  `yaml:"write_timeout"`    // HTTP write timeout (default: 30s), SSE streams are exempt
	IdleTimeout    time.Duration  `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	RateLimit      APIRateLimit   `yaml:"rate_limit"`
	Callback       CallbackConfig `yaml:"callback"`
}

// APIRateLimit limits requests per client IP
type APIRateLimit struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // Default: 10
	Burst             int     `yaml:"burst"`               // Default: 20
}

// CallbackConfig secures the provider webhook
type CallbackConfig struct {
	// Secret is compared with the X-Callback-Secret header; empty falls back to the API key
	Secret string `yaml:"secret"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains campaign retention settings
type RetentionConfig struct {
	Schedule        string        `yaml:"schedule"`          // cron spec, default: @every 1h
	CompletedMaxAge time.Duration `yaml:"completed_max_age"` // Delete finished campaigns older than this (0 = keep forever)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CampaignDefaults fill campaign fields left empty by clients
type CampaignDefaults struct {
	MaxRetries              int `yaml:"max_retries"`               // Default: 3
	EvaluationWindowMinutes int `yaml:"evaluation_window_minutes"` // Default: 60
}

// AccountConfig describes one sending account
type AccountConfig struct {
	ID string `yaml:"id"`
	// DefaultRegion is used to parse numbers given without a country code
	DefaultRegion string         `yaml:"default_region"`
	Provider      ProviderConfig `yaml:"provider"`
	// AutoStart requests a pairing code when the server starts
	AutoStart bool `yaml:"auto_start"`
}

// ProviderConfig selects and configures the send primitive of an account
type ProviderConfig struct {
	Mode    string         `yaml:"mode"` // http, sandbox
	BaseURL string         `yaml:"base_url"`
	APIKey  string         `yaml:"api_key"`
	Timeout time.Duration  `yaml:"timeout"` // Default: 30s
	Sandbox sandbox.Config `yaml:"sandbox"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.RateLimit.RequestsPerSecond == 0 {
		c.API.RateLimit.RequestsPerSecond = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/herald/herald.db"
	}
	if c.Storage.Retention.Schedule == "" {
		c.Storage.Retention.Schedule = "@every 1h"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Session.PairingTimeout == 0 {
		c.Session.PairingTimeout = 120 * time.Second
	}

	if c.Dispatcher.SessionBackoff == 0 {
		c.Dispatcher.SessionBackoff = 5 * time.Second
	}
	if c.Dispatcher.RetryInterval == 0 {
		c.Dispatcher.RetryInterval = 30 * time.Second
	}
	if c.Dispatcher.MaxBackoff == 0 {
		c.Dispatcher.MaxBackoff = 30 * time.Minute
	}
	if c.Dispatcher.MaxRetries == 0 {
		c.Dispatcher.MaxRetries = 3
	}
	if c.Dispatcher.SendTimeout == 0 {
		c.Dispatcher.SendTimeout = 2 * time.Minute
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.JitterMin == 0 && c.RateLimit.JitterMax == 0 {
		c.RateLimit.JitterMin = 2 * time.Second
		c.RateLimit.JitterMax = 8 * time.Second
	}
	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Presence.OnlineWindow == 0 {
		c.Presence.OnlineWindow = 30 * time.Second
	}

	if c.Campaigns.MaxRetries == 0 {
		c.Campaigns.MaxRetries = c.Dispatcher.MaxRetries
	}
	if c.Campaigns.EvaluationWindowMinutes == 0 {
		c.Campaigns.EvaluationWindowMinutes = 60
	}

	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Provider.Mode == "" {
			a.Provider.Mode = ProviderHTTP
		}
		if a.Provider.Timeout == 0 {
			a.Provider.Timeout = 30 * time.Second
		}
		if a.DefaultRegion == "" {
			a.DefaultRegion = "US"
		}
		a.DefaultRegion = strings.ToUpper(a.DefaultRegion)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateAPI(); err != nil {
		return err
	}

	if _, err := cron.ParseStandard(c.Storage.Retention.Schedule); err != nil {
		return fmt.Errorf("invalid storage.retention.schedule: %w", err)
	}

	if c.RateLimit.MessagesPerMinute < 0 {
		return fmt.Errorf("rate_limit.messages_per_minute must not be negative")
	}
	if c.RateLimit.JitterMin < 0 || c.RateLimit.JitterMax < c.RateLimit.JitterMin {
		return fmt.Errorf("rate_limit.jitter_min must be between 0 and jitter_max")
	}

	return c.validateAccounts()
}

func (c *Config) validateAPI() error {
	if c.API.APIKey != "" && c.API.APIKeyHash != "" {
		return fmt.Errorf("api.api_key and api.api_key_hash are mutually exclusive")
	}
	if c.API.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(c.API.APIKeyHash)); err != nil {
			return fmt.Errorf("invalid api.api_key_hash: %w", err)
		}
	}
	if c.API.RateLimit.RequestsPerSecond < 0 || c.API.RateLimit.Burst < 0 {
		return fmt.Errorf("api.rate_limit values must not be negative")
	}
	return nil
}

func (c *Config) validateAccounts() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts: id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts: duplicate id %q", a.ID)
		}
		seen[a.ID] = true

		switch a.Provider.Mode {
		case ProviderHTTP:
			if a.Provider.BaseURL == "" {
				return fmt.Errorf("account %s: provider.base_url is required for http mode", a.ID)
			}
		case ProviderSandbox:
			s := a.Provider.Sandbox
			if s.ErrorProbability < 0 || s.ErrorProbability > 1 || s.PermanentRatio < 0 || s.PermanentRatio > 1 {
				return fmt.Errorf("account %s: sandbox probabilities must be between 0 and 1", a.ID)
			}
		default:
			return fmt.Errorf("account %s: invalid provider.mode %q (must be http or sandbox)", a.ID, a.Provider.Mode)
		}
	}
	return nil
}

// Account returns the configuration of an account
func (c *Config) Account(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

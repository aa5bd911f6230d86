package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/herald/internal/api"
	"github.com/foxzi/herald/internal/campaign"
	"github.com/foxzi/herald/internal/config"
	"github.com/foxzi/herald/internal/delivery"
	"github.com/foxzi/herald/internal/engine"
	"github.com/foxzi/herald/internal/metrics"
	"github.com/foxzi/herald/internal/orchestrator"
	"github.com/foxzi/herald/internal/provider"
	"github.com/foxzi/herald/internal/queue"
	"github.com/foxzi/herald/internal/ratelimit"
	"github.com/foxzi/herald/internal/sandbox"
	"github.com/foxzi/herald/internal/session"
)

// App is the main application
type App struct {
	config         *config.Config
	storage        *campaign.BoltStorage
	engine         *engine.Engine
	sessions       *session.Registry
	dispatchers    []*queue.Dispatcher
	apiServer      *api.Server
	rateLimiter    *ratelimit.Limiter
	cleaner        *campaign.Cleaner
	collector      *metrics.Collector
	metricsServer  *metrics.Server
	sandboxStorage *sandbox.Storage
	logger         *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	storage, err := campaign.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	a := &App{
		config:   cfg,
		storage:  storage,
		sessions: session.NewRegistry(),
		logger:   logger,
	}
	if err := a.build(); err != nil {
		storage.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	rateLimiter, err := ratelimit.NewLimiter(a.storage.DB(), &cfg.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	a.rateLimiter = rateLimiter

	a.sandboxStorage, err = sandbox.NewStorage(a.storage.DB())
	if err != nil {
		return fmt.Errorf("failed to create sandbox storage: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metrics.SetGlobal(m)
	}

	tracker := delivery.NewTracker(a.storage, logger.With("component", "tracker"))
	orch := orchestrator.New(orchestrator.InlineAudience{}, func(accountID string) string {
		if acc, ok := cfg.Account(accountID); ok {
			return acc.DefaultRegion
		}
		return ""
	}, logger.With("component", "orchestrator"))

	a.engine = engine.New(a.storage, tracker, orch, campaign.Defaults{
		MaxRetries:              cfg.Campaigns.MaxRetries,
		EvaluationWindowMinutes: cfg.Campaigns.EvaluationWindowMinutes,
	}, logger.With("component", "engine"))

	senders := make(map[string]*sandbox.Sender)
	ids := make([]string, 0, len(cfg.Accounts))
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		accLogger := logger.With("account", acc.ID)

		var prov provider.Provider
		var sandboxSender *sandbox.Sender
		switch acc.Provider.Mode {
		case config.ProviderSandbox:
			sandboxSender = sandbox.NewSender(a.sandboxStorage, acc.Provider.Sandbox, accLogger.With("component", "sandbox"))
			senders[acc.ID] = sandboxSender
			prov = sandboxSender
		default:
			prov = provider.NewClient(acc.Provider.BaseURL, acc.Provider.APIKey, acc.Provider.Timeout)
		}

		manager := session.NewManager(acc.ID, prov, cfg.Session, accLogger.With("component", "session"))
		if err := a.sessions.Add(manager); err != nil {
			return err
		}

		if sandboxSender != nil {
			sandboxSender.OnPaired(func(accountID, code, phone string) {
				if err := manager.HandlePaired(code, phone); err != nil {
					accLogger.Warn("sandbox pairing rejected", "error", err)
				}
			})
			sandboxSender.OnReceipt(func(ctx context.Context, pid string, status campaign.RecipientStatus, at time.Time) {
				if _, err := a.engine.RecordReceipt(ctx, "", pid, status, at); err != nil {
					accLogger.Warn("sandbox receipt dropped", "provider_message_id", pid, "error", err)
				}
			})
		}

		d := queue.NewDispatcher(acc.ID, prov, rateLimiter, manager, tracker, cfg.Dispatcher, accLogger.With("component", "dispatcher"))
		if cfg.Presence.Enabled {
			d.SetPresence(queue.NewPresence(prov, cfg.Presence, accLogger.With("component", "presence")))
		}
		a.engine.AddDispatcher(d)
		a.dispatchers = append(a.dispatchers, d)
		ids = append(ids, acc.ID)
	}

	if err := a.engine.Recover(context.Background()); err != nil {
		return fmt.Errorf("failed to recover campaigns: %w", err)
	}

	if m != nil {
		a.collector, err = metrics.NewCollector(a.storage.DB(), m, a.metricsSources(), cfg.Storage.Path, cfg.Metrics.FlushInterval)
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		a.metricsServer = metrics.NewServerWithAllowedIPs(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, logger.With("component", "metrics"))
	}

	a.cleaner = campaign.NewCleaner(a.storage, campaign.CleanerConfig{
		Schedule: cfg.Storage.Retention.Schedule,
		MaxAge:   cfg.Storage.Retention.CompletedMaxAge,
	}, logger.With("component", "cleaner"))

	a.apiServer = api.NewServer(a.engine, a.sessions, &cfg.API, logger.With("component", "api"),
		api.NewManagementServer(rateLimiter, &cfg.RateLimit, ids),
		api.NewSandboxServer(a.sandboxStorage, senders),
	)
	return nil
}

func (a *App) metricsSources() metrics.Sources {
	statuses := make([]string, 0, len(session.AllStatuses))
	for _, s := range session.AllStatuses {
		statuses = append(statuses, string(s))
	}
	return metrics.Sources{
		Queues: func(ctx context.Context) []metrics.QueueStats {
			stats := a.engine.QueueStats()
			out := make([]metrics.QueueStats, 0, len(stats))
			for _, s := range stats {
				out = append(out, metrics.QueueStats{
					Account:  s.AccountID,
					Ready:    s.Ready,
					Waiting:  s.Waiting,
					Parked:   s.Parked,
					InFlight: s.InFlight,
				})
			}
			return out
		},
		Sessions: func() map[string]string {
			out := make(map[string]string)
			for _, st := range a.sessions.States() {
				out[st.AccountID] = string(st.Status)
			}
			return out
		},
		Campaigns: func(ctx context.Context) (map[string]int, error) {
			c, err := a.storage.Counts(ctx, "")
			if err != nil {
				return nil, err
			}
			return map[string]int{
				string(campaign.StatusDraft):     c.Draft,
				string(campaign.StatusScheduled): c.Scheduled,
				string(campaign.StatusRunning):   c.Running,
				string(campaign.StatusPaused):    c.Paused,
				string(campaign.StatusCompleted): c.Completed,
				string(campaign.StatusFailed):    c.Failed,
			}, nil
		},
		SessionStatuses: statuses,
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting herald",
		"hostname", a.config.Server.Hostname,
		"api_addr", a.config.API.ListenAddr,
		"accounts", len(a.config.Accounts),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for _, d := range a.dispatchers {
		d.Start(ctx)
	}

	if err := a.cleaner.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)

	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	if a.collector != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	for _, acc := range a.config.Accounts {
		if !acc.AutoStart {
			continue
		}
		m, _ := a.sessions.Get(acc.ID)
		if _, err := m.Start(ctx); err != nil {
			a.logger.Warn("session auto start failed", "account", acc.ID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests before the dispatchers go away
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	for _, d := range a.dispatchers {
		d.Stop()
	}

	a.cleaner.Stop()

	if a.collector != nil {
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// persists rate limit windows
	if err := a.rateLimiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}

	if err := a.storage.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

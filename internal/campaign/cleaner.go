package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// CleanerConfig contains retention settings
type CleanerConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 1h"
	Schedule string
	// Finished campaigns older than MaxAge are removed
	MaxAge time.Duration
}

// Cleaner periodically removes finished campaigns
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(),
	}
}

// Start registers the cleanup job and starts the scheduler. A zero MaxAge
// disables cleanup.
func (c *Cleaner) Start(ctx context.Context) error {
	if c.cfg.MaxAge <= 0 || c.cfg.Schedule == "" {
		c.logger.Info("campaign retention disabled")
		return nil
	}

	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() { c.run(ctx) }); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", c.cfg.Schedule, err)
	}
	c.cron.Start()

	c.logger.Info("cleaner started",
		"schedule", c.cfg.Schedule,
		"max_age", c.cfg.MaxAge,
	)
	return nil
}

// Stop stops the scheduler and waits for a running cleanup to finish
func (c *Cleaner) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	deleted, err := c.storage.CleanupFinished(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup finished campaigns", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("cleaned up finished campaigns", "deleted", deleted)
	}
}

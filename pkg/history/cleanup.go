package history

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cleanup deletes conversations past the retention window on a cron schedule.
type Cleanup struct {
	store     Store
	retention time.Duration
	schedule  string
	logger    zerolog.Logger
	cron      *cron.Cron
}

// CleanupConfig holds retention cleanup configuration
type CleanupConfig struct {
	Store         Store
	RetentionDays int
	Schedule      string
	Logger        zerolog.Logger
}

// NewCleanup creates a retention cleanup job. Schedule uses standard cron
// syntax (five fields).
func NewCleanup(cfg CleanupConfig) (*Cleanup, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("history cleanup: store is required")
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("history cleanup: retention days must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("history cleanup: invalid schedule %q: %w", cfg.Schedule, err)
	}

	return &Cleanup{
		store:     cfg.Store,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		schedule:  cfg.Schedule,
		logger:    cfg.Logger,
	}, nil
}

// Start schedules the cleanup job.
func (c *Cleanup) Start() error {
	if c.cron != nil {
		return fmt.Errorf("cleanup is already running")
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("History retention cleanup failed")
		}
	}); err != nil {
		c.cron = nil
		return fmt.Errorf("failed to schedule cleanup: %w", err)
	}
	c.cron.Start()

	c.logger.Info().
		Str("schedule", c.schedule).
		Dur("retention", c.retention).
		Msg("History retention cleanup started")

	return nil
}

// Stop stops the cleanup job, waiting for an in-flight run to finish.
func (c *Cleanup) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
	c.cron = nil

	c.logger.Info().Msg("History retention cleanup stopped")
}

// RunOnce performs a single retention pass.
func (c *Cleanup) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-c.retention)
	deleted, err := c.store.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	c.logger.Debug().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("History retention pass complete")

	return nil
}

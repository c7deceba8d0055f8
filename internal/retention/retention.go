// Package retention prunes old records from the local store.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// CallPruner deletes classified call log records.
type CallPruner interface {
	DeleteDisposedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MissedPruner deletes missed-call records.
type MissedPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Cleaner removes call log and missed-call rows older than MaxDays.
// Calls still waiting for classification are never removed.
type Cleaner struct {
	calls   CallPruner
	missed  MissedPruner
	maxDays int
	now     func() time.Time
	logger  *slog.Logger
}

// NewCleaner creates a cleaner. maxDays of 0 disables pruning.
func NewCleaner(calls CallPruner, missed MissedPruner, maxDays int, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		calls:   calls,
		missed:  missed,
		maxDays: maxDays,
		now:     time.Now,
		logger:  logger.With("subsystem", "retention"),
	}
}

// RunOnce prunes once and returns how many rows were removed.
func (c *Cleaner) RunOnce(ctx context.Context) (calls, missed int64) {
	if c.maxDays <= 0 {
		return 0, 0
	}
	cutoff := c.now().AddDate(0, 0, -c.maxDays)

	calls, err := c.calls.DeleteDisposedBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("call log retention cleanup failed", "error", err)
	}
	missed, err = c.missed.DeleteBefore(ctx, cutoff)
	if err != nil {
		c.logger.Error("missed call retention cleanup failed", "error", err)
	}

	if calls > 0 || missed > 0 {
		c.logger.Info("retention cleanup",
			"calls_deleted", calls,
			"missed_deleted", missed,
			"max_days", c.maxDays,
		)
	}
	return calls, missed
}

// Run prunes on every tick until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c.maxDays <= 0 {
		c.logger.Info("retention disabled")
		return
	}
	c.RunOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

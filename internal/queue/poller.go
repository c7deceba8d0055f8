package queue

import (
	"context"
	"log/slog"
	"time"
)

// Poller periodically reconciles the queue with the backend.
type Poller struct {
	queue    *Manager
	fetcher  Fetcher
	campaign string
	interval time.Duration
	logger   *slog.Logger

	// Ringing returns the number ringing locally, if any.
	Ringing func() string
	// OnError is called with every failed poll.
	OnError func(error)
}

// NewPoller creates a poller for campaign.
func NewPoller(q *Manager, f Fetcher, campaign string, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		queue:    q,
		fetcher:  f,
		campaign: campaign,
		interval: interval,
		logger:   logger.With("subsystem", "queue-poller"),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("queue polling started", "campaign", p.campaign, "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation.
func (p *Poller) Poll(ctx context.Context) error {
	entries, err := p.fetcher.Queue(ctx, p.campaign)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.logger.Warn("queue sync failed", "campaign", p.campaign, "error", err)
		if p.OnError != nil {
			p.OnError(err)
		}
		return err
	}
	ringing := ""
	if p.Ringing != nil {
		ringing = p.Ringing()
	}
	p.queue.Sync(entries, ringing)
	return nil
}

// Package followup watches the agent's scheduled callbacks and raises an
// alert shortly before each one is due.
package followup

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// DefaultLead is how long before its target a callback starts alerting.
const DefaultLead = 5 * time.Minute

// IsAlert reports whether a callback due at target is alerting at now: the
// lead window has started and the target has not passed.
func IsAlert(target, now time.Time, lead time.Duration) bool {
	return !now.Before(target.Add(-lead)) && !now.After(target)
}

// Lister returns the agent's callbacks.
type Lister interface {
	FollowUps(ctx context.Context) ([]models.FollowUp, error)
}

// Item is a callback with its derived alert flag.
type Item struct {
	models.FollowUp
	Alert bool `json:"is_alert"`
}

// Snapshot splits the callbacks at At.
type Snapshot struct {
	Items     []Item    `json:"items"`
	Upcoming  int       `json:"upcoming"`
	Completed int       `json:"completed"`
	Alerts    int       `json:"alerts"`
	At        time.Time `json:"at"`
}

// Options configure a Watch. Zero values fall back to defaults.
type Options struct {
	Lead time.Duration
	// Poll is the backend refresh interval.
	Poll time.Duration
	// Tick is the alert recompute interval, at most one minute.
	Tick time.Duration
	Now  func() time.Time
}

func (o *Options) setDefaults() {
	if o.Lead <= 0 {
		o.Lead = DefaultLead
	}
	if o.Poll <= 0 {
		o.Poll = 2 * time.Minute
	}
	if o.Tick <= 0 || o.Tick > time.Minute {
		o.Tick = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Watch keeps the callback list and its alert state.
type Watch struct {
	lister Lister
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	items     []models.FollowUp
	alerting  map[string]bool
	snap      Snapshot
	listeners []func(Snapshot)
	alerts    []func(Item)
}

// NewWatch creates a watch over lister.
func NewWatch(lister Lister, opts Options, logger *slog.Logger) *Watch {
	opts.setDefaults()
	return &Watch{
		lister:   lister,
		opts:     opts,
		logger:   logger.With("subsystem", "followup"),
		alerting: make(map[string]bool),
	}
}

// OnChange registers fn to receive every recomputed snapshot.
func (w *Watch) OnChange(fn func(Snapshot)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// OnAlert registers fn to receive each callback once when it starts
// alerting.
func (w *Watch) OnAlert(fn func(Item)) {
	w.mu.Lock()
	w.alerts = append(w.alerts, fn)
	w.mu.Unlock()
}

// Snapshot returns the last computed snapshot.
func (w *Watch) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap
}

// Refresh fetches the list from the backend and recomputes.
func (w *Watch) Refresh(ctx context.Context) error {
	items, err := w.lister.FollowUps(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.items = slices.Clone(items)
	w.mu.Unlock()
	w.Recompute()
	return nil
}

// Recompute derives alert flags and counts at the current time.
func (w *Watch) Recompute() Snapshot {
	now := w.opts.Now()

	w.mu.Lock()
	snap := Snapshot{At: now, Items: make([]Item, 0, len(w.items))}
	var fresh []Item
	seen := make(map[string]bool, len(w.items))
	for _, f := range w.items {
		it := Item{FollowUp: f, Alert: IsAlert(f.Target, now, w.opts.Lead)}
		snap.Items = append(snap.Items, it)
		if f.Target.After(now) {
			snap.Upcoming++
		} else {
			snap.Completed++
		}
		if it.Alert {
			snap.Alerts++
			if !w.alerting[f.ID] {
				fresh = append(fresh, it)
			}
			seen[f.ID] = true
		}
	}
	w.alerting = seen
	w.snap = snap
	listeners := slices.Clone(w.listeners)
	alerts := slices.Clone(w.alerts)
	w.mu.Unlock()

	for _, it := range fresh {
		w.logger.Info("callback due soon", "follow_up_id", it.ID, "target", it.Target, "phone", it.Phone)
		for _, fn := range alerts {
			fn(it)
		}
	}
	for _, fn := range listeners {
		fn(snap)
	}
	return snap
}

// Run polls and ticks until ctx is done.
func (w *Watch) Run(ctx context.Context) {
	w.logger.Info("follow-up watch started",
		"poll", w.opts.Poll.String(),
		"tick", w.opts.Tick.String(),
		"lead", w.opts.Lead.String(),
	)
	w.refresh(ctx)

	poll := time.NewTicker(w.opts.Poll)
	defer poll.Stop()
	tick := time.NewTicker(w.opts.Tick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			w.refresh(ctx)
		case <-tick.C:
			w.Recompute()
		}
	}
}

func (w *Watch) refresh(ctx context.Context) {
	if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("fetching follow-ups failed", "error", err)
	}
}

// Package health turns registration and keepalive timeouts into a 1-4
// signal level over a sliding window.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal levels. Higher is better.
const (
	LevelPoor      = 1
	LevelDegraded  = 2
	LevelFair      = 3
	LevelExcellent = 4
)

// DefaultWindow is the sliding window used when none is configured.
const DefaultWindow = 30 * time.Second

// Level maps the number of timeouts inside the window to a signal level.
func Level(timeouts int) int {
	switch {
	case timeouts >= 3:
		return LevelPoor
	case timeouts == 2:
		return LevelDegraded
	case timeouts == 1:
		return LevelFair
	default:
		return LevelExcellent
	}
}

// Evaluate returns the level for events at now. An event exactly one window
// old has aged out.
func Evaluate(events []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, at := range events {
		if at.After(cutoff) && !at.After(now) {
			n++
		}
	}
	return Level(n)
}

// Monitor keeps the timeout events and the last computed level. Events are
// pruned lazily at each evaluation.
type Monitor struct {
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	events    []time.Time
	level     int
	listeners []func(int)
}

// NewMonitor creates a monitor. A nil clock uses time.Now.
func NewMonitor(window time.Duration, now func() time.Time, logger *slog.Logger) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		window: window,
		now:    now,
		logger: logger.With("subsystem", "health"),
		level:  LevelExcellent,
	}
}

// Observe records a timeout and re-evaluates.
func (m *Monitor) Observe(at time.Time) int {
	m.mu.Lock()
	m.events = append(m.events, at)
	m.mu.Unlock()
	return m.Recompute()
}

// Recompute prunes aged-out events, updates the level and notifies
// listeners when it changed.
func (m *Monitor) Recompute() int {
	now := m.now()

	m.mu.Lock()
	cutoff := now.Add(-m.window)
	kept := m.events[:0]
	for _, at := range m.events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	m.events = kept
	level := Evaluate(m.events, now, m.window)
	changed := level != m.level
	m.level = level
	listeners := append([]func(int){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		m.logger.Info("signal level changed", "level", level, "timeouts", len(kept))
		for _, fn := range listeners {
			fn(level)
		}
	}
	return level
}

// Level returns the level computed by the last evaluation.
func (m *Monitor) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// OnChange registers fn to be called with every new level.
func (m *Monitor) OnChange(fn func(int)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Run re-evaluates on every tick so the level decays without new events.
func (m *Monitor) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Recompute()
		}
	}
}

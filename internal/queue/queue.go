// Package queue tracks inbound callers waiting for the agent and drives the
// ringtone. Entries are kept FIFO by arrival and leave the queue only when
// the call is answered, rejected or rang out, or when the backend expires
// them.
package queue

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// Snapshot is the queue as shown to the agent.
type Snapshot struct {
	Entries  []models.QueueEntry `json:"entries"`
	Length   int                 `json:"length"`
	Ringtone bool                `json:"ringtone"`
}

// Fetcher returns the backend's view of the queue for a campaign.
type Fetcher interface {
	Queue(ctx context.Context, campaign string) ([]models.QueueEntry, error)
}

// Manager is the inbound queue. It is safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	entries   []models.QueueEntry
	ringing   bool
	listeners []func(Snapshot)
}

// NewManager creates an empty queue.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger.With("subsystem", "queue")}
}

// OnChange registers fn to receive a snapshot after every change.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Arrived enqueues a caller. A number already waiting keeps its place.
func (m *Manager) Arrived(e models.QueueEntry) {
	m.mu.Lock()
	if m.indexLocked(e.Number) >= 0 {
		m.mu.Unlock()
		return
	}
	if e.ArrivedAt.IsZero() {
		e.ArrivedAt = time.Now()
	}
	m.insertLocked(e)
	m.mu.Unlock()

	m.logger.Info("caller queued", "number", e.Number, "campaign", e.Campaign)
	m.notify()
}

// Remove dequeues number after answer, reject or ring timeout.
func (m *Manager) Remove(number string) bool {
	if !m.remove(number) {
		return false
	}
	m.logger.Info("caller dequeued", "number", number)
	m.notify()
	return true
}

// Expire dequeues number on backend expiry.
func (m *Manager) Expire(number string) bool {
	if !m.remove(number) {
		return false
	}
	m.logger.Info("queue entry expired", "number", number)
	m.notify()
	return true
}

// Sync reconciles the queue with a backend poll. Callers the backend no
// longer lists are expired, except the one ringing locally; new callers are
// enqueued in arrival order.
func (m *Manager) Sync(remote []models.QueueEntry, ringingNumber string) {
	m.mu.Lock()
	changed := false
	keep := m.entries[:0]
	for _, e := range m.entries {
		listed := slices.ContainsFunc(remote, func(r models.QueueEntry) bool { return r.Number == e.Number })
		if listed || e.Number == ringingNumber {
			keep = append(keep, e)
			continue
		}
		m.logger.Info("queue entry expired", "number", e.Number)
		changed = true
	}
	m.entries = keep
	for _, r := range remote {
		if m.indexLocked(r.Number) < 0 {
			m.insertLocked(r)
			changed = true
		}
	}
	m.mu.Unlock()

	if changed {
		m.notify()
	}
}

// SetRinging records whether the engine is ringing locally.
func (m *Manager) SetRinging(ringing bool) {
	m.mu.Lock()
	if m.ringing == ringing {
		m.mu.Unlock()
		return
	}
	m.ringing = ringing
	m.mu.Unlock()
	m.notify()
}

// Ringtone reports whether the ringtone should play.
func (m *Manager) Ringtone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringing && len(m.entries) > 0
}

// Len returns the number of waiting callers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Snapshot returns the current queue.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Entries:  slices.Clone(m.entries),
		Length:   len(m.entries),
		Ringtone: m.ringing && len(m.entries) > 0,
	}
}

func (m *Manager) remove(number string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(number)
	if i < 0 {
		return false
	}
	m.entries = slices.Delete(m.entries, i, i+1)
	return true
}

func (m *Manager) indexLocked(number string) int {
	return slices.IndexFunc(m.entries, func(e models.QueueEntry) bool { return e.Number == number })
}

// insertLocked keeps entries ordered by arrival; ties keep insertion order.
func (m *Manager) insertLocked(e models.QueueEntry) {
	i := len(m.entries)
	for i > 0 && m.entries[i-1].ArrivedAt.After(e.ArrivedAt) {
		i--
	}
	m.entries = slices.Insert(m.entries, i, e)
}

func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

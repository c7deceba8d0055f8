// Package events fans out agent-facing events (engine state, registration,
// signal level, ringtone, follow-up alerts) to WebSocket subscribers.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	TypeState        = "state"
	TypeNotice       = "notice"
	TypeTick         = "tick"
	TypeRegistration = "registration"
	TypeSignal       = "signal"
	TypeQueue        = "queue"
	TypeFollowUps    = "followups"
	TypeAlert        = "alert"
)

// Event is one message on the bus.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Bus is a broadcast hub. Publishing never blocks: a subscriber whose
// buffer is full misses the event and has its drop counter incremented.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	bufSize int
	now     func() time.Time
}

type subscriber struct {
	ch      chan Event
	dropped int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Bus{
		subs:    make(map[int]*subscriber),
		bufSize: bufSize,
		now:     time.Now,
	}
}

// Subscribe returns a channel of events and a cancel function that removes
// the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.bufSize)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish sends an event to every subscriber.
func (b *Bus) Publish(typ string, data any) {
	ev := Event{Type: typ, At: b.now(), Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

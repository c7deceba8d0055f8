package callctl

import (
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// Session is the live call. It exists from the dial attempt or the inbound
// INVITE until the session is frozen for disposition.
type Session struct {
	ID         string    `json:"id"`
	Direction  string    `json:"direction"`
	Number     string    `json:"number"`
	Name       string    `json:"name,omitempty"`
	Campaign   string    `json:"campaign,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	AnsweredAt time.Time `json:"answered_at,omitzero"`
	BridgeID   string    `json:"bridge_id,omitempty"`
}

// ConferenceInfo describes the second leg.
type ConferenceInfo struct {
	Number string `json:"number"`
	Merged bool   `json:"merged"`
}

// State is a snapshot of the engine published after every transition.
type State struct {
	Phase      Phase           `json:"phase"`
	Session    *Session        `json:"session,omitempty"`
	Held       bool            `json:"held"`
	Recording  bool            `json:"recording"`
	Conference *ConferenceInfo `json:"conference,omitempty"`
	InFlight   string          `json:"in_flight,omitempty"`
	// GateOpen is true while a finished session waits for classification.
	GateOpen bool            `json:"disposition_pending"`
	Pending  *models.CallLog `json:"pending,omitempty"`
	Duration time.Duration   `json:"-"`
	Seconds  int             `json:"duration"`
	Seq      uint64          `json:"seq"`

	timer Timer
}

// Severity of a notice.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notice is a user-visible notification. Persistent notices stay visible
// until the condition is resolved.
type Notice struct {
	Kind       Kind      `json:"kind"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Persistent bool      `json:"persistent"`
	At         time.Time `json:"at"`
}

// EventType distinguishes engine events.
type EventType string

const (
	EventState  EventType = "call.state"
	EventNotice EventType = "call.notice"
	EventTick   EventType = "call.tick"
)

// Event is delivered to listeners from the engine goroutine.
type Event struct {
	Type   EventType `json:"type"`
	State  State     `json:"state"`
	Notice *Notice   `json:"notice,omitempty"`
}

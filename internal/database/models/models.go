package models

import "time"

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// CallLog is the record of one call session. It is written when the session
// is frozen at hangup and updated with the agent's classification on submit.
type CallLog struct {
	ID          int64      `json:"id"`
	DialogID    string     `json:"dialog_id"`
	BridgeID    string     `json:"bridge_id"`
	Direction   string     `json:"direction"`
	Number      string     `json:"number"`
	Campaign    string     `json:"campaign,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	AnswerTime  *time.Time `json:"answer_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Duration    int        `json:"duration"` // seconds from answer to hangup
	HangupCause string     `json:"hangup_cause"`
	Recorded    bool       `json:"recorded"`
	Outcome     string     `json:"outcome,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	DisposedAt  *time.Time `json:"disposed_at,omitempty"`
}

// Disposition is the agent's post-call classification.
type Disposition struct {
	Outcome         string            `json:"outcome"`
	Notes           string            `json:"notes,omitempty"`
	FollowUpAt      *time.Time        `json:"follow_up_at,omitempty"`
	FollowUpComment string            `json:"follow_up_comment,omitempty"`
	Contact         map[string]string `json:"contact,omitempty"`
}

// MissedCall is an inbound call that was never answered.
type MissedCall struct {
	ID       int64     `json:"id"`
	DialogID string    `json:"dialog_id"`
	Number   string    `json:"number"`
	Campaign string    `json:"campaign,omitempty"`
	Reason   string    `json:"reason"` // "canceled", "timeout", "busy"
	At       time.Time `json:"at"`
}

// QueueEntry is an inbound caller waiting for an agent.
type QueueEntry struct {
	Number    string    `json:"number"`
	Campaign  string    `json:"campaign"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// FollowUp is a scheduled callback.
type FollowUp struct {
	ID      string    `json:"id"`
	Target  time.Time `json:"target"`
	Comment string    `json:"comment"`
	Phone   string    `json:"phone,omitempty"`
}

// Lead is the next contact the backend assigns to the agent.
type Lead struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Campaign string `json:"campaign"`
}

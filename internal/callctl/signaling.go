package callctl

import (
	"context"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
)

// Progress is a provisional response on an outbound leg.
type Progress int

const (
	ProgressTrying Progress = iota
	ProgressRinging
)

// Media leg keys.
const (
	LegPrimary    = "primary"
	LegConference = "conference"
)

// IncomingCall describes an inbound INVITE waiting for the agent.
type IncomingCall struct {
	ID         string // dialog id
	Number     string
	Name       string
	Campaign   string
	BridgeID   string
	Offer      []byte
	ReceivedAt time.Time
}

// Leg is an established signaling dialog.
type Leg interface {
	ID() string
	BridgeID() string
	RemoteSDP() []byte
	// Renegotiate sends a re-INVITE with offer and returns the answer.
	Renegotiate(ctx context.Context, offer []byte) ([]byte, error)
	Hangup(ctx context.Context) error
}

// Signaling places, accepts and rejects calls. Dial returns when the remote
// answers or the attempt fails; progress is reported through the callback.
type Signaling interface {
	Dial(ctx context.Context, number string, offer []byte, progress func(Progress)) (Leg, error)
	Accept(ctx context.Context, call IncomingCall, answer []byte) (Leg, error)
	Reject(ctx context.Context, call IncomingCall, code int) error
}

// MediaSession is the audio path of one call session. Release is
// idempotent and every other method fails after it.
type MediaSession interface {
	Open(ctx context.Context, leg string) (localSDP []byte, err error)
	Connect(leg string, remoteSDP []byte) error
	LocalSDP(leg string, hold bool) ([]byte, error)
	Hold(leg string, hold bool)
	Merge(a, b string) error
	CloseLeg(leg string)
	SwitchDevice(ctx context.Context, kind device.Kind, id string) error
	Release()
}

// MediaFactory creates the media session for a call session id.
type MediaFactory func(sessionID string) MediaSession

// Recorder starts and stops server-side recording of a bridge.
type Recorder interface {
	StartRecording(ctx context.Context, bridgeID string) error
	StopRecording(ctx context.Context, bridgeID string) error
}

// Store persists frozen sessions and missed calls.
type Store interface {
	SaveCall(ctx context.Context, rec *models.CallLog) error
	LoadPending(ctx context.Context) (*models.CallLog, error)
	CompleteCall(ctx context.Context, dialogID string, d models.Disposition, at time.Time) error
	RecordMissed(ctx context.Context, m *models.MissedCall) error
}

// Submitter sends the classification to the backend.
type Submitter interface {
	SubmitDisposition(ctx context.Context, rec models.CallLog, d models.Disposition) error
}

// QueueGate is the inbound queue as seen by the engine.
type QueueGate interface {
	Arrived(entry models.QueueEntry)
	Remove(number string) bool
}

// DeviceSelector changes the device used for new and live sessions.
type DeviceSelector interface {
	Select(kind device.Kind, id string) error
}

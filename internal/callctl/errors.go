package callctl

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors and notices.
type Kind string

const (
	KindSignalingUnavailable  Kind = "signaling_unavailable"
	KindMediaPermissionDenied Kind = "media_permission_denied"
	KindDialRejected          Kind = "dial_rejected"
	KindConferenceMergeFailed Kind = "conference_merge_failed"
	KindRecordingFailure      Kind = "recording_failure"
	KindQueueSyncFailure      Kind = "queue_sync_failure"
	KindBackendFailure        Kind = "backend_failure"

	// Intent rejections.
	KindInvalidPhase    Kind = "invalid_phase"
	KindLineBusy        Kind = "line_busy"
	KindGateOpen        Kind = "disposition_pending"
	KindInFlight        Kind = "operation_in_flight"
	KindInvalidArgument Kind = "invalid_argument"
)

// Error is returned by intents and carried by notices. Two errors match
// under errors.Is when their kinds are equal.
type Error struct {
	Kind Kind
	Msg  string
	Code int // SIP status code, when one applies
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidPhase = &Error{Kind: KindInvalidPhase}
	ErrLineBusy     = &Error{Kind: KindLineBusy}
	ErrGateOpen     = &Error{Kind: KindGateOpen}
	ErrInFlight     = &Error{Kind: KindInFlight}

	// ErrSignalingUnavailable is wrapped by Signaling implementations when
	// the line is not registered.
	ErrSignalingUnavailable = &Error{Kind: KindSignalingUnavailable}

	// ErrNotRunning is returned by intents when the engine is stopped.
	ErrNotRunning = errors.New("call engine not running")
)

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// statusCode extracts a SIP status code from err when the signaling layer
// attached one.
func statusCode(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func phaseError(op string, p Phase) error {
	return &Error{Kind: KindInvalidPhase, Msg: fmt.Sprintf("%s not allowed while %s", op, p)}
}

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowpbx/agentphone/internal/callctl"
)

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch callctl.KindOf(err) {
	case callctl.KindInvalidPhase, callctl.KindLineBusy, callctl.KindGateOpen, callctl.KindInFlight:
		return http.StatusConflict
	case callctl.KindInvalidArgument:
		return http.StatusBadRequest
	case callctl.KindSignalingUnavailable:
		return http.StatusServiceUnavailable
	case callctl.KindMediaPermissionDenied:
		return http.StatusForbidden
	case callctl.KindDialRejected, callctl.KindConferenceMergeFailed,
		callctl.KindRecordingFailure, callctl.KindBackendFailure, callctl.KindQueueSyncFailure:
		return http.StatusBadGateway
	}
	switch {
	case errors.Is(err, callctl.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err using the envelope. Server-side failures are
// logged; the message of a 500 is not exposed.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, op+" failed", "error", err, "status", status)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

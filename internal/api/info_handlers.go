package api

import (
	"context"
	"net/http"
	"time"

	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/device"
	"github.com/flowpbx/agentphone/internal/transport"
)

type devicesResponse struct {
	Devices []device.Device `json:"devices"`
	Input   *device.Device  `json:"input,omitempty"`
	Output  *device.Device  `json:"output,omitempty"`
}

type selectDeviceRequest struct {
	Kind device.Kind `json:"kind"`
	ID   string      `json:"id"`
}

type lineResponse struct {
	transport.Status
	Signal int `json:"signal"`
}

func (s *Server) devicesSnapshot() devicesResponse {
	resp := devicesResponse{Devices: s.deps.Devices.Devices()}
	if d, ok := s.deps.Devices.Selected(device.KindInput); ok {
		resp.Input = &d
	}
	if d, ok := s.deps.Devices.Selected(device.KindOutput); ok {
		resp.Output = &d
	}
	return resp
}

// handleListDevices re-enumerates the audio devices and returns them with
// the current selection.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Devices.Refresh(r.Context()); err != nil {
		s.logger.Warn("refreshing devices", "error", err)
	}
	writeJSON(w, http.StatusOK, s.devicesSnapshot())
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateDeviceKind("kind", req.Kind); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("id", req.ID, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Engine.SelectDevice(r.Context(), req.Kind, req.ID); err != nil {
		s.writeEngineError(w, r, "select device", err)
		return
	}
	writeJSON(w, http.StatusOK, s.devicesSnapshot())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Snapshot())
}

// handleFollowUps returns the callback schedule. ?refresh=1 pulls from the
// backend first.
func (s *Server) handleFollowUps(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		if err := s.deps.FollowUps.Refresh(r.Context()); err != nil {
			s.logger.Warn("refreshing follow-ups", "error", err)
			writeError(w, http.StatusBadGateway, "refreshing follow-ups failed")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.FollowUps.Snapshot())
}

// handleMissedCalls lists missed inbound calls for a campaign, defaulting to
// the configured one. ?source=backend lists the backend's record instead of
// the local one.
func (s *Server) handleMissedCalls(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	campaign := r.URL.Query().Get("campaign")
	if campaign == "" {
		campaign = s.opts.Campaign
	}

	ctx := r.Context()
	switch r.URL.Query().Get("source") {
	case "", "local":
	case "backend":
		s.handleRemoteMissed(w, r, campaign, p)
		return
	default:
		writeError(w, http.StatusBadRequest, "source must be local or backend")
		return
	}

	total, err := s.deps.Missed.CountByCampaign(ctx, campaign)
	if err != nil {
		s.logger.Error("counting missed calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	items, err := s.deps.Missed.ListByCampaign(ctx, campaign, p.Offset+p.Limit)
	if err != nil {
		s.logger.Error("listing missed calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  page(items, p),
		Total:  int(total),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

func (s *Server) handleRemoteMissed(w http.ResponseWriter, r *http.Request, campaign string, p pagination) {
	if s.deps.Remote == nil {
		writeError(w, http.StatusServiceUnavailable, "backend is not configured")
		return
	}
	items, err := s.deps.Remote.MissedCalls(r.Context(), campaign)
	if err != nil {
		s.logger.Warn("fetching backend missed calls", "campaign", campaign, "error", err)
		writeError(w, http.StatusBadGateway, "backend request failed")
		return
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  page(items, p),
		Total:  len(items),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// handleCallHistory lists the newest call log records.
func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	items, err := s.deps.Calls.ListRecent(r.Context(), p.Offset+p.Limit)
	if err != nil {
		s.logger.Error("listing call log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  page(items, p),
		Total:  len(items),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

func (s *Server) lineSnapshot() lineResponse {
	resp := lineResponse{Status: s.deps.Line.Status()}
	if s.deps.Signal != nil {
		resp.Signal = s.deps.Signal.Level()
	}
	return resp
}

func (s *Server) handleLineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lineSnapshot())
}

// handleConnect starts registration. Progress is streamed on /events.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Line.Connect(r.Context()); err != nil {
		s.logger.Warn("connect failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.lineSnapshot())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	switch s.deps.Engine.State().Phase {
	case callctl.PhaseIdle, callctl.PhaseFailed, callctl.PhaseDisposition:
	default:
		writeError(w, http.StatusConflict, "cannot disconnect during a call")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.deps.Line.Disconnect(ctx); err != nil {
		// The binding may linger on the registrar until it expires; the
		// line is still down locally.
		s.logger.Warn("disconnect", "error", err)
	}
	writeJSON(w, http.StatusOK, s.lineSnapshot())
}

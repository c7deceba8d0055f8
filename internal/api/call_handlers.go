package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/flowpbx/agentphone/internal/backend"
	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/database/models"
)

type dialRequest struct {
	Number   string `json:"number"`
	Campaign string `json:"campaign"`
}

type conferenceRequest struct {
	Number string `json:"number"`
}

type nextLeadResponse struct {
	Lead  *models.Lead  `json:"lead"`
	State callctl.State `json:"state"`
}

// handleState returns the current engine snapshot.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.State())
}

// intent adapts a no-argument engine operation to a handler. The reply is
// the snapshot after the operation completed.
func (s *Server) intent(op func(Engine, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(s.deps.Engine, r.Context()); err != nil {
			s.writeEngineError(w, r, strings.TrimPrefix(r.URL.Path, "/api/v1/"), err)
			return
		}
		writeJSON(w, http.StatusOK, s.deps.Engine.State())
	}
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if msg := validateDialNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateStringLen("campaign", req.Campaign, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Campaign == "" {
		req.Campaign = s.opts.Campaign
	}

	if err := s.deps.Engine.Dial(r.Context(), req.Number, req.Campaign); err != nil {
		s.writeEngineError(w, r, "dial", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.State())
}

// handleNextLead fetches the next contact from the backend and dials it.
func (s *Server) handleNextLead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leads == nil {
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	}
	// A lead taken while the line cannot dial would be lost.
	switch st := s.deps.Engine.State(); {
	case st.GateOpen || st.Phase.Terminal():
		s.writeEngineError(w, r, "next lead", &callctl.Error{Kind: callctl.KindGateOpen, Msg: "classify the previous call before dialing"})
		return
	case st.Phase != callctl.PhaseIdle:
		s.writeEngineError(w, r, "next lead", &callctl.Error{Kind: callctl.KindLineBusy, Msg: "a call is already in progress"})
		return
	}

	lead, err := s.deps.Leads.NextLead(r.Context(), s.opts.Campaign)
	switch {
	case errors.Is(err, backend.ErrNoLead):
		writeError(w, http.StatusNotFound, "no lead available")
		return
	case errors.Is(err, backend.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "backend not configured")
		return
	case err != nil:
		s.logger.Error("fetching next lead", "error", err)
		writeError(w, http.StatusBadGateway, "fetching next lead failed")
		return
	}

	campaign := lead.Campaign
	if campaign == "" {
		campaign = s.opts.Campaign
	}
	if err := s.deps.Engine.Dial(r.Context(), lead.Number, campaign); err != nil {
		s.writeEngineError(w, r, "dial lead", err)
		return
	}
	writeJSON(w, http.StatusOK, nextLeadResponse{Lead: lead, State: s.deps.Engine.State()})
}

func (s *Server) handleCreateConference(w http.ResponseWriter, r *http.Request) {
	var req conferenceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	req.Number = strings.TrimSpace(req.Number)
	if msg := validateDialNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Engine.CreateConference(r.Context(), req.Number); err != nil {
		s.writeEngineError(w, r, "create conference", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.State())
}

// handleGetDisposition returns the session waiting for classification, or
// null when the gate is closed.
func (s *Server) handleGetDisposition(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Engine.State()
	if !st.GateOpen {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, st.Pending)
}

func (s *Server) handleSubmitDisposition(w http.ResponseWriter, r *http.Request) {
	var d models.Disposition
	if errMsg := readJSON(r, &d); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	d.Outcome = strings.TrimSpace(d.Outcome)
	if msg := validateDisposition(d, s.now()); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Engine.Submit(r.Context(), d); err != nil {
		s.writeEngineError(w, r, "submit disposition", err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.State())
}

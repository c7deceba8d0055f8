package api

import (
	"net/http"
	"time"

	"github.com/flowpbx/agentphone/internal/api/middleware"
)

type loginRequest struct {
	PIN string `json:"pin"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Agent     string    `json:"agent"`
}

// handleLogin exchanges the agent PIN for a bearer token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.opts.PINHash == "" || len(s.opts.JWTSecret) == 0 {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	var req loginRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validatePIN("pin", req.PIN); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ok, err := CheckPIN(req.PIN, s.opts.PINHash)
	if err != nil {
		s.logger.Error("checking pin", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.logger.Warn("login failed", "remote_addr", middleware.ClientIP(r))
		writeError(w, http.StatusUnauthorized, "invalid pin")
		return
	}

	token, expires, err := middleware.GenerateToken(s.opts.JWTSecret, s.opts.AgentName, s.now())
	if err != nil {
		s.logger.Error("issuing token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("agent logged in", "agent", s.opts.AgentName, "remote_addr", middleware.ClientIP(r))
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires, Agent: s.opts.AgentName})
}

// handleMe returns the authenticated agent.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"agent": middleware.AgentFromContext(r.Context())})
}

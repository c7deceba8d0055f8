package api

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/agentphone/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsReadLimit  = 4096
)

// handleEvents upgrades to a WebSocket and streams bus events. The first
// messages replay the current state so a fresh client needs no extra GETs.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	logger := s.logger.With("remote_addr", r.RemoteAddr)
	logger.Info("event stream opened")
	defer logger.Info("event stream closed")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range s.initialEvents() {
		if err := writeEvent(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}

// initialEvents snapshots every source the stream later reports on.
func (s *Server) initialEvents() []events.Event {
	now := s.now()
	out := []events.Event{{Type: events.TypeState, At: now, Data: s.deps.Engine.State()}}
	if s.deps.Line != nil {
		out = append(out, events.Event{Type: events.TypeRegistration, At: now, Data: s.deps.Line.Status()})
	}
	if s.deps.Signal != nil {
		out = append(out, events.Event{Type: events.TypeSignal, At: now, Data: s.deps.Signal.Level()})
	}
	if s.deps.Queue != nil {
		out = append(out, events.Event{Type: events.TypeQueue, At: now, Data: s.deps.Queue.Snapshot()})
	}
	if s.deps.FollowUps != nil {
		out = append(out, events.Event{Type: events.TypeFollowUps, At: now, Data: s.deps.FollowUps.Snapshot()})
	}
	return out
}

// checkOrigin allows non-browser clients, same-origin pages and the
// configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.CORSOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

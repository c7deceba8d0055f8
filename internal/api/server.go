package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/agentphone/internal/api/middleware"
	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/database"
	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
	"github.com/flowpbx/agentphone/internal/events"
	"github.com/flowpbx/agentphone/internal/followup"
	"github.com/flowpbx/agentphone/internal/queue"
	"github.com/flowpbx/agentphone/internal/transport"
)

// Engine is the call-control surface the API drives.
type Engine interface {
	State() callctl.State
	Dial(ctx context.Context, number, campaign string) error
	Cancel(ctx context.Context) error
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	ToggleHold(ctx context.Context) error
	ReqUnHold(ctx context.Context) error
	CreateConference(ctx context.Context, number string) error
	CancelConference(ctx context.Context) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	Submit(ctx context.Context, d models.Disposition) error
	SelectDevice(ctx context.Context, kind device.Kind, id string) error
}

// Line controls the SIP registration.
type Line interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() transport.Status
}

// SignalMeter reports the connection health level.
type SignalMeter interface {
	Level() int
}

// QueueView exposes the inbound queue.
type QueueView interface {
	Snapshot() queue.Snapshot
}

// FollowUpView exposes the callback schedule.
type FollowUpView interface {
	Snapshot() followup.Snapshot
	Refresh(ctx context.Context) error
}

// DeviceView lists audio devices.
type DeviceView interface {
	Refresh(ctx context.Context) error
	Devices() []device.Device
	Selected(kind device.Kind) (device.Device, bool)
}

// LeadSource hands out the next contact for auto-dial.
type LeadSource interface {
	NextLead(ctx context.Context, campaign string) (*models.Lead, error)
}

// RemoteMissed lists the missed calls the backend recorded for a campaign,
// including those that reached other agents' lines.
type RemoteMissed interface {
	MissedCalls(ctx context.Context, campaign string) ([]models.MissedCall, error)
}

// EventSource is subscribed to by WebSocket clients.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// Deps groups the services behind the API. Leads, Remote and Metrics may be nil.
type Deps struct {
	Engine    Engine
	Line      Line
	Signal    SignalMeter
	Queue     QueueView
	FollowUps FollowUpView
	Devices   DeviceView
	Leads     LeadSource
	Calls     database.CallLogRepository
	Missed    database.MissedCallRepository
	Remote    RemoteMissed
	Events    EventSource
	Metrics   http.Handler
}

// Options configures authentication and the HTTP surface.
type Options struct {
	AgentName   string
	PINHash     string
	JWTSecret   []byte
	Campaign    string
	CORSOrigins []string
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	limiter      *middleware.ClientRateLimiter
	loginLimiter *middleware.ClientRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		deps:         deps,
		opts:         opts,
		logger:       logger.With("subsystem", "api"),
		now:          time.Now,
		limiter:      middleware.NewClientRateLimiter(middleware.DefaultRateLimitConfig()),
		loginLimiter: middleware.NewClientRateLimiter(middleware.LoginRateLimitConfig()),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.loginLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.opts.CORSOrigins))

	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.opts.JWTSecret))
			r.Use(middleware.RateLimit(s.limiter))

			r.Get("/auth/me", s.handleMe)
			r.Get("/events", s.handleEvents)

			r.Get("/state", s.handleState)
			r.Route("/call", func(r chi.Router) {
				r.Post("/dial", s.handleDial)
				r.Post("/next-lead", s.handleNextLead)
				r.Post("/cancel", s.intent((Engine).Cancel))
				r.Post("/answer", s.intent((Engine).Answer))
				r.Post("/reject", s.intent((Engine).Reject))
				r.Post("/hangup", s.intent((Engine).Hangup))
				r.Post("/hold", s.intent((Engine).ToggleHold))
				r.Post("/unhold", s.intent((Engine).ReqUnHold))
			})
			r.Route("/conference", func(r chi.Router) {
				r.Post("/", s.handleCreateConference)
				r.Delete("/", s.intent((Engine).CancelConference))
			})
			r.Route("/recording", func(r chi.Router) {
				r.Post("/start", s.intent((Engine).StartRecording))
				r.Post("/stop", s.intent((Engine).StopRecording))
			})
			r.Route("/disposition", func(r chi.Router) {
				r.Get("/", s.handleGetDisposition)
				r.Post("/", s.handleSubmitDisposition)
			})

			r.Get("/devices", s.handleListDevices)
			r.Put("/devices", s.handleSelectDevice)

			r.Get("/queue", s.handleQueue)
			r.Get("/followups", s.handleFollowUps)
			r.Get("/missed-calls", s.handleMissedCalls)
			r.Get("/calls", s.handleCallHistory)

			r.Route("/line", func(r chi.Router) {
				r.Get("/", s.handleLineStatus)
				r.Post("/connect", s.handleConnect)
				r.Post("/disconnect", s.handleDisconnect)
			})
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

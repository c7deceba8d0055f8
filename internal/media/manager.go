package media

import (
	"log/slog"
	"sync"

	"github.com/flowpbx/agentphone/internal/device"
)

// Options configure the media manager.
type Options struct {
	// IP is the address sockets bind to. Empty binds all interfaces.
	IP string
	// AdvertiseIP is the address written into SDP. Defaults to IP, or
	// 127.0.0.1 when IP is empty or unspecified.
	AdvertiseIP string
	PortMin     int
	PortMax     int
}

// Manager creates media sessions and tracks the live ones.
type Manager struct {
	pool      *PortPool
	devices   *device.Registry
	advertise string
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager that binds RTP sockets from the configured
// port range and acquires audio streams from devices.
func NewManager(opts Options, devices *device.Registry, logger *slog.Logger) (*Manager, error) {
	pool, err := NewPortPool(opts.IP, opts.PortMin, opts.PortMax, logger)
	if err != nil {
		return nil, err
	}

	advertise := opts.AdvertiseIP
	if advertise == "" {
		advertise = opts.IP
	}
	if advertise == "" || advertise == "0.0.0.0" {
		advertise = "127.0.0.1"
	}

	return &Manager{
		pool:      pool,
		devices:   devices,
		advertise: advertise,
		logger:    logger.With("subsystem", "media"),
		sessions:  make(map[string]*Session),
	}, nil
}

// NewSession creates an idle session. Sockets and devices are acquired on
// the first Open.
func (m *Manager) NewSession(id string) *Session {
	s := &Session{
		id:     id,
		mgr:    m,
		logger: m.logger.With("session_id", id),
		legs:   make(map[string]*leg),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.logger.Debug("media session created", "session_id", id)
	return s
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Count returns the number of unreleased sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ReleaseAll releases every live session. Used during shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Release()
	}
	if len(live) > 0 {
		m.logger.Info("all media sessions released", "count", len(live))
	}
}

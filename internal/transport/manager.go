// Package transport keeps the agent's signaling line registered: it
// registers, refreshes before expiry, pings the proxy with keepalives and
// reconnects with exponential backoff until the retry budget runs out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the connection state exposed to the rest of the engine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateLost         State = "lost"
)

var (
	// ErrTimeout marks a signaling request that got no final response
	// before its deadline. Registerer implementations wrap it.
	ErrTimeout = errors.New("signaling timeout")

	// ErrNotConfigured is returned by Connect when no account is set up.
	ErrNotConfigured = errors.New("no SIP account configured")
)

// TimeoutEvent records a registration refresh or keepalive that missed its
// deadline.
type TimeoutEvent struct {
	At  time.Time
	Op  string // "register" or "keepalive"
	Err error
}

// Registerer performs the signaling round trips. Register with expiry 0
// removes the binding.
type Registerer interface {
	Register(ctx context.Context, expiry int) (granted int, err error)
	Keepalive(ctx context.Context) error
}

// PermissionChecker confirms the agent's microphone can be opened.
type PermissionChecker interface {
	CheckPermission(ctx context.Context) error
}

// Options configure the manager. Zero values fall back to defaults.
type Options struct {
	Expiry            int
	RegisterTimeout   time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// KeepaliveMisses is the number of consecutive keepalive failures that
	// force an early re-registration.
	KeepaliveMisses int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	// RetryBudget bounds consecutive failed registrations before the line
	// is reported lost. Zero retries forever.
	RetryBudget int
}

func (o *Options) setDefaults() {
	if o.Expiry <= 0 {
		o.Expiry = 300
	}
	if o.RegisterTimeout <= 0 {
		o.RegisterTimeout = 10 * time.Second
	}
	if o.KeepaliveTimeout <= 0 {
		o.KeepaliveTimeout = 5 * time.Second
	}
	if o.KeepaliveMisses <= 0 {
		o.KeepaliveMisses = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
}

// Status is a point-in-time view of the manager.
type Status struct {
	State     State      `json:"state"`
	LastError string     `json:"last_error,omitempty"`
	Failures  int        `json:"failures"`
	Since     time.Time  `json:"since"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager owns the registration loop.
type Manager struct {
	reg    Registerer
	opts   Options
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	running          bool
	cancel           context.CancelFunc
	done             chan struct{}
	perm             PermissionChecker
	stateListeners   []func(Status)
	timeoutListeners []func(TimeoutEvent)
	deniedListeners  []func(error)
}

// NewManager creates a manager. A nil Registerer makes Connect fail with
// ErrNotConfigured.
func NewManager(reg Registerer, opts Options, logger *slog.Logger) *Manager {
	opts.setDefaults()
	return &Manager{
		reg:    reg,
		opts:   opts,
		logger: logger.With("subsystem", "transport"),
		status: Status{State: StateDisconnected, Since: time.Now()},
	}
}

// Connect starts registration in the background. It returns immediately;
// progress is reported through state changes. Connecting while already
// running is a no-op. After the line is lost, Connect starts over.
func (m *Manager) Connect(ctx context.Context) error {
	if m.reg == nil {
		return ErrNotConfigured
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	perm := m.perm
	m.mu.Unlock()

	// A denied microphone does not stop registration; inbound calls still
	// ring and the agent can grant access before answering.
	if perm != nil {
		pctx, cancel := context.WithTimeout(ctx, m.opts.RegisterTimeout)
		err := perm.CheckPermission(pctx)
		cancel()
		if err != nil {
			m.logger.Warn("media permission check failed", "error", err)
			m.emitDenied(err)
		}
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.setState(StateConnecting, "", 0, nil)
	go m.run(loopCtx, done)
	return nil
}

// Disconnect stops the loop and removes the binding.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel, done, wasRunning := m.cancel, m.done, m.running
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	if wasRunning && m.reg != nil {
		uctx, ucancel := context.WithTimeout(ctx, m.opts.RegisterTimeout)
		_, err = m.reg.Register(uctx, 0)
		ucancel()
		if err != nil {
			m.logger.Warn("unregister failed", "error", err)
			err = fmt.Errorf("unregistering: %w", err)
		}
	}

	m.setState(StateDisconnected, "", 0, nil)
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStateChange registers fn to receive every state change.
func (m *Manager) OnStateChange(fn func(Status)) {
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, fn)
	m.mu.Unlock()
}

// SetPermissionChecker makes Connect check media permission before the
// first registration.
func (m *Manager) SetPermissionChecker(p PermissionChecker) {
	m.mu.Lock()
	m.perm = p
	m.mu.Unlock()
}

// OnPermissionDenied registers fn to receive a failed permission check.
func (m *Manager) OnPermissionDenied(fn func(error)) {
	m.mu.Lock()
	m.deniedListeners = append(m.deniedListeners, fn)
	m.mu.Unlock()
}

func (m *Manager) emitDenied(err error) {
	m.mu.Lock()
	fns := append([]func(error){}, m.deniedListeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// OnTimeout registers fn to receive every TimeoutEvent.
func (m *Manager) OnTimeout(fn func(TimeoutEvent)) {
	m.mu.Lock()
	m.timeoutListeners = append(m.timeoutListeners, fn)
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	m.logger.Info("starting registration",
		"expiry", m.opts.Expiry,
		"retry_budget", m.opts.RetryBudget,
		"backoff_max", m.opts.BackoffMax.String(),
	)

	b := newBackoff(m.opts.BackoffBase, m.opts.BackoffMax)
	failures := 0

	for {
		granted, err := m.register(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if m.opts.RetryBudget > 0 && failures >= m.opts.RetryBudget {
				m.logger.Error("registration retry budget exhausted",
					"error", err,
					"failures", failures,
				)
				m.setState(StateLost, err.Error(), failures, nil)
				return
			}

			retryDelay := b.next()
			m.logger.Error("registration failed",
				"error", err,
				"attempt", b.attempt,
				"retry_in", retryDelay.String(),
			)
			m.setState(StateConnecting, err.Error(), failures, nil)

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		b.reset()
		failures = 0
		expiresAt := time.Now().Add(time.Duration(granted) * time.Second)
		m.setState(StateConnected, "", 0, &expiresAt)

		if granted != m.opts.Expiry {
			m.logger.Info("registered (server adjusted expiry)",
				"requested_expiry", m.opts.Expiry,
				"granted_expiry", granted,
			)
		} else {
			m.logger.Info("registered", "expires_in", granted)
		}

		// Refresh at 80% of the granted expiry.
		refresh := time.Duration(float64(granted)*0.8) * time.Second
		if !m.keepalive(ctx, refresh) {
			return
		}
		m.logger.Debug("re-registering")
	}
}

func (m *Manager) register(ctx context.Context) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, m.opts.RegisterTimeout)
	defer cancel()

	granted, err := m.reg.Register(rctx, m.opts.Expiry)
	if err != nil {
		if ctx.Err() == nil {
			m.reportFailure("register", err)
		}
		return 0, err
	}
	if granted <= 0 {
		granted = m.opts.Expiry
	}
	return granted, nil
}

// keepalive pings until the refresh is due or too many pings were missed.
// It returns false when ctx is done.
func (m *Manager) keepalive(ctx context.Context, refresh time.Duration) bool {
	timer := time.NewTimer(refresh)
	defer timer.Stop()

	var tick <-chan time.Time
	if m.opts.KeepaliveInterval > 0 {
		ticker := time.NewTicker(m.opts.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-tick:
			kctx, cancel := context.WithTimeout(ctx, m.opts.KeepaliveTimeout)
			err := m.reg.Keepalive(kctx)
			cancel()
			if err == nil {
				misses = 0
				continue
			}
			if ctx.Err() != nil {
				return false
			}
			m.reportFailure("keepalive", err)
			misses++
			m.logger.Warn("keepalive failed", "error", err, "misses", misses)
			if misses >= m.opts.KeepaliveMisses {
				m.setState(StateConnecting, err.Error(), 0, nil)
				return true
			}
		}
	}
}

// reportFailure emits a TimeoutEvent when err is a missed deadline.
func (m *Manager) reportFailure(op string, err error) {
	if !errors.Is(err, ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return
	}
	ev := TimeoutEvent{At: time.Now(), Op: op, Err: err}

	m.mu.Lock()
	listeners := append([]func(TimeoutEvent){}, m.timeoutListeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *Manager) setState(state State, lastErr string, failures int, expiresAt *time.Time) {
	m.mu.Lock()
	changed := m.status.State != state
	m.status.LastError = lastErr
	m.status.Failures = failures
	m.status.ExpiresAt = expiresAt
	if changed {
		m.status.State = state
		m.status.Since = time.Now()
	}
	st := m.status
	listeners := append([]func(Status){}, m.stateListeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connection state changed", "state", string(state))
	for _, fn := range listeners {
		fn(st)
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeRegisterer struct {
	mu             sync.Mutex
	registerErrs   []error // consumed one per call; nil entries succeed
	defaultErr     error
	keepaliveErr   error
	registerCalls  int
	keepaliveCalls int
	expiries       []int
	granted        int
}

func (f *fakeRegisterer) Register(ctx context.Context, expiry int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.expiries = append(f.expiries, expiry)
	if len(f.registerErrs) > 0 {
		err := f.registerErrs[0]
		f.registerErrs = f.registerErrs[1:]
		if err != nil {
			return 0, err
		}
		return f.granted, nil
	}
	if f.defaultErr != nil {
		return 0, f.defaultErr
	}
	return f.granted, nil
}

func (f *fakeRegisterer) Keepalive(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepaliveCalls++
	return f.keepaliveErr
}

func (f *fakeRegisterer) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.keepaliveCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		Expiry:           300,
		RegisterTimeout:  time.Second,
		KeepaliveTimeout: time.Second,
		BackoffBase:      time.Millisecond,
		BackoffMax:       4 * time.Millisecond,
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestConnectNotConfigured(t *testing.T) {
	m := NewManager(nil, Options{}, testLogger())
	if err := m.Connect(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Connect() error = %v, want ErrNotConfigured", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}
}

func TestConnectRegisters(t *testing.T) {
	reg := &fakeRegisterer{granted: 120}
	m := NewManager(reg, fastOptions(), testLogger())

	var mu sync.Mutex
	var states []State
	m.OnStateChange(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitForState(t, m, StateConnected)

	if st := m.Status(); st.ExpiresAt == nil {
		t.Error("Status().ExpiresAt not set after registration")
	}

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", m.State())
	}

	reg.mu.Lock()
	last := reg.expiries[len(reg.expiries)-1]
	reg.mu.Unlock()
	if last != 0 {
		t.Errorf("last REGISTER expiry = %d, want 0 (unregister)", last)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

type fakePermission struct {
	err   error
	calls int
}

func (f *fakePermission) CheckPermission(context.Context) error {
	f.calls++
	return f.err
}

func TestConnectChecksMediaPermission(t *testing.T) {
	denied := errors.New("microphone access denied")
	tests := []struct {
		name       string
		err        error
		wantDenied int
	}{
		{"granted", nil, 0},
		{"denied", denied, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegisterer{granted: 120}
			m := NewManager(reg, fastOptions(), testLogger())
			perm := &fakePermission{err: tt.err}
			m.SetPermissionChecker(perm)

			var got []error
			m.OnPermissionDenied(func(err error) { got = append(got, err) })

			if err := m.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
			defer m.Disconnect(context.Background())
			waitForState(t, m, StateConnected)

			if perm.calls != 1 {
				t.Errorf("permission checks = %d, want 1", perm.calls)
			}
			if len(got) != tt.wantDenied {
				t.Fatalf("denied notifications = %d, want %d", len(got), tt.wantDenied)
			}
			if tt.wantDenied > 0 && !errors.Is(got[0], denied) {
				t.Errorf("denied error = %v", got[0])
			}
		})
	}
}

func TestReconnectAfterFailures(t *testing.T) {
	boom := errors.New("503 service unavailable")
	reg := &fakeRegisterer{registerErrs: []error{boom, boom, nil}, granted: 300}
	m := NewManager(reg, fastOptions(), testLogger())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitForState(t, m, StateConnected)
	defer m.Disconnect(context.Background())

	if calls, _ := reg.calls(); calls != 3 {
		t.Errorf("register calls = %d, want 3", calls)
	}
}

func TestRetryBudgetExhaustedIsLost(t *testing.T) {
	reg := &fakeRegisterer{defaultErr: fmt.Errorf("no response: %w", ErrTimeout)}
	opts := fastOptions()
	opts.RetryBudget = 3
	m := NewManager(reg, opts, testLogger())

	var mu sync.Mutex
	var timeouts []TimeoutEvent
	m.OnTimeout(func(ev TimeoutEvent) {
		mu.Lock()
		timeouts = append(timeouts, ev)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitForState(t, m, StateLost)

	// The loop has exited: no more attempts.
	time.Sleep(20 * time.Millisecond)
	if calls, _ := reg.calls(); calls != 3 {
		t.Errorf("register calls = %d, want 3", calls)
	}

	mu.Lock()
	n := len(timeouts)
	mu.Unlock()
	if n != 3 {
		t.Errorf("timeout events = %d, want 3", n)
	}
	if st := m.Status(); st.LastError == "" || st.Failures != 3 {
		t.Errorf("Status() = %+v, want last error and 3 failures", st)
	}

	// An explicit Connect starts over.
	reg.mu.Lock()
	reg.defaultErr = nil
	reg.granted = 300
	reg.mu.Unlock()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after lost error: %v", err)
	}
	waitForState(t, m, StateConnected)
	m.Disconnect(context.Background())
}

func TestNonTimeoutFailuresDoNotEmitEvents(t *testing.T) {
	reg := &fakeRegisterer{registerErrs: []error{errors.New("403 forbidden"), nil}, granted: 300}
	m := NewManager(reg, fastOptions(), testLogger())

	events := 0
	var mu sync.Mutex
	m.OnTimeout(func(TimeoutEvent) {
		mu.Lock()
		events++
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitForState(t, m, StateConnected)
	m.Disconnect(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if events != 0 {
		t.Errorf("timeout events = %d, want 0", events)
	}
}

func TestKeepaliveMissesForceReregister(t *testing.T) {
	reg := &fakeRegisterer{granted: 300, keepaliveErr: context.DeadlineExceeded}
	opts := fastOptions()
	opts.KeepaliveInterval = 2 * time.Millisecond
	opts.KeepaliveMisses = 2
	m := NewManager(reg, opts, testLogger())

	var mu sync.Mutex
	var ops []string
	m.OnTimeout(func(ev TimeoutEvent) {
		mu.Lock()
		ops = append(ops, ev.Op)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer m.Disconnect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls, _ := reg.calls(); calls >= 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if calls, _ := reg.calls(); calls < 2 {
		t.Fatalf("register calls = %d, want a re-registration after missed keepalives", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ops) < 2 || ops[0] != "keepalive" {
		t.Errorf("timeout ops = %v, want keepalive events", ops)
	}
}

func TestConnectTwiceIsNoop(t *testing.T) {
	reg := &fakeRegisterer{granted: 300}
	m := NewManager(reg, fastOptions(), testLogger())
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	waitForState(t, m, StateConnected)
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	m.Disconnect(ctx)
	if calls, _ := reg.calls(); calls != 2 {
		t.Errorf("register calls = %d, want 2 (one register, one unregister)", calls)
	}
}

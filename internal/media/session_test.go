package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toneBackend is a device backend whose microphone produces a constant
// level and whose speakers record the loudest sample they were given.
type toneBackend struct {
	level  int16
	denied bool

	mu       sync.Mutex
	peak     map[string]int16
	acquired int
	released int
}

func (b *toneBackend) Enumerate(context.Context) ([]device.Device, error) {
	return []device.Device{
		{ID: "mic", Kind: device.KindInput},
		{ID: "headset-mic", Kind: device.KindInput},
		{ID: "spk", Kind: device.KindOutput},
		{ID: "headset", Kind: device.KindOutput},
	}, nil
}

func (b *toneBackend) Acquire(_ context.Context, kind device.Kind, id string) (device.Stream, error) {
	if b.denied && kind == device.KindInput {
		return nil, device.ErrPermissionDenied
	}
	b.mu.Lock()
	b.acquired++
	b.mu.Unlock()
	return &toneStream{b: b, dev: device.Device{ID: id, Kind: kind}}, nil
}

func (b *toneBackend) Release(s device.Stream) error {
	b.mu.Lock()
	b.released++
	b.mu.Unlock()
	return s.Close()
}

func (b *toneBackend) Changes() <-chan struct{} { return nil }

func (b *toneBackend) peakOf(id string) int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak[id]
}

func (b *toneBackend) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired, b.released
}

type toneStream struct {
	b   *toneBackend
	dev device.Device
}

func (s *toneStream) Device() device.Device { return s.dev }

func (s *toneStream) Read(frame []int16) (int, error) {
	for i := range frame {
		frame[i] = s.b.level
	}
	return len(frame), nil
}

func (s *toneStream) Write(frame []int16) (int, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.b.peak == nil {
		s.b.peak = make(map[string]int16)
	}
	for _, v := range frame {
		if v > s.b.peak[s.dev.ID] {
			s.b.peak[s.dev.ID] = v
		}
	}
	return len(frame), nil
}

func (s *toneStream) Close() error { return nil }

func newTestManager(t *testing.T, b *toneBackend) *Manager {
	t.Helper()
	reg := device.NewRegistry(b, testLogger())
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	m, err := NewManager(Options{IP: "127.0.0.1"}, reg, testLogger())
	if err != nil {
		t.Fatalf("NewManager() error: %v", err)
	}
	return m
}

func waitPeak(t *testing.T, b *toneBackend, id string) int16 {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p := b.peakOf(id); p > 0 {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no audio reached speaker %s", id)
	return 0
}

// connectPair wires leg key of a to leg key of b over loopback.
func connectPair(t *testing.T, a, b *Session, key string) {
	t.Helper()
	ctx := context.Background()
	offerA, err := a.Open(ctx, key)
	if err != nil {
		t.Fatalf("a.Open() error: %v", err)
	}
	offerB, err := b.Open(ctx, key)
	if err != nil {
		t.Fatalf("b.Open() error: %v", err)
	}
	if err := a.Connect(key, offerB); err != nil {
		t.Fatalf("a.Connect() error: %v", err)
	}
	if err := b.Connect(key, offerA); err != nil {
		t.Fatalf("b.Connect() error: %v", err)
	}
}

func TestLoopbackAudio(t *testing.T) {
	agentDev := &toneBackend{level: 1000}
	remoteDev := &toneBackend{level: 2000}
	agent := newTestManager(t, agentDev).NewSession("agent")
	remote := newTestManager(t, remoteDev).NewSession("remote")
	defer agent.Release()
	defer remote.Release()

	connectPair(t, agent, remote, "primary")

	if p := waitPeak(t, remoteDev, "spk"); p < 900 || p > 1100 {
		t.Errorf("remote heard peak %d, want about 1000", p)
	}
	if p := waitPeak(t, agentDev, "spk"); p < 1800 || p > 2200 {
		t.Errorf("agent heard peak %d, want about 2000", p)
	}
}

func TestHoldMutesLeg(t *testing.T) {
	agentDev := &toneBackend{level: 1000}
	remoteDev := &toneBackend{level: 2000}
	agent := newTestManager(t, agentDev).NewSession("agent")
	remote := newTestManager(t, remoteDev).NewSession("remote")
	defer agent.Release()
	defer remote.Release()

	if _, err := agent.Open(context.Background(), "primary"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	agent.Hold("primary", true)
	connectPair(t, agent, remote, "primary")

	time.Sleep(200 * time.Millisecond)
	if p := remoteDev.peakOf("spk"); p != 0 {
		t.Errorf("remote heard %d while held, want silence", p)
	}

	agent.Hold("primary", false)
	waitPeak(t, remoteDev, "spk")
}

func TestMergeMixesRemotes(t *testing.T) {
	agentDev := &toneBackend{level: 0}
	firstDev := &toneBackend{level: 1500}
	secondDev := &toneBackend{level: 700}
	agent := newTestManager(t, agentDev).NewSession("agent")
	first := newTestManager(t, firstDev).NewSession("first")
	second := newTestManager(t, secondDev).NewSession("second")
	defer agent.Release()
	defer first.Release()
	defer second.Release()

	connectPair(t, agent, first, "primary")
	connectPair(t, agent, second, "conference")

	// Before the merge the remotes only hear the silent agent.
	time.Sleep(200 * time.Millisecond)
	if p := secondDev.peakOf("spk"); p != 0 {
		t.Errorf("second remote heard %d before merge", p)
	}

	if err := agent.Merge("primary", "conference"); err != nil {
		t.Fatalf("Merge() error: %v", err)
	}
	if p := waitPeak(t, secondDev, "spk"); p < 1300 {
		t.Errorf("second remote heard peak %d, want the first remote", p)
	}
	if p := waitPeak(t, firstDev, "spk"); p < 600 {
		t.Errorf("first remote heard peak %d, want the second remote", p)
	}
}

func TestMergeRequiresConnectedLegs(t *testing.T) {
	s := newTestManager(t, &toneBackend{}).NewSession("s")
	defer s.Release()
	if _, err := s.Open(context.Background(), "primary"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if err := s.Merge("primary", "conference"); err == nil {
		t.Fatal("Merge() of unconnected legs succeeded")
	}
}

func TestPermissionDenied(t *testing.T) {
	b := &toneBackend{denied: true}
	m := newTestManager(t, b)
	s := m.NewSession("s")
	defer s.Release()

	_, err := s.Open(context.Background(), "primary")
	if !errors.Is(err, device.ErrPermissionDenied) {
		t.Fatalf("Open() error = %v, want ErrPermissionDenied", err)
	}
	if n := m.pool.InUse(); n != 0 {
		t.Errorf("sockets in use = %d, want 0", n)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	b := &toneBackend{}
	m := newTestManager(t, b)
	s := m.NewSession("s")
	if _, err := s.Open(context.Background(), "primary"); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	s.Release()
	s.Release()

	if _, err := s.Open(context.Background(), "primary"); !errors.Is(err, ErrReleased) {
		t.Errorf("Open() after Release error = %v, want ErrReleased", err)
	}
	if n := m.pool.InUse(); n != 0 {
		t.Errorf("sockets in use = %d, want 0", n)
	}
	if acq, rel := b.counts(); acq != rel {
		t.Errorf("devices acquired %d, released %d", acq, rel)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestSwitchDevice(t *testing.T) {
	b := &toneBackend{level: 1000}
	m := newTestManager(t, b)
	remoteDev := &toneBackend{level: 1200}
	agent := m.NewSession("agent")
	remote := newTestManager(t, remoteDev).NewSession("remote")
	defer agent.Release()
	defer remote.Release()

	connectPair(t, agent, remote, "primary")
	waitPeak(t, b, "spk")

	if err := agent.SwitchDevice(context.Background(), device.KindOutput, "headset"); err == nil {
		t.Fatal("SwitchDevice() to an unselected device succeeded")
	}
	if err := m.devices.Select(device.KindOutput, "headset"); err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if err := agent.SwitchDevice(context.Background(), device.KindOutput, "headset"); err != nil {
		t.Fatalf("SwitchDevice() error: %v", err)
	}
	waitPeak(t, b, "headset")
}

func TestCloseLegKeepsOthers(t *testing.T) {
	b := &toneBackend{}
	m := newTestManager(t, b)
	s := m.NewSession("s")
	defer s.Release()
	ctx := context.Background()
	if _, err := s.Open(ctx, "primary"); err != nil {
		t.Fatalf("Open(primary) error: %v", err)
	}
	if _, err := s.Open(ctx, "conference"); err != nil {
		t.Fatalf("Open(conference) error: %v", err)
	}
	s.CloseLeg("conference")
	s.CloseLeg("conference")
	if n := m.pool.InUse(); n != 1 {
		t.Errorf("sockets in use = %d, want 1", n)
	}
	if _, err := s.LocalSDP("primary", true); err != nil {
		t.Errorf("LocalSDP(primary) error: %v", err)
	}
}

package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu       sync.Mutex
	devices  []Device
	deny     bool
	acquired []string
	released int
	changes  chan struct{}
}

func (f *fakeBackend) Enumerate(context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device{}, f.devices...), nil
}

func (f *fakeBackend) Acquire(_ context.Context, kind Kind, id string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny {
		return nil, ErrPermissionDenied
	}
	f.acquired = append(f.acquired, id)
	return nullStream{dev: Device{ID: id, Kind: kind}}, nil
}

func (f *fakeBackend) Release(Stream) error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Changes() <-chan struct{} { return f.changes }

func (f *fakeBackend) setDevices(d []Device) {
	f.mu.Lock()
	f.devices = d
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshSelectsFirstOfEachKind(t *testing.T) {
	fb := &fakeBackend{devices: []Device{
		{ID: "spk", Kind: KindOutput},
		{ID: "mic1", Kind: KindInput},
		{ID: "mic2", Kind: KindInput},
	}}
	r := NewRegistry(fb, testLogger())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	in, ok := r.Selected(KindInput)
	if !ok || in.ID != "mic1" {
		t.Errorf("Selected(input) = %v, %v; want mic1", in, ok)
	}
	out, ok := r.Selected(KindOutput)
	if !ok || out.ID != "spk" {
		t.Errorf("Selected(output) = %v, %v; want spk", out, ok)
	}
	if n := len(r.Devices()); n != 3 {
		t.Errorf("Devices() len = %d, want 3", n)
	}
}

func TestSelectAndFallbackOnUnplug(t *testing.T) {
	fb := &fakeBackend{devices: []Device{
		{ID: "mic1", Kind: KindInput},
		{ID: "mic2", Kind: KindInput},
	}}
	r := NewRegistry(fb, testLogger())
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if err := r.Select(KindInput, "mic2"); err != nil {
		t.Fatalf("Select(mic2) error: %v", err)
	}
	if err := r.Select(KindInput, "nope"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Select(nope) error = %v, want ErrUnknownDevice", err)
	}
	if err := r.Select(KindOutput, "mic1"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Select with wrong kind error = %v, want ErrUnknownDevice", err)
	}

	// Selection survives a refresh while the device is present.
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if d, _ := r.Selected(KindInput); d.ID != "mic2" {
		t.Errorf("Selected(input) = %q, want mic2", d.ID)
	}

	fb.setDevices([]Device{{ID: "mic1", Kind: KindInput}})
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if d, _ := r.Selected(KindInput); d.ID != "mic1" {
		t.Errorf("Selected(input) after unplug = %q, want mic1", d.ID)
	}
}

func TestAcquirePermissionDenied(t *testing.T) {
	fb := &fakeBackend{devices: []Device{{ID: "mic", Kind: KindInput}}, deny: true}
	r := NewRegistry(fb, testLogger())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if err := r.CheckPermission(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("CheckPermission() error = %v, want ErrPermissionDenied", err)
	}
}

func TestAcquireWithoutDevice(t *testing.T) {
	r := NewRegistry(&fakeBackend{}, testLogger())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := r.Acquire(context.Background(), KindOutput); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Acquire() error = %v, want ErrNoDevice", err)
	}
}

func TestCheckPermissionReleases(t *testing.T) {
	fb := &fakeBackend{devices: []Device{{ID: "mic", Kind: KindInput}}}
	r := NewRegistry(fb, testLogger())
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if err := r.CheckPermission(context.Background()); err != nil {
		t.Fatalf("CheckPermission() error: %v", err)
	}
	if fb.released != 1 {
		t.Errorf("released = %d, want 1", fb.released)
	}
}

func TestWatchRefreshesOnChange(t *testing.T) {
	fb := &fakeBackend{
		devices: []Device{{ID: "mic1", Kind: KindInput}},
		changes: make(chan struct{}, 1),
	}
	r := NewRegistry(fb, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	got := make(chan []Device, 1)
	r.OnChange(func(d []Device) { got <- d })
	go r.Watch(ctx)

	fb.setDevices([]Device{{ID: "mic1", Kind: KindInput}, {ID: "headset", Kind: KindOutput}})
	fb.changes <- struct{}{}

	select {
	case d := <-got:
		if len(d) != 2 {
			t.Errorf("snapshot len = %d, want 2", len(d))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for refresh")
	}
}

func TestNullBackend(t *testing.T) {
	r := NewRegistry(NullBackend{}, testLogger())
	ctx := context.Background()
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	s, err := r.Acquire(ctx, KindInput)
	if err != nil {
		t.Fatalf("Acquire(input) error: %v", err)
	}
	frame := []int16{1, 2, 3}
	n, err := s.Read(frame)
	if err != nil || n != 3 {
		t.Fatalf("Read() = %d, %v", n, err)
	}
	for i, v := range frame {
		if v != 0 {
			t.Errorf("frame[%d] = %d, want silence", i, v)
		}
	}
	if err := r.Release(s); err != nil {
		t.Errorf("Release() error: %v", err)
	}
}

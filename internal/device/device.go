// Package device keeps the snapshot of audio devices available to the agent
// and hands out streams through a capability interface, so the rest of the
// engine never touches platform audio APIs directly.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Kind distinguishes capture from playback devices.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
)

// Device is an immutable description of one audio endpoint.
type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  Kind   `json:"kind"`
}

var (
	// ErrPermissionDenied is returned by Acquire when the platform refuses
	// access to the device (e.g. microphone permission).
	ErrPermissionDenied = errors.New("device permission denied")
	ErrUnknownDevice    = errors.New("unknown device")
	ErrNoDevice         = errors.New("no device available")
)

// Stream is an acquired device. Frames are 8 kHz mono linear PCM. Input
// streams implement Read, output streams implement Write.
type Stream interface {
	Device() Device
	Read(frame []int16) (int, error)
	Write(frame []int16) (int, error)
	Close() error
}

// Backend is the platform capability interface.
type Backend interface {
	Enumerate(ctx context.Context) ([]Device, error)
	Acquire(ctx context.Context, kind Kind, id string) (Stream, error)
	Release(s Stream) error
	// Changes signals plug/unplug events. It may return nil.
	Changes() <-chan struct{}
}

// Registry holds the current device snapshot and the selection per kind.
type Registry struct {
	backend Backend
	logger  *slog.Logger

	mu        sync.RWMutex
	devices   []Device
	selected  map[Kind]string
	listeners []func([]Device)
}

// NewRegistry creates a registry over backend. Call Refresh to populate it.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	return &Registry{
		backend:  backend,
		logger:   logger.With("subsystem", "devices"),
		selected: make(map[Kind]string),
	}
}

// Refresh re-enumerates devices and replaces the snapshot. A selected device
// that disappeared falls back to the first available device of its kind.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.backend.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerating devices: %w", err)
	}
	snapshot := make([]Device, len(list))
	copy(snapshot, list)

	r.mu.Lock()
	r.devices = snapshot
	for _, kind := range []Kind{KindInput, KindOutput} {
		if id, ok := r.selected[kind]; ok && r.findLocked(kind, id) {
			continue
		}
		delete(r.selected, kind)
		for _, d := range snapshot {
			if d.Kind == kind {
				r.selected[kind] = d.ID
				break
			}
		}
	}
	listeners := append([]func([]Device){}, r.listeners...)
	r.mu.Unlock()

	r.logger.Debug("device snapshot refreshed", "count", len(snapshot))
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

func (r *Registry) findLocked(kind Kind, id string) bool {
	for _, d := range r.devices {
		if d.Kind == kind && d.ID == id {
			return true
		}
	}
	return false
}

// Devices returns a copy of the current snapshot.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Selected returns the device currently selected for kind.
func (r *Registry) Selected(kind Kind) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.selected[kind]
	if !ok {
		return Device{}, false
	}
	for _, d := range r.devices {
		if d.Kind == kind && d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// Select makes id the device used for the next Acquire of kind.
func (r *Registry) Select(kind Kind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.findLocked(kind, id) {
		return fmt.Errorf("%w: %s %s", ErrUnknownDevice, kind, id)
	}
	r.selected[kind] = id
	return nil
}

// Acquire opens the selected device of kind.
func (r *Registry) Acquire(ctx context.Context, kind Kind) (Stream, error) {
	d, ok := r.Selected(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, kind)
	}
	s, err := r.backend.Acquire(ctx, kind, d.ID)
	if err != nil {
		return nil, fmt.Errorf("acquiring %s device %s: %w", kind, d.ID, err)
	}
	return s, nil
}

// Release returns a stream to the backend.
func (r *Registry) Release(s Stream) error {
	if s == nil {
		return nil
	}
	return r.backend.Release(s)
}

// CheckPermission acquires and immediately releases the input device. It is
// run before the first registration so a denied microphone surfaces early.
func (r *Registry) CheckPermission(ctx context.Context) error {
	s, err := r.Acquire(ctx, KindInput)
	if err != nil {
		return err
	}
	return r.Release(s)
}

// OnChange registers fn to receive every new snapshot.
func (r *Registry) OnChange(fn func([]Device)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Watch refreshes the snapshot on every backend change event until ctx is
// done.
func (r *Registry) Watch(ctx context.Context) {
	changes := r.backend.Changes()
	if changes == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("device refresh failed", "error", err)
			}
		}
	}
}

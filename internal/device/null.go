package device

import (
	"context"
	"fmt"
)

// NullBackend is a headless backend: a silent capture device and a playback
// device that discards audio. It is used when no sound hardware is present.
type NullBackend struct{}

var nullDevices = []Device{
	{ID: "null-in", Label: "Silence", Kind: KindInput},
	{ID: "null-out", Label: "Discard", Kind: KindOutput},
}

func (NullBackend) Enumerate(context.Context) ([]Device, error) {
	out := make([]Device, len(nullDevices))
	copy(out, nullDevices)
	return out, nil
}

func (NullBackend) Acquire(_ context.Context, kind Kind, id string) (Stream, error) {
	for _, d := range nullDevices {
		if d.Kind == kind && d.ID == id {
			return nullStream{dev: d}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
}

func (NullBackend) Release(s Stream) error { return s.Close() }

func (NullBackend) Changes() <-chan struct{} { return nil }

type nullStream struct {
	dev Device
}

func (s nullStream) Device() Device { return s.dev }

func (s nullStream) Read(frame []int16) (int, error) {
	clear(frame)
	return len(frame), nil
}

func (s nullStream) Write(frame []int16) (int, error) { return len(frame), nil }

func (s nullStream) Close() error { return nil }

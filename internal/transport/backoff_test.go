package transport

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second)

	wants := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range wants {
		got := b.next()
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("attempt %d: delay = %s, want within [%s, %s]", i, got, lo, hi)
		}
	}
	if b.attempt != len(wants) {
		t.Errorf("attempt = %d, want %d", b.attempt, len(wants))
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff(time.Second, time.Minute)
	b.next()
	b.next()
	b.reset()
	if b.attempt != 0 {
		t.Fatalf("attempt after reset = %d, want 0", b.attempt)
	}
	if d := b.current(); d > 1200*time.Millisecond {
		t.Errorf("delay after reset = %s, want about 1s", d)
	}
}

func TestBackoffNeverExceedsCeiling(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second)
	for range 4 {
		b.next()
	}
	for i := range 200 {
		if d := b.next(); d > 8*time.Second {
			t.Fatalf("attempt %d: delay = %s, above ceiling 8s", i, d)
		}
	}
}

package callctl

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var tm Timer
	if got := tm.Elapsed(t0); got != 0 {
		t.Errorf("zero timer Elapsed() = %v, want 0", got)
	}
	tm.Stop(t0)
	if tm.Running() {
		t.Error("Stop() on a timer that never started made it run")
	}

	tm.Start(t0)
	if !tm.Running() {
		t.Fatal("Running() = false after Start")
	}
	if got := tm.Elapsed(t0.Add(45 * time.Second)); got != 45*time.Second {
		t.Errorf("Elapsed() = %v, want 45s", got)
	}

	tm.Stop(t0.Add(time.Minute))
	tm.Stop(t0.Add(2 * time.Minute))
	if got := tm.Elapsed(t0.Add(time.Hour)); got != time.Minute {
		t.Errorf("Elapsed() after Stop = %v, want frozen 1m", got)
	}

	tm.Reset()
	if got := tm.Elapsed(t0.Add(time.Hour)); got != 0 || tm.Running() {
		t.Errorf("after Reset Elapsed() = %v running=%v, want 0 stopped", got, tm.Running())
	}
}

func TestErrorKinds(t *testing.T) {
	err := fmt.Errorf("dialing: %w", &Error{Kind: KindDialRejected, Msg: "busy", Code: 486})

	if KindOf(err) != KindDialRejected {
		t.Errorf("KindOf() = %q, want dial_rejected", KindOf(err))
	}
	if errors.Is(err, ErrLineBusy) {
		t.Error("dial rejected matched ErrLineBusy")
	}
	if !errors.Is(err, &Error{Kind: KindDialRejected}) {
		t.Error("errors.Is() did not match by kind")
	}
	if got := err.Error(); got != "dialing: busy (486)" {
		t.Errorf("Error() = %q", got)
	}
	if got := statusCode(fmt.Errorf("wrapped: %w", sipStatus(404))); got != 404 {
		t.Errorf("statusCode() = %d, want 404", got)
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("KindOf() on a plain error should be empty")
	}
}

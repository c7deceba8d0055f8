package retention

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakePruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePruner) DeleteDisposedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func (f *fakePruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestRunOnceUsesCutoff(t *testing.T) {
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	calls := &fakePruner{n: 3}
	missed := &fakePruner{n: 2}

	c := NewCleaner(calls, missed, 30, slog.New(slog.DiscardHandler))
	c.now = func() time.Time { return now }

	gotCalls, gotMissed := c.RunOnce(context.Background())
	if gotCalls != 3 || gotMissed != 2 {
		t.Errorf("RunOnce() = %d, %d; want 3, 2", gotCalls, gotMissed)
	}
	want := time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC)
	if !calls.cutoff.Equal(want) || !missed.cutoff.Equal(want) {
		t.Errorf("cutoffs = %v, %v; want %v", calls.cutoff, missed.cutoff, want)
	}
}

func TestRunOnceDisabled(t *testing.T) {
	calls := &fakePruner{n: 3}
	c := NewCleaner(calls, &fakePruner{}, 0, slog.New(slog.DiscardHandler))
	if n, _ := c.RunOnce(context.Background()); n != 0 {
		t.Errorf("disabled cleaner deleted %d rows", n)
	}
	if !calls.cutoff.IsZero() {
		t.Error("disabled cleaner should not query")
	}
}

func TestRunOnceContinuesAfterError(t *testing.T) {
	calls := &fakePruner{err: errors.New("locked")}
	missed := &fakePruner{n: 4}
	c := NewCleaner(calls, missed, 7, slog.New(slog.DiscardHandler))

	if _, n := c.RunOnce(context.Background()); n != 4 {
		t.Errorf("missed deleted = %d, want 4", n)
	}
}

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/api"
	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/events"
	"github.com/flowpbx/agentphone/internal/followup"
	"github.com/flowpbx/agentphone/internal/queue"
)

func TestHashPIN(t *testing.T) {
	var out bytes.Buffer
	if err := hashPIN(strings.NewReader("  4321 \n"), &out); err != nil {
		t.Fatalf("hashPIN() error: %v", err)
	}
	hash := strings.TrimSpace(out.String())
	ok, err := api.CheckPIN("4321", hash)
	if err != nil || !ok {
		t.Errorf("CheckPIN(hash) = %v, %v", ok, err)
	}

	if err := hashPIN(strings.NewReader("\n"), &out); err == nil {
		t.Error("expected error for empty pin")
	}
}

func TestFollowUpBody(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 5, 0, 0, time.Local)
	it := followup.Item{FollowUp: models.FollowUp{ID: "f1", Target: at, Phone: "+61400000000"}}
	if got := followUpBody(it); got != "Callback at 09:05" {
		t.Errorf("body = %q", got)
	}
	it.Comment = "renewal quote"
	if got := followUpBody(it); got != "Callback at 09:05: renewal quote" {
		t.Errorf("body = %q", got)
	}
}

type stubQueueFetcher struct {
	entries []models.QueueEntry
	err     error
}

func (f stubQueueFetcher) Queue(context.Context, string) ([]models.QueueEntry, error) {
	return f.entries, f.err
}

func TestWirePollerKeepsRingingCaller(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := queue.NewManager(logger)
	q.Arrived(models.QueueEntry{Number: "555", ArrivedAt: time.Now()})
	q.SetRinging(true)

	p := queue.NewPoller(q, stubQueueFetcher{}, "sales", time.Second, logger)
	state := func() callctl.State {
		return callctl.State{
			Phase:   callctl.PhaseRingingLocal,
			Session: &callctl.Session{Direction: "inbound", Number: "555"},
		}
	}
	wirePoller(p, state, events.NewBus(4))

	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if q.Len() != 1 || !q.Ringtone() {
		t.Errorf("after poll: len=%d ringtone=%v, want 1/true", q.Len(), q.Ringtone())
	}
}

func TestWirePollerPublishesSyncFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(4)
	ch, cancel := bus.Subscribe()
	defer cancel()

	p := queue.NewPoller(queue.NewManager(logger), stubQueueFetcher{err: errors.New("backend down")}, "sales", time.Second, logger)
	wirePoller(p, func() callctl.State { return callctl.State{Phase: callctl.PhaseIdle} }, bus)

	if err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}
	select {
	case ev := <-ch:
		n, ok := ev.Data.(*callctl.Notice)
		if ev.Type != events.TypeNotice || !ok || n.Kind != callctl.KindQueueSyncFailure {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notice published")
	}
}

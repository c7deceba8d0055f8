package callctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
)

// blockedCalls counts fake round trips parked until the test resolves them.
var blockedCalls atomic.Int64

type parked struct{ once sync.Once }

func (p *parked) park()    { blockedCalls.Add(1) }
func (p *parked) release() { p.once.Do(func() { blockedCalls.Add(-1) }) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sipStatus int

func (s sipStatus) Error() string   { return fmt.Sprintf("sip status %d", int(s)) }
func (s sipStatus) StatusCode() int { return int(s) }

// fakeLeg blocks re-INVITEs when block is set so tests can interleave
// events with an in-flight renegotiation.
type fakeLeg struct {
	id     string
	bridge string
	block  bool
	renegs chan *pendingReneg

	mu       sync.Mutex
	offers   [][]byte
	hungUp   int
	renegErr error
}

type pendingReneg struct {
	parked
	offer  []byte
	result chan error
}

func (p *pendingReneg) done(err error) {
	p.release()
	p.result <- err
}

func newFakeLeg(id, bridge string) *fakeLeg {
	return &fakeLeg{id: id, bridge: bridge, renegs: make(chan *pendingReneg, 8)}
}

func (l *fakeLeg) ID() string        { return l.id }
func (l *fakeLeg) BridgeID() string  { return l.bridge }
func (l *fakeLeg) RemoteSDP() []byte { return []byte("v=0 remote " + l.id) }

func (l *fakeLeg) Renegotiate(ctx context.Context, offer []byte) ([]byte, error) {
	l.mu.Lock()
	l.offers = append(l.offers, offer)
	block, fail := l.block, l.renegErr
	l.mu.Unlock()
	if !block {
		return []byte("answer"), fail
	}
	p := &pendingReneg{offer: offer, result: make(chan error, 1)}
	p.park()
	l.renegs <- p
	select {
	case err := <-p.result:
		return []byte("answer"), err
	case <-ctx.Done():
		p.release()
		return nil, ctx.Err()
	}
}

func (l *fakeLeg) Hangup(ctx context.Context) error {
	l.mu.Lock()
	l.hungUp++
	l.mu.Unlock()
	return nil
}

func (l *fakeLeg) setBlock(b bool) {
	l.mu.Lock()
	l.block = b
	l.mu.Unlock()
}

func (l *fakeLeg) nextReneg(t *testing.T) *pendingReneg {
	t.Helper()
	select {
	case p := <-l.renegs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no re-INVITE")
		return nil
	}
}

func (l *fakeLeg) hangups() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hungUp
}

func (l *fakeLeg) renegotiations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.offers)
}

type pendingDial struct {
	parked
	number   string
	progress func(Progress)
	result   chan dialResult
}

type dialResult struct {
	leg Leg
	err error
}

func (p *pendingDial) ring() {
	if p.progress != nil {
		p.progress(ProgressRinging)
	}
}

func (p *pendingDial) answer(l *fakeLeg) {
	p.release()
	p.result <- dialResult{leg: l}
}

func (p *pendingDial) fail(err error) {
	p.release()
	p.result <- dialResult{err: err}
}

// fakeSignaling hands every dial to the test through dials unless auto is
// set, in which case numbers starting with "busy" fail with 486 and every
// other number answers at once.
type fakeSignaling struct {
	dials chan *pendingDial
	auto  bool

	mu       sync.Mutex
	legs     []*fakeLeg
	accepted []IncomingCall
	rejected map[string]int
	acceptFn func(IncomingCall) error
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{dials: make(chan *pendingDial, 8), rejected: map[string]int{}}
}

func (s *fakeSignaling) Dial(ctx context.Context, number string, offer []byte, progress func(Progress)) (Leg, error) {
	if s.auto {
		if progress != nil {
			progress(ProgressRinging)
		}
		if len(number) >= 4 && number[:4] == "busy" {
			return nil, sipStatus(486)
		}
		s.mu.Lock()
		l := newFakeLeg(fmt.Sprintf("leg-%d", len(s.legs)+1), "bridge-"+number)
		s.legs = append(s.legs, l)
		s.mu.Unlock()
		return l, nil
	}
	p := &pendingDial{number: number, progress: progress, result: make(chan dialResult, 1)}
	p.park()
	s.dials <- p
	select {
	case r := <-p.result:
		return r.leg, r.err
	case <-ctx.Done():
		p.release()
		return nil, ctx.Err()
	}
}

func (s *fakeSignaling) Accept(ctx context.Context, call IncomingCall, answer []byte) (Leg, error) {
	s.mu.Lock()
	fn := s.acceptFn
	s.mu.Unlock()
	if fn != nil {
		if err := fn(call); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, call)
	l := newFakeLeg(call.ID, call.BridgeID)
	s.legs = append(s.legs, l)
	return l, nil
}

func (s *fakeSignaling) Reject(ctx context.Context, call IncomingCall, code int) error {
	s.mu.Lock()
	s.rejected[call.ID] = code
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaling) rejectCode(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[id]
}

func (s *fakeSignaling) allLegs() []*fakeLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeLeg(nil), s.legs...)
}

func (s *fakeSignaling) nextDial(t *testing.T) *pendingDial {
	t.Helper()
	select {
	case p := <-s.dials:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no dial attempt")
		return nil
	}
}

type fakeMedia struct {
	id      string
	openErr error
	mergeFn func() error

	mu       sync.Mutex
	opened   []string
	closed   []string
	holds    map[string]bool
	merged   bool
	released int
	switched []string
	remotes  map[string][]byte
}

func (m *fakeMedia) Open(ctx context.Context, leg string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	if m.released > 0 {
		return nil, errors.New("media released")
	}
	m.opened = append(m.opened, leg)
	return []byte("v=0 offer " + leg), nil
}

func (m *fakeMedia) Connect(leg string, remote []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remotes == nil {
		m.remotes = map[string][]byte{}
	}
	m.remotes[leg] = remote
	return nil
}

func (m *fakeMedia) remote(leg string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.remotes[leg])
}

func (m *fakeMedia) LocalSDP(leg string, hold bool) ([]byte, error) {
	if hold {
		return []byte("a=sendonly"), nil
	}
	return []byte("a=sendrecv"), nil
}

func (m *fakeMedia) Hold(leg string, hold bool) {
	m.mu.Lock()
	m.holds[leg] = hold
	m.mu.Unlock()
}

func (m *fakeMedia) Merge(a, b string) error {
	if m.mergeFn != nil {
		if err := m.mergeFn(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.merged = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) CloseLeg(leg string) {
	m.mu.Lock()
	m.closed = append(m.closed, leg)
	m.mu.Unlock()
}

func (m *fakeMedia) SwitchDevice(ctx context.Context, kind device.Kind, id string) error {
	m.mu.Lock()
	m.switched = append(m.switched, id)
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

func (m *fakeMedia) isReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released > 0
}

// mediaFactory tracks every session so tests can check that at most one is
// live at a time.
type mediaFactory struct {
	openErr error

	mu       sync.Mutex
	sessions []*fakeMedia
	overlaps int
}

func (f *mediaFactory) New(id string) MediaSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if !s.isReleased() {
			f.overlaps++
		}
	}
	m := &fakeMedia{id: id, openErr: f.openErr, holds: map[string]bool{}}
	f.sessions = append(f.sessions, m)
	return m
}

func (f *mediaFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeRecorder struct {
	startErr error
	// hold, when set, keeps StartRecording from answering until it is closed.
	hold chan struct{}

	mu     sync.Mutex
	starts map[string]int
	stops  map[string]int
	order  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{starts: map[string]int{}, stops: map[string]int{}}
}

func (r *fakeRecorder) StartRecording(ctx context.Context, bridgeID string) error {
	if r.hold != nil {
		select {
		case <-r.hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts[bridgeID]++
	r.order = append(r.order, "start")
	return r.startErr
}

func (r *fakeRecorder) StopRecording(ctx context.Context, bridgeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops[bridgeID]++
	r.order = append(r.order, "stop")
	return nil
}

func (r *fakeRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *fakeRecorder) counts(bridge string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[bridge], r.stops[bridge]
}

type fakeStore struct {
	mu        sync.Mutex
	pending   *models.CallLog
	saved     []models.CallLog
	completed map[string]models.Disposition
	missed    []models.MissedCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{completed: map[string]models.Disposition{}}
}

func (s *fakeStore) SaveCall(ctx context.Context, rec *models.CallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, *rec)
	r := *rec
	s.pending = &r
	return nil
}

func (s *fakeStore) LoadPending(ctx context.Context) (*models.CallLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil, nil
	}
	r := *s.pending
	return &r, nil
}

func (s *fakeStore) CompleteCall(ctx context.Context, dialogID string, d models.Disposition, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.DialogID != dialogID {
		return fmt.Errorf("no pending call %s", dialogID)
	}
	s.completed[dialogID] = d
	s.pending = nil
	return nil
}

func (s *fakeStore) RecordMissed(ctx context.Context, m *models.MissedCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missed = append(s.missed, *m)
	return nil
}

func (s *fakeStore) missedReasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.missed {
		out = append(out, m.Reason)
	}
	return out
}

func (s *fakeStore) lastSaved() (models.CallLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return models.CallLog{}, false
	}
	return s.saved[len(s.saved)-1], true
}

type fakeSubmitter struct {
	mu    sync.Mutex
	err   error
	calls []models.Disposition
}

func (s *fakeSubmitter) SubmitDisposition(ctx context.Context, rec models.CallLog, d models.Disposition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	return s.err
}

func (s *fakeSubmitter) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type fakeQueue struct {
	mu      sync.Mutex
	arrived []string
	removed []string
}

func (q *fakeQueue) Arrived(e models.QueueEntry) {
	q.mu.Lock()
	q.arrived = append(q.arrived, e.Number)
	q.mu.Unlock()
}

func (q *fakeQueue) Remove(number string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removed = append(q.removed, number)
	return true
}

func (q *fakeQueue) removals() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.removed...)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	e      *Engine
	sig    *fakeSignaling
	media  *mediaFactory
	rec    *fakeRecorder
	store  *fakeStore
	sub    *fakeSubmitter
	queue  *fakeQueue
	clock  *clock
	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, mutate func(*Options, *Deps)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		sig:   newFakeSignaling(),
		media: &mediaFactory{},
		rec:   newFakeRecorder(),
		store: newFakeStore(),
		sub:   &fakeSubmitter{},
		queue: &fakeQueue{},
		clock: newClock(),
	}
	opts := Options{
		DialTimeout:   time.Minute,
		AnswerTimeout: time.Minute,
		RingTimeout:   time.Minute,
		OpTimeout:     2 * time.Second,
		TickInterval:  time.Hour,
		Campaign:      "spring",
		Now:           h.clock.Now,
	}
	deps := Deps{
		Signaling: h.sig,
		Media:     h.media.New,
		Recorder:  h.rec,
		Store:     h.store,
		Submitter: h.sub,
		Queue:     h.queue,
	}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	h.e = New(deps, opts, testLogger())
	h.e.OnEvent(func(ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	if err := h.e.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(h.e.Stop)
	return h
}

// settle waits until every worker goroutine is either done or parked in a
// fake round trip, and every queued signal has been handled.
func (h *harness) settle() {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := h.e.do(context.Background(), "barrier", func() error { return nil }); err != nil {
			h.t.Fatalf("barrier: %v", err)
		}
		if h.e.pending.Load() == blockedCalls.Load() && len(h.e.signals) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("engine did not settle")
}

func (h *harness) phase() Phase {
	return h.e.State().Phase
}

func (h *harness) wantPhase(want Phase) {
	h.t.Helper()
	h.settle()
	if got := h.phase(); got != want {
		h.t.Fatalf("phase = %s, want %s", got, want)
	}
}

func (h *harness) notices(kind Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ev := range h.events {
		if ev.Type == EventNotice && ev.Notice.Kind == kind {
			n++
		}
	}
	return n
}

func (h *harness) phases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Phase
	for _, ev := range h.events {
		if ev.Type != EventState {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != ev.State.Phase {
			out = append(out, ev.State.Phase)
		}
	}
	return out
}

// connect dials number and answers it with a fresh leg.
func (h *harness) connect(number string) *fakeLeg {
	h.t.Helper()
	if err := h.e.Dial(context.Background(), number, ""); err != nil {
		h.t.Fatalf("Dial() error: %v", err)
	}
	p := h.sig.nextDial(h.t)
	p.ring()
	h.wantPhase(PhaseRingingRemote)
	leg := newFakeLeg("leg-"+number, "bridge-"+number)
	p.answer(leg)
	h.wantPhase(PhaseActive)
	return leg
}

// waitPhase polls until the engine reaches want, for transitions driven by
// engine timers.
func (h *harness) waitPhase(want Phase) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.settle()
		if h.phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("phase = %s, want %s", h.phase(), want)
}

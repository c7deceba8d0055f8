// Package callctl implements the agent's call-control engine: one signaling
// line multiplexed through an explicit state machine. A single goroutine owns
// all state. User intents and remote signaling events reach it through two
// channels, remote events first. Signaling and media round trips run in
// worker goroutines that post their results back; results from an operation
// that was abandoned in the meantime are discarded.
package callctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
)

// Options configure the engine. Zero values fall back to defaults.
type Options struct {
	// DialTimeout fails an outbound attempt with no remote progress.
	DialTimeout time.Duration
	// AnswerTimeout fails an outbound attempt that rings without answer.
	AnswerTimeout time.Duration
	// RingTimeout rejects an unanswered inbound call.
	RingTimeout time.Duration
	// OpTimeout bounds re-INVITEs, backend calls and hangups.
	OpTimeout time.Duration
	// TickInterval paces duration ticks while in a call.
	TickInterval time.Duration
	// Campaign tags outbound sessions that do not name one.
	Campaign string
	Now      func() time.Time
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 45 * time.Second
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = 90 * time.Second
	}
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 15 * time.Second
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the engine's collaborators. Signaling and Media are required.
type Deps struct {
	Signaling Signaling
	Media     MediaFactory
	Recorder  Recorder
	Store     Store
	Submitter Submitter
	Queue     QueueGate
	Devices   DeviceSelector
}

type intent struct {
	name  string
	run   func(reply chan<- error)
	reply chan error
}

// operation is an I/O round trip in flight between two stable phases.
type operation struct {
	id     uint64
	kind   opKind
	cancel context.CancelFunc
	reply  chan<- error
}

type conference struct {
	number string
	leg    Leg
}

// Engine is the call session state machine.
type Engine struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	intents chan intent
	signals chan func()
	done    chan struct{}
	running atomic.Bool
	pending atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc

	// Owned by the engine goroutine.
	phase       Phase
	sess        *Session
	incoming    *IncomingCall
	primary     Leg
	media       MediaSession
	conf        *conference
	frozen      *models.CallLog
	timer       Timer
	recording   bool
	recorded    bool
	recGen      uint64
	recStart    *recStart
	saveDone    chan struct{}
	op          *operation
	nextOpID    uint64
	holdQueue   int
	forceResume bool
	dialTimer   *time.Timer
	ringTimer   *time.Timer
	seq         uint64

	mu        sync.RWMutex
	state     State
	listeners []func(Event)
}

// New creates an engine in the idle phase. Call Start before issuing intents.
func New(deps Deps, opts Options, logger *slog.Logger) *Engine {
	opts.setDefaults()
	e := &Engine{
		deps:    deps,
		opts:    opts,
		logger:  logger.With("subsystem", "callctl"),
		intents: make(chan intent),
		signals: make(chan func(), 64),
		done:    make(chan struct{}),
		phase:   PhaseIdle,
	}
	e.state = State{Phase: PhaseIdle}
	return e
}

// OnEvent registers fn to receive every event. Listeners run on the engine
// goroutine and must not block or call back into the engine.
func (e *Engine) OnEvent(fn func(Event)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// Start restores an unsubmitted disposition, if any, and starts the engine
// goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Load() {
		return errors.New("call engine already started")
	}
	if e.deps.Signaling == nil || e.deps.Media == nil {
		return errors.New("call engine needs signaling and media")
	}

	if e.deps.Store != nil {
		rec, err := e.deps.Store.LoadPending(ctx)
		if err != nil {
			return fmt.Errorf("loading pending disposition: %w", err)
		}
		if rec != nil {
			e.frozen = rec
			e.phase = PhaseDisposition
			e.logger.Info("restored unsubmitted disposition",
				"dialog_id", rec.DialogID,
				"bridge_id", rec.BridgeID,
			)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.running.Store(true)
	e.publish()
	go e.run()
	return nil
}

// Stop hangs up any live call and stops the engine goroutine.
func (e *Engine) Stop() {
	if !e.running.Load() {
		return
	}
	e.cancel()
	<-e.done
}

// State returns the latest snapshot with the duration computed at now.
func (e *Engine) State() State {
	e.mu.RLock()
	st := e.state
	e.mu.RUnlock()
	st.Duration = st.timer.Elapsed(e.opts.Now())
	st.Seconds = int(st.Duration / time.Second)
	return st
}

func (e *Engine) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		// Remote events and completions win over intents issued before them.
		select {
		case fn := <-e.signals:
			fn()
			continue
		default:
		}

		select {
		case <-e.ctx.Done():
			e.shutdown()
			return
		case fn := <-e.signals:
			fn()
		case in := <-e.intents:
			e.logger.Debug("intent", "name", in.name, "phase", string(e.phase))
			in.run(in.reply)
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) shutdown() {
	e.running.Store(false)
	e.stopTimers()
	if e.op != nil {
		e.op.cancel()
		if e.op.reply != nil {
			e.op.reply <- ErrNotRunning
		}
		e.op = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.OpTimeout)
	defer cancel()
	if e.conf != nil && e.conf.leg != nil {
		e.conf.leg.Hangup(ctx)
	}
	if e.primary != nil {
		e.primary.Hangup(ctx)
	}
	if e.phase == PhaseRingingLocal && e.incoming != nil {
		e.deps.Signaling.Reject(ctx, *e.incoming, 480)
	}
	if e.media != nil {
		e.media.Release()
	}
	e.logger.Info("call engine stopped", "phase", string(e.phase))
}

// submit hands an intent to the engine goroutine and waits for its reply.
func (e *Engine) submit(ctx context.Context, name string, run func(reply chan<- error)) error {
	if !e.running.Load() {
		return ErrNotRunning
	}
	reply := make(chan error, 1)
	select {
	case e.intents <- intent{name: name, run: run, reply: reply}:
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs a synchronous intent handler.
func (e *Engine) do(ctx context.Context, name string, fn func() error) error {
	return e.submit(ctx, name, func(reply chan<- error) { reply <- fn() })
}

// post queues fn to run on the engine goroutine as a remote event.
func (e *Engine) post(fn func()) {
	select {
	case e.signals <- fn:
	case <-e.done:
	}
}

// spawn runs fn in a worker goroutine.
func (e *Engine) spawn(fn func()) {
	e.pending.Add(1)
	go func() {
		defer e.pending.Add(-1)
		fn()
	}()
}

// afterFunc posts fn to the engine goroutine after d.
func (e *Engine) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { e.post(fn) })
}

func (e *Engine) beginOp(kind opKind) (*operation, context.Context) {
	ctx, cancel := context.WithCancel(e.ctx)
	e.nextOpID++
	e.op = &operation{id: e.nextOpID, kind: kind, cancel: cancel}
	return e.op, ctx
}

// current reports whether opID is still the operation in flight.
func (e *Engine) current(opID uint64) bool {
	return e.op != nil && e.op.id == opID
}

func (e *Engine) endOp() {
	if e.op != nil {
		e.op.cancel()
		e.op = nil
	}
}

// abortOps drops whatever local operation is in flight.
func (e *Engine) abortOps() {
	if e.op != nil {
		e.logger.Info("abandoning in-flight operation", "op", string(e.op.kind))
		if e.op.reply != nil {
			e.op.reply <- phaseError(string(e.op.kind), e.phase)
		}
		e.endOp()
	}
	e.holdQueue = 0
	e.forceResume = false
}

func (e *Engine) stopTimers() {
	if e.dialTimer != nil {
		e.dialTimer.Stop()
		e.dialTimer = nil
	}
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// setPhase moves the machine and logs the transition.
func (e *Engine) setPhase(p Phase) {
	if p == e.phase {
		return
	}
	attrs := []any{"from", string(e.phase), "to", string(p)}
	if e.sess != nil {
		attrs = append(attrs, "dialog_id", e.sess.ID)
	}
	e.logger.Info("phase changed", attrs...)
	e.phase = p
}

// publish stores a new snapshot and emits a state event.
func (e *Engine) publish() {
	e.seq++
	st := State{
		Phase:     e.phase,
		Held:      e.phase == PhaseHeld,
		Recording: e.recording,
		GateOpen:  e.phase == PhaseDisposition,
		Seq:       e.seq,
		timer:     e.timer,
	}
	if e.sess != nil {
		s := *e.sess
		st.Session = &s
	}
	if e.conf != nil {
		st.Conference = &ConferenceInfo{Number: e.conf.number, Merged: e.conf.leg != nil}
	}
	if e.op != nil {
		st.InFlight = string(e.op.kind)
	}
	if e.frozen != nil {
		rec := *e.frozen
		st.Pending = &rec
	}

	e.mu.Lock()
	e.state = st
	listeners := e.listeners
	e.mu.Unlock()

	st.Duration = st.timer.Elapsed(e.opts.Now())
	st.Seconds = int(st.Duration / time.Second)
	for _, fn := range listeners {
		fn(Event{Type: EventState, State: st})
	}
}

// notify emits a user-visible notice.
func (e *Engine) notify(kind Kind, sev Severity, persistent bool, msg string) {
	n := Notice{Kind: kind, Severity: sev, Message: msg, Persistent: persistent, At: e.opts.Now()}
	switch sev {
	case SeverityError:
		e.logger.Error("notice", "kind", string(kind), "message", msg)
	case SeverityWarning:
		e.logger.Warn("notice", "kind", string(kind), "message", msg)
	default:
		e.logger.Info("notice", "kind", string(kind), "message", msg)
	}

	st := e.State()
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(Event{Type: EventNotice, State: st, Notice: &n})
	}
}

func (e *Engine) tick() {
	if !e.phase.InCall() {
		return
	}
	st := e.State()
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(Event{Type: EventTick, State: st})
	}
}

// reject answers an intent that is not allowed and surfaces it as a warning.
func (e *Engine) reject(err error) error {
	e.notify(KindOf(err), SeverityWarning, false, err.Error())
	return err
}

func (e *Engine) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.opts.OpTimeout)
}

// hangupLeg tears a leg down in the background.
func (e *Engine) hangupLeg(leg Leg) {
	if leg == nil {
		return
	}
	e.spawn(func() {
		ctx, cancel := e.opContext()
		defer cancel()
		if err := leg.Hangup(ctx); err != nil {
			e.logger.Warn("hangup failed", "leg", leg.ID(), "error", err)
		}
	})
}

func newSessionID() string {
	return uuid.NewString()
}

// Dial places an outbound call. It returns once the attempt is under way.
func (e *Engine) Dial(ctx context.Context, number, campaign string) error {
	return e.do(ctx, "dial", func() error { return e.handleDial(number, campaign) })
}

// Cancel abandons an outbound attempt before it is answered.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.do(ctx, "cancel", e.handleCancel)
}

// Answer accepts the ringing inbound call.
func (e *Engine) Answer(ctx context.Context) error {
	return e.do(ctx, "answer", e.handleAnswer)
}

// Reject declines the ringing inbound call.
func (e *Engine) Reject(ctx context.Context) error {
	return e.do(ctx, "reject", e.handleReject)
}

// Hangup ends the call in any phase that has one.
func (e *Engine) Hangup(ctx context.Context) error {
	return e.do(ctx, "hangup", e.handleHangup)
}

// ToggleHold puts the call on hold or resumes it.
func (e *Engine) ToggleHold(ctx context.Context) error {
	return e.do(ctx, "toggle_hold", e.handleToggleHold)
}

// ReqUnHold guarantees the line is not left on hold.
func (e *Engine) ReqUnHold(ctx context.Context) error {
	return e.do(ctx, "unhold", e.handleUnHold)
}

// CreateConference dials number as a second leg and merges it on answer.
func (e *Engine) CreateConference(ctx context.Context, number string) error {
	return e.do(ctx, "conference", func() error { return e.handleConference(number) })
}

// CancelConference abandons the second leg, or drops it once merged.
func (e *Engine) CancelConference(ctx context.Context) error {
	return e.do(ctx, "cancel_conference", e.handleCancelConference)
}

// StartRecording starts server-side recording of the bridge.
func (e *Engine) StartRecording(ctx context.Context) error {
	return e.do(ctx, "start_recording", e.handleStartRecording)
}

// StopRecording stops server-side recording of the bridge.
func (e *Engine) StopRecording(ctx context.Context) error {
	return e.do(ctx, "stop_recording", e.handleStopRecording)
}

// Submit classifies the finished session. It returns after the backend
// accepted the classification.
func (e *Engine) Submit(ctx context.Context, d models.Disposition) error {
	return e.submit(ctx, "submit", func(reply chan<- error) { e.handleSubmit(d, reply) })
}

// SelectDevice switches the input or output device, including for the live
// session.
func (e *Engine) SelectDevice(ctx context.Context, kind device.Kind, id string) error {
	return e.do(ctx, "select_device", func() error { return e.handleSelectDevice(kind, id) })
}

// Incoming delivers an inbound INVITE.
func (e *Engine) Incoming(call IncomingCall) {
	e.post(func() { e.onIncoming(call) })
}

// RemoteHangup delivers a BYE for the leg with the given id.
func (e *Engine) RemoteHangup(legID string) {
	e.post(func() { e.onRemoteHangup(legID) })
}

// RemoteUpdate delivers the session description of a re-INVITE the remote
// party sent on the leg with the given id.
func (e *Engine) RemoteUpdate(legID string, sdp []byte) {
	e.post(func() { e.onRemoteUpdate(legID, sdp) })
}

// InviteCanceled delivers a CANCEL for a ringing inbound call.
func (e *Engine) InviteCanceled(callID string) {
	e.post(func() { e.onInviteCanceled(callID) })
}

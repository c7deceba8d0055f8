package callctl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowpbx/agentphone/internal/database/models"
	"github.com/flowpbx/agentphone/internal/device"
)

func (e *Engine) handleDial(number, campaign string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return e.reject(&Error{Kind: KindInvalidArgument, Msg: "number is required"})
	}
	switch {
	case e.phase.Terminal():
		return e.reject(&Error{Kind: KindGateOpen, Msg: "classify the previous call before dialing"})
	case e.phase != PhaseIdle:
		return e.reject(&Error{Kind: KindLineBusy, Msg: "a call is already in progress"})
	}
	if campaign == "" {
		campaign = e.opts.Campaign
	}

	e.sess = &Session{
		ID:        newSessionID(),
		Direction: models.DirectionOutbound,
		Number:    number,
		Campaign:  campaign,
		StartedAt: e.opts.Now(),
	}
	e.media = e.deps.Media(e.sess.ID)
	ms := e.media

	op, ctx := e.beginOp(opDial)
	opID := op.id
	e.setPhase(PhaseDialing)
	e.dialTimer = e.afterFunc(e.opts.DialTimeout, func() { e.onDialTimeout(opID) })

	e.logger.Info("dialing", "dialog_id", e.sess.ID, "number", number, "campaign", campaign)
	e.spawn(func() {
		leg, err := e.dialLeg(ctx, ms, LegPrimary, number, func(p Progress) {
			if p == ProgressRinging {
				e.post(func() { e.onRemoteRinging(opID) })
			}
		})
		e.post(func() { e.onDialResult(opID, ms, leg, err) })
	})
	e.publish()
	return nil
}

// dialLeg acquires media for key and places the call.
func (e *Engine) dialLeg(ctx context.Context, ms MediaSession, key, number string, progress func(Progress)) (Leg, error) {
	offer, err := ms.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.deps.Signaling.Dial(ctx, number, offer, progress)
}

func (e *Engine) onRemoteRinging(opID uint64) {
	if !e.current(opID) || e.phase != PhaseDialing {
		return
	}
	if e.dialTimer != nil {
		e.dialTimer.Stop()
	}
	e.dialTimer = e.afterFunc(e.opts.AnswerTimeout, func() { e.onDialTimeout(opID) })
	e.setPhase(PhaseRingingRemote)
	e.publish()
}

func (e *Engine) onDialTimeout(opID uint64) {
	if !e.current(opID) {
		return
	}
	cause, msg := "timeout", "no response from the network"
	if e.phase == PhaseRingingRemote {
		cause, msg = "no_answer", "no answer"
	}
	e.failOutbound(cause, &Error{Kind: KindDialRejected, Msg: msg})
}

func (e *Engine) onDialResult(opID uint64, ms MediaSession, leg Leg, err error) {
	if !e.current(opID) {
		if leg != nil {
			e.logger.Info("hanging up abandoned leg", "leg", leg.ID())
			e.hangupLeg(leg)
		}
		return
	}
	e.endOp()
	e.stopTimers()

	if err != nil {
		switch {
		case errors.Is(err, device.ErrPermissionDenied):
			ms.Release()
			e.media = nil
			e.sess = nil
			e.setPhase(PhaseIdle)
			e.publish()
			e.notify(KindMediaPermissionDenied, SeverityError, true, "microphone access denied")
		case errors.Is(err, ErrSignalingUnavailable):
			e.failOutbound("signaling_unavailable", err)
		default:
			code := statusCode(err)
			cause := "failed"
			if code != 0 {
				cause = fmt.Sprintf("rejected_%d", code)
			}
			e.failOutbound(cause, &Error{Kind: KindDialRejected, Msg: "call to " + e.sess.Number + " failed", Code: code, Err: err})
		}
		return
	}

	now := e.opts.Now()
	e.primary = leg
	e.sess.AnsweredAt = now
	if id := leg.BridgeID(); id != "" {
		e.sess.BridgeID = id
	}
	e.timer.Start(now)
	if err := ms.Connect(LegPrimary, leg.RemoteSDP()); err != nil {
		e.logger.Warn("connecting media", "dialog_id", e.sess.ID, "error", err)
	}
	e.logger.Info("call answered", "dialog_id", e.sess.ID, "leg", leg.ID(), "bridge_id", e.sess.BridgeID)
	e.setPhase(PhaseActive)
	e.publish()
}

// failOutbound ends an unanswered attempt through failed into disposition.
func (e *Engine) failOutbound(cause string, err error) {
	e.abortOps()
	e.setPhase(PhaseFailed)
	e.publish()

	kind := KindOf(err)
	persistent := kind == KindSignalingUnavailable
	e.notify(kind, SeverityWarning, persistent, err.Error())
	e.enterDisposition(cause)
}

func (e *Engine) handleCancel() error {
	if !e.phase.Outbound() {
		return e.reject(phaseError("cancel", e.phase))
	}
	e.logger.Info("dial canceled", "dialog_id", e.sess.ID)
	e.enterDisposition("canceled")
	return nil
}

func (e *Engine) onIncoming(call IncomingCall) {
	if call.Campaign == "" {
		call.Campaign = e.opts.Campaign
	}
	if call.ReceivedAt.IsZero() {
		call.ReceivedAt = e.opts.Now()
	}

	if e.phase != PhaseIdle {
		e.logger.Info("line busy, rejecting inbound call",
			"call_id", call.ID,
			"number", call.Number,
			"phase", string(e.phase),
		)
		e.rejectIncoming(call, 486)
		e.recordMissed(call, "busy")
		return
	}

	e.incoming = &call
	e.sess = &Session{
		ID:        call.ID,
		Direction: models.DirectionInbound,
		Number:    call.Number,
		Name:      call.Name,
		Campaign:  call.Campaign,
		StartedAt: call.ReceivedAt,
		BridgeID:  call.BridgeID,
	}
	if e.deps.Queue != nil {
		e.deps.Queue.Arrived(models.QueueEntry{Number: call.Number, Campaign: call.Campaign, ArrivedAt: call.ReceivedAt})
	}

	id := call.ID
	e.ringTimer = e.afterFunc(e.opts.RingTimeout, func() { e.onRingTimeout(id) })
	e.logger.Info("incoming call", "call_id", call.ID, "number", call.Number, "campaign", call.Campaign)
	e.setPhase(PhaseRingingLocal)
	e.publish()
}

func (e *Engine) handleAnswer() error {
	if e.phase != PhaseRingingLocal {
		return e.reject(phaseError("answer", e.phase))
	}
	if e.op != nil {
		return e.reject(&Error{Kind: KindInFlight, Msg: "already answering"})
	}

	call := *e.incoming
	e.media = e.deps.Media(e.sess.ID)
	ms := e.media
	op, ctx := e.beginOp(opAnswer)
	opID := op.id

	e.spawn(func() {
		leg, err := e.accept(ctx, ms, call)
		e.post(func() { e.onAnswerResult(opID, ms, call, leg, err) })
	})
	e.publish()
	return nil
}

func (e *Engine) accept(ctx context.Context, ms MediaSession, call IncomingCall) (Leg, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	if _, err := ms.Open(ctx, LegPrimary); err != nil {
		return nil, err
	}
	if err := ms.Connect(LegPrimary, call.Offer); err != nil {
		return nil, fmt.Errorf("negotiating media: %w", err)
	}
	answer, err := ms.LocalSDP(LegPrimary, false)
	if err != nil {
		return nil, err
	}
	return e.deps.Signaling.Accept(ctx, call, answer)
}

func (e *Engine) onAnswerResult(opID uint64, ms MediaSession, call IncomingCall, leg Leg, err error) {
	if !e.current(opID) {
		if leg != nil {
			e.hangupLeg(leg)
		}
		return
	}
	e.endOp()
	e.stopTimers()
	e.dequeue(call.Number)

	if err != nil {
		ms.Release()
		e.media = nil
		e.clearSession()
		e.setPhase(PhaseIdle)
		e.publish()
		if errors.Is(err, device.ErrPermissionDenied) {
			e.rejectIncoming(call, 480)
			e.notify(KindMediaPermissionDenied, SeverityError, true, "microphone access denied")
			return
		}
		e.notify(KindSignalingUnavailable, SeverityWarning, false, "answering call failed: "+err.Error())
		return
	}

	now := e.opts.Now()
	e.primary = leg
	e.incoming = nil
	e.sess.AnsweredAt = now
	if id := leg.BridgeID(); id != "" {
		e.sess.BridgeID = id
	}
	e.timer.Start(now)
	e.logger.Info("call answered", "dialog_id", e.sess.ID, "bridge_id", e.sess.BridgeID)
	e.setPhase(PhaseActive)
	e.publish()
}

func (e *Engine) handleReject() error {
	if e.phase != PhaseRingingLocal {
		return e.reject(phaseError("reject", e.phase))
	}
	if e.op != nil {
		return e.reject(&Error{Kind: KindInFlight, Msg: "answer in progress"})
	}
	call := *e.incoming
	e.logger.Info("rejecting call", "call_id", call.ID)
	e.stopTimers()
	e.rejectIncoming(call, 603)
	e.dequeue(call.Number)
	e.clearSession()
	e.setPhase(PhaseIdle)
	e.publish()
	return nil
}

func (e *Engine) onRingTimeout(callID string) {
	if e.phase != PhaseRingingLocal || e.incoming == nil || e.incoming.ID != callID {
		return
	}
	if e.op != nil {
		// The answer round trip decides.
		return
	}
	call := *e.incoming
	e.logger.Info("inbound call rang out", "call_id", call.ID)
	e.stopTimers()
	e.rejectIncoming(call, 480)
	e.recordMissed(call, "timeout")
	e.dequeue(call.Number)
	e.clearSession()
	e.setPhase(PhaseIdle)
	e.publish()
}

func (e *Engine) onInviteCanceled(callID string) {
	if e.incoming == nil || e.incoming.ID != callID {
		return
	}
	call := *e.incoming
	e.logger.Info("caller canceled", "call_id", call.ID)
	e.abortOps()
	e.stopTimers()
	if e.media != nil {
		e.media.Release()
		e.media = nil
	}
	e.recordMissed(call, "canceled")
	e.dequeue(call.Number)
	e.clearSession()
	e.setPhase(PhaseIdle)
	e.publish()
}

func (e *Engine) handleHangup() error {
	switch {
	case e.phase.Outbound():
		return e.handleCancel()
	case e.phase == PhaseRingingLocal:
		return e.handleReject()
	case e.phase.InCall():
		e.logger.Info("hanging up", "dialog_id", e.sess.ID)
		e.enterDisposition("local_hangup")
		return nil
	default:
		return e.reject(phaseError("hangup", e.phase))
	}
}

func (e *Engine) onRemoteHangup(legID string) {
	if e.conf != nil && e.conf.leg != nil && e.conf.leg.ID() == legID {
		e.logger.Info("conference party hung up", "leg", legID)
		if e.media != nil {
			e.media.CloseLeg(LegConference)
		}
		e.conf = nil
		if e.phase == PhaseConference {
			e.setPhase(PhaseActive)
		}
		e.publish()
		e.notify(KindConferenceMergeFailed, SeverityInfo, false, "conference party left the call")
		return
	}
	if e.primary == nil || e.primary.ID() != legID {
		e.logger.Debug("BYE for unknown leg", "leg", legID)
		return
	}
	e.logger.Info("remote hangup", "dialog_id", e.sess.ID, "phase", string(e.phase))
	e.primary = nil
	e.enterDisposition("remote_bye")
}

func (e *Engine) onRemoteUpdate(legID string, sdp []byte) {
	if e.media == nil || len(sdp) == 0 {
		return
	}
	var key string
	switch {
	case e.primary != nil && e.primary.ID() == legID:
		key = LegPrimary
	case e.conf != nil && e.conf.leg != nil && e.conf.leg.ID() == legID:
		key = LegConference
	default:
		e.logger.Debug("re-INVITE for unknown leg", "leg", legID)
		return
	}
	if err := e.media.Connect(key, sdp); err != nil {
		e.logger.Warn("applying remote session update", "leg", legID, "error", err)
	}
}

func (e *Engine) handleSelectDevice(kind device.Kind, id string) error {
	if e.deps.Devices != nil {
		if err := e.deps.Devices.Select(kind, id); err != nil {
			return e.reject(&Error{Kind: KindInvalidArgument, Msg: "selecting device", Err: err})
		}
	}
	if e.media == nil {
		return nil
	}
	ms := e.media
	e.spawn(func() {
		ctx, cancel := e.opContext()
		defer cancel()
		if err := ms.SwitchDevice(ctx, kind, id); err != nil {
			e.post(func() { e.onSwitchFailed(err) })
		}
	})
	return nil
}

func (e *Engine) onSwitchFailed(err error) {
	if errors.Is(err, device.ErrPermissionDenied) {
		e.notify(KindMediaPermissionDenied, SeverityError, true, "device access denied")
		return
	}
	e.notify(KindInvalidArgument, SeverityWarning, false, "switching device: "+err.Error())
}

func (e *Engine) rejectIncoming(call IncomingCall, code int) {
	e.spawn(func() {
		ctx, cancel := e.opContext()
		defer cancel()
		if err := e.deps.Signaling.Reject(ctx, call, code); err != nil {
			e.logger.Warn("rejecting call", "call_id", call.ID, "code", code, "error", err)
		}
	})
}

func (e *Engine) recordMissed(call IncomingCall, reason string) {
	if e.deps.Store == nil {
		return
	}
	m := &models.MissedCall{
		DialogID: call.ID,
		Number:   call.Number,
		Campaign: call.Campaign,
		Reason:   reason,
		At:       e.opts.Now(),
	}
	e.spawn(func() {
		ctx, cancel := e.opContext()
		defer cancel()
		if err := e.deps.Store.RecordMissed(ctx, m); err != nil {
			e.logger.Error("recording missed call", "call_id", m.DialogID, "error", err)
		}
	})
}

func (e *Engine) dequeue(number string) {
	if e.deps.Queue != nil {
		e.deps.Queue.Remove(number)
	}
}

// clearSession drops the live session without freezing it.
func (e *Engine) clearSession() {
	e.sess = nil
	e.incoming = nil
	e.primary = nil
	e.conf = nil
	e.recording = false
	e.recorded = false
	e.recStart = nil
	e.timer.Reset()
}

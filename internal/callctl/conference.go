package callctl

import (
	"context"
	"strings"
)

func (e *Engine) handleConference(number string) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return e.reject(&Error{Kind: KindInvalidArgument, Msg: "number is required"})
	}
	if e.phase != PhaseActive && e.phase != PhaseHeld {
		return e.reject(phaseError("conference", e.phase))
	}
	if e.op != nil {
		return e.reject(&Error{Kind: KindInFlight, Msg: string(e.op.kind) + " in progress"})
	}

	e.conf = &conference{number: number}
	ms := e.media
	op, ctx := e.beginOp(opConference)
	opID := op.id
	e.logger.Info("dialing conference party", "dialog_id", e.sess.ID, "number", number)
	e.spawn(func() {
		ctx, cancel := context.WithTimeout(ctx, e.opts.DialTimeout+e.opts.AnswerTimeout)
		defer cancel()
		leg, err := e.dialLeg(ctx, ms, LegConference, number, nil)
		e.post(func() { e.onConferenceResult(opID, ms, leg, err) })
	})
	e.publish()
	return nil
}

func (e *Engine) onConferenceResult(opID uint64, ms MediaSession, leg Leg, err error) {
	if !e.current(opID) {
		if leg != nil {
			e.hangupLeg(leg)
		}
		return
	}
	e.endOp()

	if err == nil {
		if err = ms.Connect(LegConference, leg.RemoteSDP()); err == nil {
			err = ms.Merge(LegPrimary, LegConference)
		}
		if err != nil {
			e.hangupLeg(leg)
		}
	}
	if err != nil {
		ms.CloseLeg(LegConference)
		number := e.conf.number
		e.conf = nil
		e.publish()
		fail := &Error{Kind: KindConferenceMergeFailed, Msg: "adding " + number + " failed", Code: statusCode(err), Err: err}
		e.notify(KindConferenceMergeFailed, SeverityWarning, false, fail.Error())
		return
	}

	e.conf.leg = leg
	wasHeld := e.phase == PhaseHeld
	e.logger.Info("conference merged", "dialog_id", e.sess.ID, "leg", leg.ID())
	e.setPhase(PhaseConference)
	if wasHeld {
		e.startHold(false)
		return
	}
	e.publish()
}

func (e *Engine) handleCancelConference() error {
	switch {
	case e.op != nil && e.op.kind == opConference:
		e.endOp()
		e.media.CloseLeg(LegConference)
		e.conf = nil
		e.publish()
		return nil
	case e.phase == PhaseConference && e.conf != nil:
		leg := e.conf.leg
		e.conf = nil
		e.media.CloseLeg(LegConference)
		e.hangupLeg(leg)
		e.setPhase(PhaseActive)
		e.publish()
		return nil
	default:
		return e.reject(phaseError("cancel conference", e.phase))
	}
}

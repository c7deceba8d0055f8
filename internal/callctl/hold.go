package callctl

import "context"

func (e *Engine) handleToggleHold() error {
	if e.phase != PhaseActive && e.phase != PhaseHeld {
		return e.reject(phaseError("hold", e.phase))
	}
	if e.op != nil {
		if e.op.kind == opHold {
			e.holdQueue++
			e.logger.Debug("hold toggle queued", "queued", e.holdQueue)
			return nil
		}
		return e.reject(&Error{Kind: KindInFlight, Msg: string(e.op.kind) + " in progress"})
	}
	e.startHold(e.phase == PhaseActive)
	return nil
}

func (e *Engine) handleUnHold() error {
	if e.op != nil && e.op.kind == opHold {
		e.forceResume = true
		e.holdQueue = 0
		return nil
	}
	if e.phase != PhaseHeld {
		return nil
	}
	if e.op != nil {
		return e.reject(&Error{Kind: KindInFlight, Msg: string(e.op.kind) + " in progress"})
	}
	e.startHold(false)
	return nil
}

// startHold re-negotiates the primary leg towards hold or resume.
func (e *Engine) startHold(hold bool) {
	ms, leg := e.media, e.primary
	op, ctx := e.beginOp(opHold)
	opID := op.id
	e.logger.Info("re-negotiating", "dialog_id", e.sess.ID, "hold", hold)
	e.spawn(func() {
		err := e.renegotiate(ctx, ms, leg, hold)
		e.post(func() { e.onHoldResult(opID, hold, err) })
	})
	e.publish()
}

func (e *Engine) renegotiate(ctx context.Context, ms MediaSession, leg Leg, hold bool) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()
	offer, err := ms.LocalSDP(LegPrimary, hold)
	if err != nil {
		return err
	}
	answer, err := leg.Renegotiate(ctx, offer)
	if err != nil {
		return err
	}
	return ms.Connect(LegPrimary, answer)
}

func (e *Engine) onHoldResult(opID uint64, hold bool, err error) {
	if !e.current(opID) {
		return
	}
	e.endOp()

	if err != nil {
		e.holdQueue = 0
		e.forceResume = false
		e.publish()
		verb := "resume"
		if hold {
			verb = "hold"
		}
		e.notify(KindSignalingUnavailable, SeverityWarning, false, verb+" failed: "+err.Error())
		return
	}

	e.media.Hold(LegPrimary, hold)
	if e.phase != PhaseConference {
		if hold {
			e.setPhase(PhaseHeld)
		} else {
			e.setPhase(PhaseActive)
		}
	}

	switch {
	case e.forceResume:
		e.forceResume = false
		e.holdQueue = 0
		if e.phase == PhaseHeld {
			e.startHold(false)
			return
		}
	case e.holdQueue > 0 && e.phase != PhaseConference:
		e.holdQueue--
		e.startHold(e.phase == PhaseActive)
		return
	}
	e.holdQueue = 0
	e.publish()
}

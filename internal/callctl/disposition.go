package callctl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowpbx/agentphone/internal/database/models"
)

// enterDisposition is the single exit of every session that reached the
// line: it tears down what is left, freezes the record and opens the gate.
// A primary leg still set is hung up; callers reacting to a remote BYE clear
// it first.
func (e *Engine) enterDisposition(cause string) {
	now := e.opts.Now()
	e.abortOps()
	e.stopTimers()
	e.timer.Stop(now)
	e.stopRecording()

	if e.conf != nil {
		e.hangupLeg(e.conf.leg)
		e.conf = nil
	}
	if e.primary != nil {
		e.hangupLeg(e.primary)
		e.primary = nil
	}
	if e.media != nil {
		e.media.Release()
		e.media = nil
	}

	rec := e.freeze(cause, now)
	e.frozen = rec
	e.incoming = nil
	e.recorded = false

	e.logger.Info("call ended",
		"dialog_id", rec.DialogID,
		"bridge_id", rec.BridgeID,
		"cause", cause,
		"duration", rec.Duration,
	)
	e.setPhase(PhaseDisposition)
	e.publish()

	e.saveDone = nil
	if e.deps.Store != nil {
		done := make(chan struct{})
		e.saveDone = done
		saved := *rec
		e.spawn(func() {
			defer close(done)
			ctx, cancel := e.opContext()
			defer cancel()
			if err := e.deps.Store.SaveCall(ctx, &saved); err != nil {
				e.logger.Error("saving call record", "dialog_id", saved.DialogID, "error", err)
			}
		})
	}
}

func (e *Engine) freeze(cause string, now time.Time) *models.CallLog {
	s := e.sess
	end := now
	rec := &models.CallLog{
		DialogID:    s.ID,
		BridgeID:    s.BridgeID,
		Direction:   s.Direction,
		Number:      s.Number,
		Campaign:    s.Campaign,
		StartTime:   s.StartedAt,
		EndTime:     &end,
		Duration:    int(e.timer.Elapsed(now) / time.Second),
		HangupCause: cause,
		Recorded:    e.recorded,
	}
	if !s.AnsweredAt.IsZero() {
		at := s.AnsweredAt
		rec.AnswerTime = &at
	}
	return rec
}

func (e *Engine) handleSubmit(d models.Disposition, reply chan<- error) {
	if e.phase != PhaseDisposition || e.frozen == nil {
		reply <- e.reject(phaseError("submit", e.phase))
		return
	}
	if e.op != nil {
		reply <- e.reject(&Error{Kind: KindInFlight, Msg: "submission in progress"})
		return
	}
	d.Outcome = strings.TrimSpace(d.Outcome)
	if d.Outcome == "" {
		reply <- e.reject(&Error{Kind: KindInvalidArgument, Msg: "outcome is required"})
		return
	}

	rec := *e.frozen
	op, ctx := e.beginOp(opSubmit)
	op.reply = reply
	opID := op.id
	saveDone := e.saveDone
	e.spawn(func() {
		err := e.submitDisposition(ctx, saveDone, rec, d)
		e.post(func() { e.onSubmitResult(opID, err) })
	})
	e.publish()
}

func (e *Engine) submitDisposition(ctx context.Context, saveDone <-chan struct{}, rec models.CallLog, d models.Disposition) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	defer cancel()

	if e.deps.Submitter != nil {
		if err := e.deps.Submitter.SubmitDisposition(ctx, rec, d); err != nil {
			return fmt.Errorf("submitting disposition: %w", err)
		}
	}
	if e.deps.Store == nil {
		return nil
	}
	if saveDone != nil {
		select {
		case <-saveDone:
		case <-ctx.Done():
			return nil
		}
	}
	if err := e.deps.Store.CompleteCall(ctx, rec.DialogID, d, e.opts.Now()); err != nil {
		e.logger.Error("completing call record", "dialog_id", rec.DialogID, "error", err)
	}
	return nil
}

func (e *Engine) onSubmitResult(opID uint64, err error) {
	if !e.current(opID) {
		return
	}
	reply := e.op.reply
	e.endOp()

	if err != nil {
		e.publish()
		e.notify(KindBackendFailure, SeverityWarning, false, err.Error())
		reply <- &Error{Kind: KindBackendFailure, Msg: "backend rejected the disposition", Code: statusCode(err), Err: err}
		return
	}

	e.logger.Info("disposition submitted", "dialog_id", e.frozen.DialogID)
	e.frozen = nil
	e.saveDone = nil
	e.sess = nil
	e.timer.Reset()
	e.setPhase(PhaseIdle)
	e.publish()
	reply <- nil
}

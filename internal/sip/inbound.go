package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/agentphone/internal/callctl"
)

// ErrNotPending is returned by Accept and Reject when the INVITE was
// already answered, cancelled or timed out.
var ErrNotPending = errors.New("call is no longer ringing")

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}
	logger := u.logger.With("call_id", callID)

	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			u.onReinvite(req, tx, callID)
			return
		}
	}

	u.mu.Lock()
	_, dup := u.pending[callID]
	u.mu.Unlock()
	if dup {
		// Retransmission; the transaction layer already replays our response.
		return
	}

	p := &pendingInvite{
		req:   req,
		tx:    tx,
		toTag: sip.GenerateTagN(16),
		call:  incomingFromRequest(req, time.Now()),
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		logger.Error("failed to send 100 trying", "error", err)
		return
	}

	h := u.getHandler()
	if h == nil {
		logger.Warn("inbound call refused, no handler")
		u.respond(p, 480, "Temporarily Unavailable", nil)
		return
	}

	u.mu.Lock()
	u.pending[callID] = p
	u.mu.Unlock()

	u.respond(p, 180, "Ringing", nil)
	logger.Info("incoming call", "number", p.call.Number, "campaign", p.call.Campaign)

	h.Incoming(p.call)
	go u.watchPending(p)
}

// watchPending reports an INVITE whose transaction ended while it was
// still pending, which happens when the transaction layer absorbs a CANCEL
// or the caller gives up.
func (u *UA) watchPending(p *pendingInvite) {
	<-p.tx.Done()
	if !u.takePending(p.call.ID, p) {
		return
	}
	u.logger.Info("incoming call ended before answer", "call_id", p.call.ID)
	if h := u.getHandler(); h != nil {
		h.InviteCanceled(p.call.ID)
	}
}

// onReinvite answers an in-dialog INVITE with the last local description
// and hands the new remote description to the handler.
func (u *UA) onReinvite(req *sip.Request, tx sip.ServerTransaction, callID string) {
	res, leg := u.reinviteResponse(req, callID)
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to answer re-invite", "call_id", callID, "error", err)
		return
	}
	if leg == nil || len(req.Body()) == 0 {
		return
	}
	if h := u.getHandler(); h != nil {
		h.RemoteUpdate(callID, req.Body())
	}
}

// reinviteResponse builds the final response to an in-dialog INVITE. The
// leg is returned only when the offer was accepted. An offer that crosses
// our own re-INVITE gets 491 and the remote retries after its back-off.
func (u *UA) reinviteResponse(req *sip.Request, callID string) (*sip.Response, *Leg) {
	u.mu.Lock()
	leg := u.legs[callID]
	u.mu.Unlock()
	if leg == nil {
		return sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil), nil
	}
	if leg.renegotiating() {
		u.logger.Info("re-invite glare", "call_id", callID)
		return sip.NewResponseFromRequest(req, 491, "Request Pending", nil), nil
	}

	leg.setRemoteSDP(req.Body())
	res := sip.NewResponseFromRequest(req, 200, "OK", leg.lastLocalSDP())
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(u.contactHeader())
	return res, leg
}

// Accept answers a ringing call with answer and returns the dialog.
func (u *UA) Accept(ctx context.Context, call callctl.IncomingCall, answer []byte) (callctl.Leg, error) {
	u.mu.Lock()
	p := u.pending[call.ID]
	u.mu.Unlock()
	if p == nil || !u.takePending(call.ID, p) {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, call.ID)
	}

	if err := ctx.Err(); err != nil {
		u.respond(p, 480, "Temporarily Unavailable", nil)
		return nil, err
	}

	leg := newInboundLeg(u, p, answer)
	u.mu.Lock()
	u.legs[leg.callID] = leg
	u.mu.Unlock()

	if err := u.respond(p, 200, "OK", answer); err != nil {
		u.mu.Lock()
		delete(u.legs, leg.callID)
		u.mu.Unlock()
		return nil, fmt.Errorf("%w: answering call: %v", callctl.ErrSignalingUnavailable, err)
	}

	u.logger.Info("call answered", "call_id", call.ID, "bridge_id", leg.bridgeID)
	return leg, nil
}

// Reject refuses a ringing call with a final status code.
func (u *UA) Reject(_ context.Context, call callctl.IncomingCall, code int) error {
	u.mu.Lock()
	p := u.pending[call.ID]
	u.mu.Unlock()
	if p == nil || !u.takePending(call.ID, p) {
		return fmt.Errorf("%w: %s", ErrNotPending, call.ID)
	}
	if code < 300 || code > 699 {
		code = 603
	}
	if err := u.respond(p, code, reasonPhrase(code), nil); err != nil {
		return fmt.Errorf("rejecting call: %w", err)
	}
	u.logger.Info("call rejected", "call_id", call.ID, "code", code)
	return nil
}

func (u *UA) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	u.mu.Lock()
	p := u.pending[callID]
	u.mu.Unlock()

	if p == nil || !u.takePending(callID, p) {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		u.logger.Error("failed to answer cancel", "call_id", callID, "error", err)
	}
	u.respond(p, 487, "Request Terminated", nil)

	u.logger.Info("incoming call cancelled", "call_id", callID)
	if h := u.getHandler(); h != nil {
		h.InviteCanceled(callID)
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	u.mu.Lock()
	leg := u.legs[callID]
	u.mu.Unlock()

	if leg == nil || !leg.end() {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		u.logger.Error("failed to answer bye", "call_id", callID, "error", err)
	}

	u.logger.Info("remote hung up", "call_id", callID)
	if h := u.getHandler(); h != nil {
		h.RemoteHangup(callID)
	}
}

func (u *UA) onAck(req *sip.Request, _ sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		u.logger.Debug("ack received", "call_id", cid.Value())
	}
}

func (u *UA) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		u.logger.Error("failed to answer options", "error", err)
	}
}

// takePending removes p from the pending set and reports whether it was
// still there.
func (u *UA) takePending(callID string, p *pendingInvite) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pending[callID] != p {
		return false
	}
	delete(u.pending, callID)
	return true
}

// respond sends a response to a pending INVITE. Every response after 100
// carries the same To tag so the dialog is stable.
func (u *UA) respond(p *pendingInvite, code int, reason string, body []byte) error {
	res := sip.NewResponseFromRequest(p.req, code, reason, body)
	if to := p.req.To(); to != nil {
		res.RemoveHeader("To")
		tagged := &sip.ToHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone()}
		tagged.Params.Add("tag", p.toTag)
		res.AppendHeader(tagged)
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	if code >= 200 && code < 300 {
		res.AppendHeader(u.contactHeader())
	}
	if err := p.tx.Respond(res); err != nil {
		u.logger.Error("failed to send response", "call_id", p.call.ID, "code", code, "error", err)
		return err
	}
	return nil
}

// incomingFromRequest extracts the caller and routing hints from an INVITE.
func incomingFromRequest(req *sip.Request, at time.Time) callctl.IncomingCall {
	call := callctl.IncomingCall{
		Offer:      req.Body(),
		ReceivedAt: at,
	}
	if cid := req.CallID(); cid != nil {
		call.ID = cid.Value()
	}
	if from := req.From(); from != nil {
		call.Number = from.Address.User
		call.Name = from.DisplayName
	}
	if h := req.GetHeader(headerCampaign); h != nil {
		call.Campaign = h.Value()
	}
	call.BridgeID = bridgeIDOf(req, nil, call.ID)
	return call
}

func reasonPhrase(code int) string {
	switch code {
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 480:
		return "Temporarily Unavailable"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 491:
		return "Request Pending"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	default:
		return "Rejected"
	}
}

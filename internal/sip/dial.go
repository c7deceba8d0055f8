package sip

import (
	"context"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/flowpbx/agentphone/internal/callctl"
)

const (
	headerBridgeID = "X-Bridge-ID"
	headerCampaign = "X-Campaign"

	cancelTimeout = 5 * time.Second
)

// StatusError is a final non-2xx response to a request.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("sip status %d", e.Code)
	}
	return fmt.Sprintf("sip status %d %s", e.Code, e.Reason)
}

// StatusCode returns the SIP status code.
func (e *StatusError) StatusCode() int { return e.Code }

// Dial places a call to number and blocks until it is answered or fails.
// Cancelling ctx sends CANCEL for the pending INVITE.
func (u *UA) Dial(ctx context.Context, number string, offer []byte, progress func(callctl.Progress)) (callctl.Leg, error) {
	target := sip.Uri{Scheme: "sip", User: number, Host: u.opts.Domain}

	req := sip.NewRequest(sip.INVITE, target)
	u.prepare(req)

	from := &sip.FromHeader{DisplayName: u.opts.DisplayName, Address: u.aor()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target})

	callID := sip.CallIDHeader(uuid.NewString())
	req.AppendHeader(&callID)
	req.AppendHeader(u.contactHeader())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	logger := u.logger.With("call_id", string(callID), "number", number)
	logger.Info("dialing")

	tx, err := u.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("%w: sending invite: %v", callctl.ErrSignalingUnavailable, err)
	}

	res, err := u.awaitFinal(ctx, tx, progress)
	if err != nil {
		tx.Terminate()
		if ctx.Err() != nil {
			u.sendCancel(req)
		}
		return nil, err
	}
	tx.Terminate()

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := u.authorize(req, res)
		if err != nil {
			return nil, err
		}
		tx2, err := u.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: sending authenticated invite: %v", callctl.ErrSignalingUnavailable, err)
		}
		res, err = u.awaitFinal(ctx, tx2, progress)
		if err != nil {
			tx2.Terminate()
			if ctx.Err() != nil {
				u.sendCancel(authReq)
			}
			return nil, err
		}
		tx2.Terminate()
		req = authReq
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		logger.Info("dial failed", "status", res.StatusCode, "reason", res.Reason)
		return nil, &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}

	if err := u.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		logger.Warn("failed to send ack for 2xx", "error", err)
	}

	leg := newOutboundLeg(u, req, res)
	u.mu.Lock()
	u.legs[leg.callID] = leg
	u.mu.Unlock()

	logger.Info("call answered", "bridge_id", leg.bridgeID)
	return leg, nil
}

// awaitFinal collects provisional responses until a final one arrives.
func (u *UA) awaitFinal(ctx context.Context, tx sip.ClientTransaction, progress func(callctl.Progress)) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, transactionError(tx.Err())
		case res := <-tx.Responses():
			if res.StatusCode >= 200 {
				return res, nil
			}
			if progress == nil {
				continue
			}
			switch res.StatusCode {
			case 100:
				progress(callctl.ProgressTrying)
			case 180, 183:
				progress(callctl.ProgressRinging)
			}
		}
	}
}

// sendCancel cancels a pending INVITE. The CANCEL reuses the INVITE's top
// Via so the remote can match it to the transaction.
func (u *UA) sendCancel(invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	cancelReq := newCancelRequest(invite)
	tx, err := u.client.TransactionRequest(ctx, cancelReq, keepHeaders)
	if err != nil {
		u.logger.Warn("failed to send cancel", "error", err)
		return
	}
	defer tx.Terminate()

	if _, err := getResponse(ctx, tx); err != nil {
		u.logger.Debug("no response to cancel", "error", err)
	}
}

// keepHeaders sends a request exactly as built.
func keepHeaders(_ *sipgo.Client, _ *sip.Request) error { return nil }

func newCancelRequest(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	req.SetTransport(invite.Transport())
	req.SetDestination(invite.Destination())

	if via := invite.Via(); via != nil {
		req.AppendHeader(sip.HeaderClone(via))
	}
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	sip.CopyHeaders("Route", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	return req
}

// buildACKFor2xx constructs the ACK for a 2xx response to an INVITE. The
// ACK is a separate transaction sent to the remote target from Contact.
func buildACKFor2xx(inv *sip.Request, res *sip.Response) *sip.Request {
	recipient := inv.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SetTransport(inv.Transport())
	ack.SetDestination(inv.Destination())

	mf := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&mf)
	sip.CopyHeaders("From", inv, ack)
	if to := res.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	}
	sip.CopyHeaders("Call-ID", inv, ack)
	sip.CopyHeaders("Route", inv, ack)
	if cseq := inv.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	return ack
}

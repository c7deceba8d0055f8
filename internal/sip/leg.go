package sip

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// ErrDialogEnded is returned by in-dialog requests after the dialog ended.
var ErrDialogEnded = errors.New("dialog ended")

// Leg is an established dialog. It builds in-dialog requests from the
// dialog state: local and remote URIs with their tags, the remote target
// and the local CSeq.
type Leg struct {
	ua       *UA
	callID   string
	bridgeID string
	inbound  bool

	localURI     sip.Uri
	localTag     string
	remoteURI    sip.Uri
	remoteTag    string
	remoteTarget sip.Uri
	routes       []sip.Header

	mu        sync.Mutex
	cseq      uint32
	remoteSDP []byte
	localSDP  []byte
	ended     bool
	// reinvite is set while our own re-INVITE awaits its final response.
	reinvite bool
}

func newOutboundLeg(u *UA, inv *sip.Request, res *sip.Response) *Leg {
	l := &Leg{
		ua:           u,
		remoteTarget: *inv.Recipient.Clone(),
		remoteSDP:    res.Body(),
		localSDP:     inv.Body(),
	}
	if cid := inv.CallID(); cid != nil {
		l.callID = cid.Value()
	}
	if from := inv.From(); from != nil {
		l.localURI = *from.Address.Clone()
		l.localTag, _ = from.Params.Get("tag")
	}
	if to := res.To(); to != nil {
		l.remoteURI = *to.Address.Clone()
		l.remoteTag, _ = to.Params.Get("tag")
	}
	if contact := res.Contact(); contact != nil {
		l.remoteTarget = *contact.Address.Clone()
	}
	if cseq := inv.CSeq(); cseq != nil {
		l.cseq = cseq.SeqNo
	}
	// Record-Route in the 2xx is reversed to form the caller's route set.
	rr := res.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		l.routes = append(l.routes, sip.NewHeader("Route", rr[i].Value()))
	}
	l.bridgeID = bridgeIDOf(inv, res, l.callID)
	return l
}

func newInboundLeg(u *UA, p *pendingInvite, answer []byte) *Leg {
	req := p.req
	l := &Leg{
		ua:        u,
		callID:    p.call.ID,
		bridgeID:  p.call.BridgeID,
		inbound:   true,
		localTag:  p.toTag,
		remoteSDP: req.Body(),
		localSDP:  answer,
	}
	if to := req.To(); to != nil {
		l.localURI = *to.Address.Clone()
	}
	if from := req.From(); from != nil {
		l.remoteURI = *from.Address.Clone()
		l.remoteTag, _ = from.Params.Get("tag")
		l.remoteTarget = *from.Address.Clone()
	}
	if contact := req.Contact(); contact != nil {
		l.remoteTarget = *contact.Address.Clone()
	}
	// The callee keeps Record-Route in order.
	for _, h := range req.GetHeaders("Record-Route") {
		l.routes = append(l.routes, sip.NewHeader("Route", h.Value()))
	}
	return l
}

// bridgeIDOf returns the media server bridge id advertised by the PBX,
// falling back to the Call-ID.
func bridgeIDOf(req *sip.Request, res *sip.Response, callID string) string {
	if res != nil {
		if h := res.GetHeader(headerBridgeID); h != nil && h.Value() != "" {
			return h.Value()
		}
	}
	if req != nil {
		if h := req.GetHeader(headerBridgeID); h != nil && h.Value() != "" {
			return h.Value()
		}
	}
	return callID
}

// ID returns the dialog's Call-ID.
func (l *Leg) ID() string { return l.callID }

// BridgeID returns the media server bridge the dialog is attached to.
func (l *Leg) BridgeID() string { return l.bridgeID }

// RemoteSDP returns the latest session description from the remote party.
func (l *Leg) RemoteSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSDP
}

func (l *Leg) lastLocalSDP() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSDP
}

func (l *Leg) renegotiating() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reinvite
}

func (l *Leg) setRemoteSDP(sdp []byte) {
	if len(sdp) == 0 {
		return
	}
	l.mu.Lock()
	l.remoteSDP = sdp
	l.mu.Unlock()
}

// Renegotiate sends a re-INVITE carrying offer and returns the answer.
func (l *Leg) Renegotiate(ctx context.Context, offer []byte) ([]byte, error) {
	req, err := l.newRequest(sip.INVITE)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(l.ua.contactHeader())
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(offer)

	l.mu.Lock()
	l.reinvite = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.reinvite = false
		l.mu.Unlock()
	}()

	res, req, err := l.transact(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("re-invite: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}

	if err := l.ua.client.WriteRequest(buildACKFor2xx(req, res)); err != nil {
		l.ua.logger.Warn("failed to send ack for re-invite", "call_id", l.callID, "error", err)
	}

	l.mu.Lock()
	l.localSDP = offer
	if len(res.Body()) > 0 {
		l.remoteSDP = res.Body()
	}
	answer := l.remoteSDP
	l.mu.Unlock()
	return answer, nil
}

// Hangup sends BYE and forgets the dialog. It is a no-op once the dialog
// ended, including when the remote hung up first.
func (l *Leg) Hangup(ctx context.Context) error {
	if !l.end() {
		return nil
	}

	req, err := l.newRequest(sip.BYE)
	if err != nil {
		return err
	}
	res, _, err := l.transact(ctx, req)
	if err != nil {
		return fmt.Errorf("bye: %w", err)
	}
	if res.StatusCode >= 300 && res.StatusCode != 481 {
		return &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}
	l.ua.logger.Info("call hung up", "call_id", l.callID)
	return nil
}

// end marks the dialog ended and reports whether this call ended it.
func (l *Leg) end() bool {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		return false
	}
	l.ended = true
	l.mu.Unlock()

	l.ua.mu.Lock()
	if l.ua.legs[l.callID] == l {
		delete(l.ua.legs, l.callID)
	}
	l.ua.mu.Unlock()
	return true
}

// newRequest builds an in-dialog request with the next local CSeq.
func (l *Leg) newRequest(method sip.RequestMethod) (*sip.Request, error) {
	l.mu.Lock()
	if l.ended && method != sip.BYE {
		l.mu.Unlock()
		return nil, ErrDialogEnded
	}
	l.cseq++
	seq := l.cseq
	l.mu.Unlock()

	req := sip.NewRequest(method, *l.remoteTarget.Clone())
	l.ua.prepare(req)

	for _, r := range l.routes {
		req.AppendHeader(sip.HeaderClone(r))
	}

	from := &sip.FromHeader{Address: *l.localURI.Clone()}
	from.Params.Add("tag", l.localTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: *l.remoteURI.Clone()}
	if l.remoteTag != "" {
		to.Params.Add("tag", l.remoteTag)
	}
	req.AppendHeader(to)

	callID := sip.CallIDHeader(l.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	mf := sip.MaxForwardsHeader(70)
	req.AppendHeader(&mf)
	return req, nil
}

// transact sends req, answers one auth challenge, and returns the final
// response together with the request that produced it.
func (l *Leg) transact(ctx context.Context, req *sip.Request) (*sip.Response, *sip.Request, error) {
	tx, err := l.ua.client.TransactionRequest(ctx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, req, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	res, err := l.ua.awaitFinal(ctx, tx, nil)
	tx.Terminate()
	if err != nil {
		return nil, req, err
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := l.ua.authorize(req, res)
		if err != nil {
			return nil, req, err
		}
		l.mu.Lock()
		l.cseq++
		l.mu.Unlock()
		tx2, err := l.ua.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return nil, authReq, fmt.Errorf("sending authenticated %s: %w", req.Method, err)
		}
		res, err = l.ua.awaitFinal(ctx, tx2, nil)
		tx2.Terminate()
		if err != nil {
			return nil, authReq, err
		}
		req = authReq
	}
	return res, req, nil
}

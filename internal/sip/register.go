package sip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/flowpbx/agentphone/internal/callctl"
	"github.com/flowpbx/agentphone/internal/transport"
)

// Register binds the account's contact at the registrar for expiry seconds
// and returns the expiry the registrar granted. Expiry 0 unregisters.
func (u *UA) Register(ctx context.Context, expiry int) (int, error) {
	aor := u.aor()

	req := sip.NewRequest(sip.REGISTER, *u.registrar.Clone())
	u.prepare(req)

	from := &sip.FromHeader{DisplayName: u.opts.DisplayName, Address: aor}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: aor})

	contact := u.contactHeader()
	if expiry == 0 {
		contact.Params.Add("expires", "0")
	}
	req.AppendHeader(contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := u.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("%w: sending register: %v", callctl.ErrSignalingUnavailable, err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := u.authorize(req, res)
		if err != nil {
			return 0, err
		}
		tx2, err := u.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: sending authenticated register: %v", callctl.ErrSignalingUnavailable, err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}
	if expiry == 0 {
		return 0, nil
	}

	// The registrar may shorten the requested expiry.
	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}

	u.logger.Debug("registered", "aor", aor.String(), "expiry", granted)
	return granted, nil
}

// Keepalive sends an OPTIONS ping to the registrar.
func (u *UA) Keepalive(ctx context.Context) error {
	req := sip.NewRequest(sip.OPTIONS, *u.registrar.Clone())
	u.prepare(req)

	tx, err := u.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("%w: sending options: %v", callctl.ErrSignalingUnavailable, err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	// Any final response proves the path is alive; some registrars answer
	// OPTIONS from unknown dialogs with 4xx.
	if res.StatusCode >= 500 {
		return &StatusError{Code: res.StatusCode, Reason: res.Reason}
	}
	return nil
}

// authorize answers a 401/407 challenge on req with a digest credential.
// The returned request has no Via so the client adds a fresh branch.
func (u *UA) authorize(req *sip.Request, res *sip.Response) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	challenge := res.GetHeader(authHeader)
	if challenge == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(challenge.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: u.opts.AuthUser,
		Password: u.opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// getResponse waits for the first response from a SIP client transaction.
// A transaction that ends without a response is reported as a timeout.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, transactionError(tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

func transactionError(err error) error {
	if err == nil {
		err = errors.New("transaction terminated")
	}
	return fmt.Errorf("%w: %v", transport.ErrTimeout, err)
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/agentphone/internal/callctl"
)

const userAgent = "agentphone"

// Handler receives dialog events that originate on the network side.
type Handler interface {
	Incoming(call callctl.IncomingCall)
	RemoteHangup(legID string)
	RemoteUpdate(legID string, sdp []byte)
	InviteCanceled(callID string)
}

// Options describe the SIP account and transport.
type Options struct {
	Registrar   string // sip:host[:port]
	Proxy       string // host:port every request is sent to
	Transport   string // ws, wss, udp or tcp
	Username    string
	AuthUser    string
	Password    string
	Domain      string
	DisplayName string
	ListenAddr  string // optional udp/tcp listener for inbound requests
	Trace       TraceLevel
}

// UA is the agent's SIP user agent. It registers the account, places and
// answers calls, and tracks the dialogs it created.
type UA struct {
	opts      Options
	registrar sip.Uri
	ua        *sipgo.UserAgent
	client    *sipgo.Client
	server    *sipgo.Server
	logger    *slog.Logger

	mu      sync.Mutex
	handler Handler
	pending map[string]*pendingInvite // by Call-ID
	legs    map[string]*Leg           // by Call-ID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// pendingInvite is an inbound INVITE that has not been answered yet.
type pendingInvite struct {
	req   *sip.Request
	tx    sip.ServerTransaction
	toTag string
	call  callctl.IncomingCall
}

// NewUA creates the user agent, its client and its server handlers.
func NewUA(opts Options, logger *slog.Logger) (*UA, error) {
	if opts.Registrar == "" {
		return nil, errors.New("sip registrar is required")
	}
	if opts.Username == "" {
		return nil, errors.New("sip username is required")
	}
	if opts.AuthUser == "" {
		opts.AuthUser = opts.Username
	}
	opts.Transport = strings.ToLower(opts.Transport)
	if opts.Transport == "" {
		opts.Transport = "ws"
	}

	var registrar sip.Uri
	if err := sip.ParseUri(opts.Registrar, &registrar); err != nil {
		return nil, fmt.Errorf("parsing registrar uri: %w", err)
	}
	if opts.Domain == "" {
		opts.Domain = registrar.Host
	}

	if opts.Trace != TraceOff {
		sip.SIPDebugTracer(NewMessageTracer(logger, opts.Trace))
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(userAgent),
		sipgo.WithUserAgentHostname(opts.Domain),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(logger))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	server, err := sipgo.NewServer(ua, sipgo.WithServerLogger(logger))
	if err != nil {
		client.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	u := &UA{
		opts:      opts,
		registrar: registrar,
		ua:        ua,
		client:    client,
		server:    server,
		logger:    logger.With("subsystem", "sip"),
		pending:   make(map[string]*pendingInvite),
		legs:      make(map[string]*Leg),
	}

	server.OnInvite(u.onInvite)
	server.OnAck(u.onAck)
	server.OnCancel(u.onCancel)
	server.OnBye(u.onBye)
	server.OnOptions(u.onOptions)

	return u, nil
}

// SetHandler installs the receiver of inbound dialog events. Inbound calls
// are refused with 480 until a handler is set.
func (u *UA) SetHandler(h Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

func (u *UA) getHandler() Handler {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handler
}

// Start opens the optional inbound listener. Requests arriving over the
// client's own connection are served without it.
func (u *UA) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	if u.opts.ListenAddr == "" {
		return nil
	}

	network := "udp"
	if u.opts.Transport == "tcp" {
		network = "tcp"
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.logger.Info("sip listener starting", "transport", network, "addr", u.opts.ListenAddr)
		if err := u.server.ListenAndServe(ctx, network, u.opts.ListenAddr); err != nil && ctx.Err() == nil {
			u.logger.Error("sip listener stopped", "transport", network, "error", err)
		}
	}()
	return nil
}

// Stop terminates pending invites, closes the listener and the transports.
// Established dialogs are expected to have been hung up by the engine.
func (u *UA) Stop() {
	u.mu.Lock()
	pending := u.pending
	u.pending = make(map[string]*pendingInvite)
	u.mu.Unlock()

	for _, p := range pending {
		u.respond(p, 480, "Temporarily Unavailable", nil)
	}

	if u.cancel != nil {
		u.cancel()
	}
	u.wg.Wait()

	u.server.Close()
	u.client.Close()
	u.ua.Close()
	u.logger.Info("sip user agent stopped")
}

// ActiveDialogs returns the number of established dialogs.
func (u *UA) ActiveDialogs() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.legs)
}

// aor returns the account's address of record.
func (u *UA) aor() sip.Uri {
	return sip.Uri{Scheme: "sip", User: u.opts.Username, Host: u.opts.Domain}
}

// contactHeader returns a Contact pointing back at this agent.
func (u *UA) contactHeader() *sip.ContactHeader {
	addr := sip.Uri{Scheme: "sip", User: u.opts.Username, Host: u.contactHost()}
	if u.opts.Transport != "udp" {
		addr.UriParams.Add("transport", u.opts.Transport)
	}
	return &sip.ContactHeader{Address: addr}
}

func (u *UA) contactHost() string {
	if u.opts.ListenAddr != "" {
		if host, _, err := net.SplitHostPort(u.opts.ListenAddr); err == nil && host != "" && host != "0.0.0.0" {
			return host
		}
	}
	return u.ua.Hostname()
}

// prepare sets the transport and the outbound proxy on req.
func (u *UA) prepare(req *sip.Request) {
	req.SetTransport(strings.ToUpper(u.opts.Transport))
	if u.opts.Proxy != "" {
		req.SetDestination(u.opts.Proxy)
	}
}

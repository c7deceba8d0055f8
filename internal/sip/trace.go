package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel converts a setting to a TraceLevel. Unknown values
// disable tracing.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

func (v TraceLevel) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs raw SIP messages read and written by the transport
// layer. Credentials in authorization headers are never logged.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32
}

// NewMessageTracer creates a tracer at the given level.
func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "sip_trace"),
	}
	t.level.Store(int32(level))
	return t
}

// SetLevel changes the level at runtime.
func (t *MessageTracer) SetLevel(v TraceLevel) {
	t.level.Store(int32(v))
	t.logger.Info("sip trace level changed", "level", v.String())
}

func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

func (t *MessageTracer) SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("recv", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	t.trace("send", transport, laddr, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, laddr, raddr string, sipmsg []byte) {
	v := t.Level()
	if v == TraceOff {
		return
	}
	t.logger.Debug("sip "+direction,
		"transport", transport,
		"local_addr", laddr,
		"remote_addr", raddr,
		"message", formatMessage(sipmsg, v),
	)
}

// formatMessage applies the level filter and redacts credentials.
func formatMessage(sipmsg []byte, v TraceLevel) string {
	head, body := sipmsg, []byte(nil)
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		head, body = sipmsg[:idx], sipmsg[idx:]
	}

	lines := strings.Split(string(head), "\r\n")
	for i, line := range lines {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "authorization", "proxy-authorization":
			lines[i] = name + ": <redacted>"
		}
	}
	out := strings.Join(lines, "\r\n")

	if v == TraceFull {
		out += string(body)
	}
	return out
}

package callctl

// Phase is the state of the agent's line.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseDialing       Phase = "dialing"
	PhaseRingingRemote Phase = "ringing-remote"
	PhaseRingingLocal  Phase = "ringing-local"
	PhaseActive        Phase = "active"
	PhaseHeld          Phase = "held"
	PhaseConference    Phase = "conference"
	PhaseFailed        Phase = "failed"
	PhaseDisposition   Phase = "disposition"
)

// InCall reports whether a dialog is established.
func (p Phase) InCall() bool {
	return p == PhaseActive || p == PhaseHeld || p == PhaseConference
}

// Outbound reports whether an outbound attempt is waiting for an answer.
func (p Phase) Outbound() bool {
	return p == PhaseDialing || p == PhaseRingingRemote
}

// Terminal reports whether the session has ended.
func (p Phase) Terminal() bool {
	return p == PhaseFailed || p == PhaseDisposition
}

// opKind names the operation that is in flight between two stable phases.
type opKind string

const (
	opDial       opKind = "dial"
	opAnswer     opKind = "answer"
	opHold       opKind = "hold"
	opConference opKind = "conference"
	opSubmit     opKind = "submit"
)

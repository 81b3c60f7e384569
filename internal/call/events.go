package call

import "fmt"

// Phase is the session's negotiation phase. Every call walks
// idle -> (offering | answering) -> negotiating -> connected, and teardown
// returns it to idle; the transient "ended" moment is reported as an
// EventEnded rather than held as a resting phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOffering
	PhaseAnswering
	PhaseNegotiating
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOffering:
		return "offering"
	case PhaseAnswering:
		return "answering"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// EventKind discriminates session events.
type EventKind int

const (
	// EventPhase reports a phase change with a UI-ready status string.
	EventPhase EventKind = iota
	// EventIncomingCall reports a pending offer awaiting Accept/Reject.
	EventIncomingCall
	// EventRemoteStream reports that the remote stream reference changed.
	// It fires on the first remote track and again as tracks join; treat it
	// as a reference update, not a one-shot.
	EventRemoteStream
	// EventEnded reports teardown; Reason distinguishes local hangup,
	// remote hangup, and failures.
	EventEnded
)

// End reasons surfaced on EventEnded. Failure reasons are specific and
// human-readable because the call UI shows them directly.
const (
	ReasonHangup            = "hangup"
	ReasonRemoteHangup      = "remote hangup"
	ReasonRejected          = "rejected"
	ReasonMediaUnavailable  = "no camera/microphone"
	ReasonNegotiationFailed = "negotiation rejected"
	ReasonTransportFailed   = "connection failed"
)

// Event is delivered on the session's event stream. Consumers read from
// Events() until the session is closed.
type Event struct {
	Kind   EventKind
	CallID string
	PeerID int64
	Phase  Phase

	// Status is a human-readable line for the call UI ("Calling…",
	// "Connected", ...).
	Status string

	// Reason is set on EventEnded.
	Reason string

	// Remote is set on EventRemoteStream.
	Remote *RemoteStream
}

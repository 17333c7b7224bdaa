package protocol

import (
	"fmt"

	"github.com/luxfi/benchmark/pkg/party"
)

// Kind classifies an error for exit-code and rendering purposes.
type Kind uint8

const (
	// KindConfig covers bad arguments and unusable inputs, before any
	// networking happens.
	KindConfig Kind = iota + 1
	// KindTransport covers bootstrap failures and lost connectivity.
	KindTransport
	// KindProtocol covers everything a peer did that the protocol forbids.
	KindProtocol
	// KindUser covers declines and operator interrupts.
	KindUser
	// KindTimeout covers phase and session deadlines.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindTransport:
		return "Transport"
	case KindProtocol:
		return "Protocol"
	case KindUser:
		return "User"
	case KindTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Reason is the stable machine-readable abort cause carried on the wire.
type Reason string

const (
	ReasonBadInput          Reason = "BadInput"
	ReasonEquivocatingPeer  Reason = "EquivocatingPeer"
	ReasonKeyMismatch       Reason = "KeyMismatch"
	ReasonRosterMismatch    Reason = "RosterMismatch"
	ReasonDuplicateSum      Reason = "DuplicateSum"
	ReasonInvalidEnvelope   Reason = "InvalidEnvelope"
	ReasonSessionClosed     Reason = "SessionClosed"
	ReasonUnexpectedMessage Reason = "UnexpectedMessage"
	ReasonPeerLost          Reason = "PeerLost"
	ReasonUserDeclined      Reason = "UserDeclined"
	ReasonInterrupted       Reason = "Interrupted"
	ReasonConfirmTimeout    Reason = "ConfirmTimeout"
	ReasonPhaseTimeout      Reason = "PhaseTimeout"
	ReasonSessionTimeout    Reason = "SessionTimeout"
)

// KindOf maps a wire abort reason onto its kind. Unrecognized reasons from
// newer peers degrade to KindProtocol.
func KindOf(r Reason) Kind {
	switch r {
	case ReasonUserDeclined, ReasonInterrupted:
		return KindUser
	case ReasonConfirmTimeout, ReasonPhaseTimeout, ReasonSessionTimeout:
		return KindTimeout
	case ReasonPeerLost:
		return KindTransport
	default:
		return KindProtocol
	}
}

// Error is a terminal session failure. Culprit is the fingerprint the local
// participant blames, when one exists.
type Error struct {
	Kind    Kind
	Reason  Reason
	Detail  string
	Culprit party.ID
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Culprit != "" {
		msg += " (peer " + e.Culprit.Format() + ")"
	}
	return msg
}

func newError(kind Kind, reason Reason, detail string) *Error {
	return &Error{Kind: kind, Reason: reason, Detail: detail}
}

func (e *Error) withCulprit(id party.ID) *Error {
	e.Culprit = id
	return e
}

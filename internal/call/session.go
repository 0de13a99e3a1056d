package call

import (
	"errors"
	"fmt"
	"time"
)

// State of a call session. Idle means there is no session for the call id.
type State string

const (
	Idle       State = "idle"
	RingingOut State = "ringing_out"
	RingingIn  State = "ringing_in"
	Active     State = "active"
	Ended      State = "ended"
)

// End reasons recorded on a session.
const (
	ReasonCancelled = "cancelled"
	ReasonRejected  = "rejected"
	ReasonHangup    = "hangup"
	ReasonPeerEnded = "peer_ended"
	ReasonTimeout   = "timeout"
	ReasonMissed    = "missed"
	ReasonBusy      = "busy"
)

// Session is one call attempt. It is never persisted.
type Session struct {
	CallID      string
	InitiatorID int64
	TargetID    int64
	CallType    string
	State       State
	EndReason   string
	StartedAt   time.Time
	AnsweredAt  time.Time
	EndedAt     time.Time
}

// Outgoing reports whether the local user placed the call.
func (s Session) Outgoing(self int64) bool { return s.InitiatorID == self }

// Peer returns the other party.
func (s Session) Peer(self int64) int64 {
	if s.InitiatorID == self {
		return s.TargetID
	}
	return s.InitiatorID
}

// Change is published with bus.KindCallStateChanged.
type Change struct {
	From    State
	Session Session
}

// ErrCommandInFlight is returned while another command for the same call
// awaits its send confirmation.
var ErrCommandInFlight = errors.New("call: command already in flight")

// AlreadyInCallError rejects initiate while a session is live.
type AlreadyInCallError struct {
	CallID string
	State  State
}

func (e *AlreadyInCallError) Error() string {
	if e.CallID == "" {
		return "call: another call is being placed"
	}
	return fmt.Sprintf("call: already in call %s (%s)", e.CallID, e.State)
}

// InvalidCallStateTransition rejects a command the local state does not
// permit. Nothing is sent.
type InvalidCallStateTransition struct {
	CallID string
	Action string
	From   State
	Reason string
}

func (e *InvalidCallStateTransition) Error() string {
	msg := fmt.Sprintf("call %s: cannot %s from %s", e.CallID, e.Action, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// SignalingSendFailure is a command the transport did not confirm. The
// local state was not advanced.
type SignalingSendFailure struct {
	CallID string
	Action string
	Err    error
}

func (e *SignalingSendFailure) Error() string {
	return fmt.Sprintf("call %s: %s not sent: %v", e.CallID, e.Action, e.Err)
}

func (e *SignalingSendFailure) Unwrap() error { return e.Err }

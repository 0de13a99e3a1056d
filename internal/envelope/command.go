package envelope

import (
	"encoding/json"
	"fmt"
)

// SignalType names a WebRTC payload relayed between call peers.
type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
	SignalICE    SignalType = "ice"
)

// ParseSignalType validates a signal type name.
func ParseSignalType(s string) (SignalType, error) {
	switch SignalType(s) {
	case SignalOffer, SignalAnswer, SignalICE:
		return SignalType(s), nil
	default:
		return "", fmt.Errorf("unknown signal type %q", s)
	}
}

// Command is an outbound call signaling command.
type Command interface {
	// Action is the signaling verb, also used as the REST path segment.
	Action() string
	// Recipient is the user the command is addressed to.
	Recipient() int64
}

type Invite struct {
	CallID   string `json:"call_id"`
	TargetID int64  `json:"target_id"`
	CallType string `json:"call_type,omitempty"`
}

type Accept struct {
	CallID   string `json:"call_id"`
	CallerID int64  `json:"caller_id"`
}

type Reject struct {
	CallID   string `json:"call_id"`
	CallerID int64  `json:"caller_id"`
	Reason   string `json:"reason,omitempty"`
}

type Cancel struct {
	CallID   string `json:"call_id"`
	TargetID int64  `json:"target_id"`
}

type End struct {
	CallID string `json:"call_id"`
	PeerID int64  `json:"peer_id"`
}

// Signal relays SignalData verbatim; it is never interpreted here.
type Signal struct {
	CallID     string          `json:"call_id"`
	TargetID   int64           `json:"target_id"`
	SignalType SignalType      `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data"`
}

func (Invite) Action() string { return "initiate" }
func (Accept) Action() string { return "accept" }
func (Reject) Action() string { return "reject" }
func (Cancel) Action() string { return "cancel" }
func (End) Action() string    { return "end" }
func (Signal) Action() string { return "signal" }

func (c Invite) Recipient() int64 { return c.TargetID }
func (c Accept) Recipient() int64 { return c.CallerID }
func (c Reject) Recipient() int64 { return c.CallerID }
func (c Cancel) Recipient() int64 { return c.TargetID }
func (c End) Recipient() int64    { return c.PeerID }
func (c Signal) Recipient() int64 { return c.TargetID }

// ConfirmField is the boolean the REST collaborator answers with for each action.
func ConfirmField(cmd Command) string {
	switch cmd.(type) {
	case Accept:
		return "accepted"
	case Reject:
		return "rejected"
	case Cancel:
		return "cancelled"
	case End:
		return "ended"
	default:
		return "sent"
	}
}

// Encode renders a command with its stable wire field names.
func Encode(cmd Command) ([]byte, error) {
	if s, ok := cmd.(Signal); ok && len(s.SignalData) == 0 {
		s.SignalData = json.RawMessage("null")
		cmd = s
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Action(), err)
	}
	return b, nil
}

package envelope

import (
	"encoding/json"
	"fmt"
)

// Inbound application event names on the messaging socket.
const (
	EventMessageSent     = "message.sent"
	EventMessageRecalled = "message.recalled"
	EventUserOnline      = "user.online"
	EventUserOffline     = "user.offline"
	EventNotification    = "notification"
	EventCallInvite      = "call.invite"
	EventCallAccepted    = "call.accepted"
	EventCallRejected    = "call.rejected"
	EventCallCancelled   = "call.cancelled"
	EventCallEnded       = "call.ended"
	EventCallSignal      = "call.signal"
)

// Attachment describes media carried by a message.
type Attachment struct {
	URL      string  `json:"url"`
	Name     string  `json:"name,omitempty"`
	Size     int64   `json:"size,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// WireMessage is a message as the server broadcasts it.
type WireMessage struct {
	ID             int64       `json:"id"`
	LocalID        string      `json:"local_id,omitempty"`
	ConversationID int64       `json:"conversation_id"`
	SenderID       int64       `json:"sender_id"`
	Type           string      `json:"type"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      int64       `json:"reply_to_id,omitempty"`
	IsRecalled     bool        `json:"is_recalled"`
	Status         string      `json:"status,omitempty"`
	CreatedAt      Time        `json:"created_at"`
}

type MessageSent struct {
	Message WireMessage `json:"message"`
}

type MessageRecalled struct {
	MessageID      int64 `json:"message_id"`
	ConversationID int64 `json:"conversation_id"`
}

// Presence is produced for both user.online and user.offline.
type Presence struct {
	UserID int64 `json:"user_id"`
	Online bool  `json:"-"`
}

type Notification struct {
	ID    string          `json:"id,omitempty"`
	Kind  string          `json:"type,omitempty"`
	Title string          `json:"title,omitempty"`
	Body  string          `json:"body,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type CallInvite struct {
	CallID   string `json:"call_id"`
	CallerID int64  `json:"caller_id"`
	CallType string `json:"call_type,omitempty"`
}

// CallReply carries call.accepted, call.rejected, call.cancelled and call.ended.
// UserID is the party that acted.
type CallReply struct {
	Event  string `json:"-"`
	CallID string `json:"call_id"`
	UserID int64  `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

type CallSignal struct {
	CallID     string          `json:"call_id"`
	FromID     int64           `json:"from_id"`
	SignalType SignalType      `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data"`
}

// Parse interprets a frame's payload according to its event name. Unknown
// names yield ErrUnknownEvent; payloads that do not fit yield a
// *MalformedEventError.
func Parse(f Frame) (any, error) {
	switch f.Event {
	case EventMessageSent:
		var p MessageSent
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.Message.ConversationID == 0 || (p.Message.ID == 0 && p.Message.LocalID == "") {
			return nil, malformed(f.Data, "message without identity", nil)
		}
		return p, nil
	case EventMessageRecalled:
		var p MessageRecalled
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.MessageID == 0 {
			return nil, malformed(f.Data, "missing message_id", nil)
		}
		return p, nil
	case EventUserOnline, EventUserOffline:
		var p Presence
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		p.Online = f.Event == EventUserOnline
		return p, nil
	case EventNotification:
		var p Notification
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventCallInvite:
		var p CallInvite
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, malformed(f.Data, "missing call_id", nil)
		}
		return p, nil
	case EventCallAccepted, EventCallRejected, EventCallCancelled, EventCallEnded:
		var p CallReply
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, malformed(f.Data, "missing call_id", nil)
		}
		p.Event = f.Event
		return p, nil
	case EventCallSignal:
		var p CallSignal
		if err := unmarshal(f, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" {
			return nil, malformed(f.Data, "missing call_id", nil)
		}
		if _, err := ParseSignalType(string(p.SignalType)); err != nil {
			return nil, malformed(f.Data, "bad signal_type", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, f.Event)
	}
}

func unmarshal(f Frame, v any) error {
	if len(f.Data) == 0 {
		return malformed(nil, f.Event+" without data", nil)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return malformed(f.Data, f.Event+" payload", err)
	}
	return nil
}

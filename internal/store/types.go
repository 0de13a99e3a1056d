package store

import (
	"time"

	"github.com/matheus3301/pulse/internal/envelope"
)

type ConversationType string

const (
	Private ConversationType = "private"
	Group   ConversationType = "group"
)

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVoice    MessageType = "voice"
	TypeVideo    MessageType = "video"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeContact  MessageType = "contact"
	TypePack     MessageType = "pack"
	TypeSystem   MessageType = "system"
)

// ParseMessageType maps a wire type name. Unknown or empty names become text.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(s); t {
	case TypeImage, TypeVoice, TypeVideo, TypeFile, TypeLocation, TypeContact, TypePack, TypeSystem:
		return t
	default:
		return TypeText
	}
}

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// mergeStatus never lets a status regress. Failed is only reachable from
// sending, and a failed message may be resent or acknowledged.
func mergeStatus(old, next MessageStatus) MessageStatus {
	switch {
	case next == "":
		return old
	case old == "" || old == StatusFailed:
		return next
	case next == StatusFailed:
		if old == StatusSending {
			return StatusFailed
		}
		return old
	case statusRank[next] > statusRank[old]:
		return next
	default:
		return old
	}
}

// Conversation is a private chat or group as listed to the user.
type Conversation struct {
	ID          int64
	Type        ConversationType
	Name        string
	Avatar      string
	LastMessage *Message
	UnreadCount int
	Pinned      bool
	NotifyMode  string
	UpdatedAt   time.Time
}

// Message is a single chat message. Until the server acknowledges it, ID is
// zero and LocalID identifies it; afterwards ID is authoritative and LocalID
// is cleared.
type Message struct {
	ID             int64
	LocalID        string
	ConversationID int64
	SenderID       int64
	Type           MessageType
	Content        string
	Attachment     *envelope.Attachment
	ReplyToID      int64
	IsRecalled     bool
	Status         MessageStatus
	CreatedAt      time.Time
}

// Pending reports whether the message is still awaiting its server id.
func (m Message) Pending() bool { return m.ID == 0 }

// FromWire converts a broadcast message. Messages without a status are
// treated as sent.
func FromWire(w envelope.WireMessage) Message {
	st := MessageStatus(w.Status)
	if _, ok := statusRank[st]; !ok && st != StatusFailed {
		st = StatusSent
	}
	return Message{
		ID:             w.ID,
		LocalID:        w.LocalID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Type:           ParseMessageType(w.Type),
		Content:        w.Content,
		Attachment:     w.Attachment,
		ReplyToID:      w.ReplyToID,
		IsRecalled:     w.IsRecalled,
		Status:         st,
		CreatedAt:      w.CreatedAt.Time,
	}
}

// Outcome describes what UpsertMessage did.
type Outcome int

const (
	Ignored Outcome = iota
	Inserted
	Reconciled
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Reconciled:
		return "reconciled"
	case Updated:
		return "updated"
	default:
		return "ignored"
	}
}

// MessageChange is published with bus.KindMessageUpserted.
type MessageChange struct {
	Message Message
	Outcome Outcome
}

// PresenceChange is published with bus.KindPresenceChanged.
type PresenceChange struct {
	UserID int64
	Online bool
}

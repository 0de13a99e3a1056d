package control

import "github.com/matheus3301/pulse/internal/envelope"

type MessagesRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

type SendRequest struct {
	ConversationID int64                `json:"conversation_id"`
	Type           string               `json:"type,omitempty"`
	Content        string               `json:"content"`
	ReplyToID      int64                `json:"reply_to_id,omitempty"`
	Attachment     *envelope.Attachment `json:"attachment,omitempty"`
}

type ResendRequest struct {
	LocalID string `json:"local_id"`
}

type FocusRequest struct {
	ConversationID int64 `json:"conversation_id"`
	Group          bool  `json:"group,omitempty"`
}

// Call actions.
const (
	CallInitiate = "initiate"
	CallAccept   = "accept"
	CallReject   = "reject"
	CallCancel   = "cancel"
	CallEnd      = "end"
)

type CallRequest struct {
	Action   string `json:"action"`
	CallID   string `json:"call_id,omitempty"`
	PeerID   int64  `json:"peer_id"`
	CallType string `json:"call_type,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type LimitRequest struct {
	Limit int `json:"limit,omitempty"`
}

type WatchRequest struct {
	// Prefix filters bus events by kind; empty relays everything.
	Prefix string `json:"prefix,omitempty"`
}

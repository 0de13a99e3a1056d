package control

import (
	"encoding/json"
	"fmt"

	"github.com/matheus3301/pulse/internal/call"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/journal"
	"github.com/matheus3301/pulse/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// Views are the JSON shapes carried inside structpb messages. Times are
// unix milliseconds.

type StatusView struct {
	Session       string    `json:"session"`
	UserID        int64     `json:"user_id"`
	Lottery       string    `json:"lottery"`
	Messaging     string    `json:"messaging"`
	SocketID      string    `json:"socket_id,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	Focused       int64     `json:"focused,omitempty"`
	Feed          int       `json:"feed"`
	Call          *CallView `json:"call,omitempty"`
}

type ConversationView struct {
	ID          int64        `json:"id"`
	Type        string       `json:"type"`
	Name        string       `json:"name,omitempty"`
	Unread      int          `json:"unread"`
	Pinned      bool         `json:"pinned"`
	UpdatedAt   int64        `json:"updated_at"`
	LastMessage *MessageView `json:"last_message,omitempty"`
}

type MessageView struct {
	ID             int64                `json:"id,omitempty"`
	LocalID        string               `json:"local_id,omitempty"`
	ConversationID int64                `json:"conversation_id"`
	SenderID       int64                `json:"sender_id"`
	Type           string               `json:"type"`
	Content        string               `json:"content"`
	Attachment     *envelope.Attachment `json:"attachment,omitempty"`
	ReplyToID      int64                `json:"reply_to_id,omitempty"`
	Recalled       bool                 `json:"recalled,omitempty"`
	Status         string               `json:"status"`
	CreatedAt      int64                `json:"created_at"`
}

type CallView struct {
	CallID      string `json:"call_id"`
	InitiatorID int64  `json:"initiator_id"`
	TargetID    int64  `json:"target_id"`
	CallType    string `json:"call_type"`
	State       string `json:"state"`
	EndReason   string `json:"end_reason,omitempty"`
	StartedAt   int64  `json:"started_at,omitempty"`
}

type DrawView struct {
	ID         int64           `json:"id"`
	EventID    string          `json:"event_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Ts         int64           `json:"ts"`
	ReceivedAt int64           `json:"received_at"`
}

type FeedEventView struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ts    int64           `json:"ts"`
}

// WatchEvent is one bus event relayed by Watch.
type WatchEvent struct {
	Kind    string          `json:"kind"`
	Ts      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func conversationView(c store.Conversation) ConversationView {
	v := ConversationView{
		ID:        c.ID,
		Type:      string(c.Type),
		Name:      c.Name,
		Unread:    c.UnreadCount,
		Pinned:    c.Pinned,
		UpdatedAt: c.UpdatedAt.UnixMilli(),
	}
	if c.LastMessage != nil {
		lm := messageView(*c.LastMessage)
		v.LastMessage = &lm
	}
	return v
}

func messageView(m store.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		LocalID:        m.LocalID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           string(m.Type),
		Content:        m.Content,
		Attachment:     m.Attachment,
		ReplyToID:      m.ReplyToID,
		Recalled:       m.IsRecalled,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
}

func callView(s call.Session) *CallView {
	v := &CallView{
		CallID:      s.CallID,
		InitiatorID: s.InitiatorID,
		TargetID:    s.TargetID,
		CallType:    s.CallType,
		State:       string(s.State),
		EndReason:   s.EndReason,
	}
	if !s.StartedAt.IsZero() {
		v.StartedAt = s.StartedAt.UnixMilli()
	}
	return v
}

func drawView(d journal.Draw) DrawView {
	return DrawView{
		ID:         d.ID,
		EventID:    d.EventID,
		Data:       d.Data,
		Ts:         d.Ts.Unix(),
		ReceivedAt: d.ReceivedAt.UnixMilli(),
	}
}

// payloadJSON renders a bus payload. Errors become {"error": "..."}.
func payloadJSON(p any) json.RawMessage {
	if p == nil {
		return nil
	}
	if err, ok := p.(error); ok {
		p = map[string]string{"error": err.Error()}
	}
	b, err := json.Marshal(p)
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("unencodable %T", p)})
	}
	return b
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, err
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

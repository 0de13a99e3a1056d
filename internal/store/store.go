// Package store holds the in-memory conversation and message model. It is
// the only place conversation and message state is mutated; every change is
// published on the bus for observers.
package store

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"go.uber.org/zap"
)

var (
	ErrUnknownConversation = errors.New("store: unknown conversation")
	ErrUnknownMessage      = errors.New("store: unknown message")
	ErrNoIdentity          = errors.New("store: message has neither id nor local id")
)

// Store is safe for concurrent use.
type Store struct {
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	convs    map[int64]*Conversation
	order    []int64 // most recent activity first
	msgs     map[int64][]*Message
	byID     map[int64]*Message
	byLocal  map[string]*Message // pending only
	acked    map[string]int64    // local id -> server id, kept after reconciliation
	recalled map[int64]struct{}  // recalls that arrived before their message
	active   int64
	presence map[int64]bool
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		bus:      b,
		logger:   logger.Named("store"),
		convs:    make(map[int64]*Conversation),
		msgs:     make(map[int64][]*Message),
		byID:     make(map[int64]*Message),
		byLocal:  make(map[string]*Message),
		acked:    make(map[string]int64),
		recalled: make(map[int64]struct{}),
		presence: make(map[int64]bool),
	}
}

// UpsertConversation inserts or refreshes server-owned conversation
// metadata. The unread count stays zero while the conversation is being
// viewed.
func (s *Store) UpsertConversation(c Conversation) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.convs[c.ID]
	if !ok {
		cur = &Conversation{ID: c.ID, Type: Private}
		s.convs[c.ID] = cur
	}
	if c.Type != "" {
		cur.Type = c.Type
	}
	cur.Name = c.Name
	cur.Avatar = c.Avatar
	cur.NotifyMode = c.NotifyMode
	cur.Pinned = c.Pinned
	cur.UnreadCount = max(c.UnreadCount, 0)
	if s.active == c.ID {
		cur.UnreadCount = 0
	}
	if c.LastMessage != nil && cur.LastMessage == nil {
		lm := *c.LastMessage
		cur.LastMessage = &lm
	}
	moved := c.UpdatedAt.After(cur.UpdatedAt)
	if moved {
		cur.UpdatedAt = c.UpdatedAt
	}
	if !ok || moved {
		s.placeLocked(c.ID)
	}
	s.publishConversationLocked(cur)
	return cloneConversation(cur)
}

// UpsertMessage adds or merges msg. A server-acknowledged message whose
// local id matches a pending optimistic entry replaces it in place. A
// pending message arriving after its acknowledgement is ignored, so a
// logical send never appears twice.
func (s *Store) UpsertMessage(msg Message) (Message, Outcome, error) {
	if msg.ID == 0 && msg.LocalID == "" {
		return Message{}, Ignored, ErrNoIdentity
	}
	if msg.ConversationID == 0 {
		return Message{}, Ignored, ErrUnknownConversation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A pending entry wins over a server echo that raced ahead of the
	// acknowledgement; the echo is folded into it.
	var existing, echo *Message
	if msg.LocalID != "" {
		existing = s.byLocal[msg.LocalID]
	}
	if msg.ID != 0 {
		if e, ok := s.byID[msg.ID]; ok {
			if existing == nil {
				existing = e
			} else {
				echo = e
			}
		}
	}
	if existing == nil && msg.LocalID != "" {
		if id, ok := s.acked[msg.LocalID]; ok {
			existing = s.byID[id]
		}
	}
	if echo != nil {
		s.removeLocked(echo)
		existing.Status = mergeStatus(existing.Status, echo.Status)
		if echo.IsRecalled {
			recall(existing)
		}
	}

	var (
		out     *Message
		outcome Outcome
	)
	switch {
	case existing == nil:
		m := msg
		if m.ID != 0 && m.LocalID != "" {
			s.acked[m.LocalID] = m.ID
			m.LocalID = ""
		}
		s.insertLocked(&m)
		out, outcome = &m, Inserted
	case existing.Pending() && msg.ID != 0:
		delete(s.byLocal, existing.LocalID)
		s.acked[existing.LocalID] = msg.ID
		existing.LocalID = ""
		existing.ID = msg.ID
		s.byID[msg.ID] = existing
		mergeServer(existing, msg)
		out, outcome = existing, Reconciled
	case existing.Pending():
		existing.Status = mergeStatus(existing.Status, msg.Status)
		if msg.Content != "" {
			existing.Content = msg.Content
		}
		if msg.Attachment != nil {
			existing.Attachment = msg.Attachment
		}
		out, outcome = existing, Updated
	case msg.Pending():
		s.logger.Debug("ignoring optimistic copy of acknowledged message",
			zap.String("local_id", msg.LocalID), zap.Int64("id", existing.ID))
		return *existing, Ignored, nil
	default:
		mergeServer(existing, msg)
		out, outcome = existing, Updated
	}

	if msg.ID != 0 && msg.LocalID != "" {
		s.acked[msg.LocalID] = msg.ID
	}
	if _, ok := s.recalled[out.ID]; ok && out.ID != 0 {
		delete(s.recalled, out.ID)
		recall(out)
	}

	conv := s.ensureConversationLocked(out.ConversationID)
	if outcome == Inserted && out.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = out.CreatedAt
		s.promoteLocked(conv.ID)
	}
	s.refreshLastLocked(conv)

	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: MessageChange{Message: *out, Outcome: outcome}})
	s.publishConversationLocked(conv)
	return *out, outcome, nil
}

// MarkFailed moves a pending message to failed.
func (s *Store) MarkFailed(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byLocal[localID]
	if !ok {
		return ErrUnknownMessage
	}
	m.Status = mergeStatus(m.Status, StatusFailed)
	s.bus.Publish(bus.Event{Kind: bus.KindMessageUpserted, Payload: MessageChange{Message: *m, Outcome: Updated}})
	return nil
}

// MarkRecalled flags a message as recalled and clears its content. A recall
// for a message not seen yet is remembered and applied when it arrives.
func (s *Store) MarkRecalled(messageID int64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok {
		s.recalled[messageID] = struct{}{}
		return Message{}, ErrUnknownMessage
	}
	recall(m)
	if conv, ok := s.convs[m.ConversationID]; ok {
		s.refreshLastLocked(conv)
		s.publishConversationLocked(conv)
	}
	s.bus.Publish(bus.Event{Kind: bus.KindMessageRecalled, Payload: *m})
	return *m, nil
}

// IncrementUnread bumps the unread counter unless the conversation is the
// one being viewed.
func (s *Store) IncrementUnread(conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if s.active == conversationID {
		return nil
	}
	c.UnreadCount++
	s.publishConversationLocked(c)
	return nil
}

// ResetUnread is the only way an unread counter decreases.
func (s *Store) ResetUnread(conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.publishConversationLocked(c)
	}
	return nil
}

// ReorderOnActivity raises a conversation's UpdatedAt to at and repositions
// it; the list stays ordered by UpdatedAt, newest first.
func (s *Store) ReorderOnActivity(conversationID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	s.promoteLocked(conversationID)
	s.publishConversationLocked(c)
	return nil
}

// SetPinned toggles the pinned flag.
func (s *Store) SetPinned(conversationID int64, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return ErrUnknownConversation
	}
	if c.Pinned != pinned {
		c.Pinned = pinned
		s.publishConversationLocked(c)
	}
	return nil
}

// Enter marks a conversation as the one being viewed and clears its unread
// counter before any further message can be counted.
func (s *Store) Enter(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = conversationID
	if c, ok := s.convs[conversationID]; ok && c.UnreadCount != 0 {
		c.UnreadCount = 0
		s.publishConversationLocked(c)
	}
}

// Leave clears the viewed conversation if it is conversationID.
func (s *Store) Leave(conversationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == conversationID {
		s.active = 0
	}
}

// Active returns the viewed conversation, or zero.
func (s *Store) Active() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetPresence records a user's online state and publishes changes.
func (s *Store) SetPresence(userID int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.presence[userID]; ok && prev == online {
		return
	}
	s.presence[userID] = online
	s.bus.Publish(bus.Event{Kind: bus.KindPresenceChanged, Payload: PresenceChange{UserID: userID, Online: online}})
}

func (s *Store) Online(userID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presence[userID]
}

// Conversations lists pinned conversations first, then the rest, each group
// by most recent activity.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.order))
	for _, pinned := range []bool{true, false} {
		for _, id := range s.order {
			if c := s.convs[id]; c.Pinned == pinned {
				out = append(out, cloneConversation(c))
			}
		}
	}
	return out
}

func (s *Store) Conversation(id int64) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return cloneConversation(c), true
}

// Messages returns a conversation's messages in display order.
func (s *Store) Messages(conversationID int64) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.msgs[conversationID]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// MessageByLocalID finds a message by the local id it was sent with, before
// or after acknowledgement.
func (s *Store) MessageByLocalID(localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if m, ok := s.byLocal[localID]; ok {
		return *m, true
	}
	if id, ok := s.acked[localID]; ok {
		if m, ok := s.byID[id]; ok {
			return *m, true
		}
	}
	return Message{}, false
}

func (s *Store) insertLocked(m *Message) {
	list := s.msgs[m.ConversationID]
	i := len(list)
	for i > 0 && less(m, list[i-1]) {
		i--
	}
	s.msgs[m.ConversationID] = slices.Insert(list, i, m)
	if m.ID != 0 {
		s.byID[m.ID] = m
	} else {
		s.byLocal[m.LocalID] = m
	}
}

func (s *Store) removeLocked(m *Message) {
	list := s.msgs[m.ConversationID]
	if i := slices.Index(list, m); i >= 0 {
		s.msgs[m.ConversationID] = slices.Delete(list, i, i+1)
	}
	if m.ID != 0 && s.byID[m.ID] == m {
		delete(s.byID, m.ID)
	}
}

func (s *Store) ensureConversationLocked(id int64) *Conversation {
	if c, ok := s.convs[id]; ok {
		return c
	}
	c := &Conversation{ID: id, Type: Private}
	s.convs[id] = c
	s.order = append(s.order, id)
	return c
}

// placeLocked positions id among the conversations by UpdatedAt.
func (s *Store) placeLocked(id int64) {
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	at := s.convs[id].UpdatedAt
	i := 0
	for i < len(s.order) && !s.convs[s.order[i]].UpdatedAt.Before(at) {
		i++
	}
	s.order = slices.Insert(s.order, i, id)
}

// promoteLocked is placeLocked with ties won by id, for fresh activity.
func (s *Store) promoteLocked(id int64) {
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	at := s.convs[id].UpdatedAt
	i := 0
	for i < len(s.order) && s.convs[s.order[i]].UpdatedAt.After(at) {
		i++
	}
	s.order = slices.Insert(s.order, i, id)
}

func (s *Store) refreshLastLocked(c *Conversation) {
	list := s.msgs[c.ID]
	if len(list) == 0 {
		return
	}
	last := *list[len(list)-1]
	c.LastMessage = &last
}

func (s *Store) publishConversationLocked(c *Conversation) {
	s.bus.Publish(bus.Event{Kind: bus.KindConversationUpdated, Payload: cloneConversation(c)})
}

// mergeServer applies a server copy onto an existing entry without moving it.
func mergeServer(dst *Message, src Message) {
	if src.SenderID != 0 {
		dst.SenderID = src.SenderID
	}
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.ReplyToID != 0 {
		dst.ReplyToID = src.ReplyToID
	}
	if !src.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt
	}
	dst.Status = mergeStatus(dst.Status, src.Status)
	if dst.IsRecalled || src.IsRecalled {
		recall(dst)
		return
	}
	if src.Content != "" {
		dst.Content = src.Content
	}
	if src.Attachment != nil {
		dst.Attachment = src.Attachment
	}
}

func recall(m *Message) {
	m.IsRecalled = true
	m.Content = ""
	m.Attachment = nil
}

// less orders by creation time, then server id. At equal times an
// acknowledged message sorts before a pending one.
func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.ID == 0 || b.ID == 0 {
		return a.ID != 0 && b.ID == 0
	}
	return a.ID < b.ID
}

func cloneConversation(c *Conversation) Conversation {
	out := *c
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

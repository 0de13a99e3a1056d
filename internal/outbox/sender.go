// Package outbox sends outbound chat messages. A message is journaled and
// shown optimistically as sending, then reconciled in place once the REST
// send returns its server id.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/journal"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMessage rejects a send with neither content nor attachment.
var ErrEmptyMessage = errors.New("outbox: empty message")

// MessageSender is the REST collaborator that persists a message.
type MessageSender interface {
	SendMessage(ctx context.Context, req rest.SendMessageRequest) (rest.SendMessageResult, error)
}

// Request is a message the user wants to send.
type Request struct {
	ConversationID int64
	Type           store.MessageType
	Content        string
	ReplyToID      int64
	Attachment     *envelope.Attachment
}

// Ack is published with bus.KindSendAck.
type Ack struct {
	LocalID        string
	ConversationID int64
	MessageID      int64
}

// Failure is published with bus.KindSendFailed.
type Failure struct {
	LocalID        string
	ConversationID int64
	Error          string
}

// Sender drains the outbox and sends messages through the REST API.
type Sender struct {
	db     *journal.DB
	api    MessageSender
	store  *store.Store
	bus    *bus.Bus
	selfID int64
	logger *zap.Logger
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *journal.DB, api MessageSender, st *store.Store, b *bus.Bus, selfID int64, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		api:    api,
		store:  st,
		bus:    b,
		selfID: selfID,
		logger: logger.Named("outbox"),
		kick:   make(chan struct{}, 1),
	}
}

// Start requeues sends interrupted by a previous run, restores queued
// messages into the store and begins draining.
func (s *Sender) Start(ctx context.Context) error {
	n, err := s.db.RecoverSending()
	if err != nil {
		return fmt.Errorf("recover outbox: %w", err)
	}
	if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	pending, err := s.db.PendingOutbox()
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	for _, e := range pending {
		if _, _, err := s.store.UpsertMessage(s.optimistic(e)); err != nil {
			s.logger.Warn("failed to restore queued message", zap.Error(err), zap.String("local_id", e.LocalID))
		}
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop stops the sender loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Queue journals a message, inserts it into the store as sending and wakes
// the sender. The returned message carries the local id used to track it.
func (s *Sender) Queue(_ context.Context, req Request) (store.Message, error) {
	if req.ConversationID == 0 {
		return store.Message{}, store.ErrUnknownConversation
	}
	if strings.TrimSpace(req.Content) == "" && req.Attachment == nil {
		return store.Message{}, ErrEmptyMessage
	}
	if req.Type == "" {
		req.Type = store.TypeText
	}
	entry := journal.OutboxEntry{
		LocalID:        uuid.NewString(),
		ConversationID: req.ConversationID,
		Type:           string(req.Type),
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
		Attachment:     req.Attachment,
		CreatedAt:      time.Now(),
	}
	if err := s.db.QueueOutbox(entry); err != nil {
		return store.Message{}, fmt.Errorf("queue message: %w", err)
	}
	msg, _, err := s.store.UpsertMessage(s.optimistic(entry))
	if err != nil {
		return store.Message{}, err
	}
	if err := s.store.ReorderOnActivity(msg.ConversationID, msg.CreatedAt); err != nil {
		s.logger.Warn("failed to reorder conversation", zap.Error(err))
	}
	s.wake()
	return msg, nil
}

// Resend requeues a failed message.
func (s *Sender) Resend(_ context.Context, localID string) error {
	if err := s.db.RequeueOutbox(localID); err != nil {
		return err
	}
	entry, err := s.db.GetOutbox(localID)
	if err != nil {
		return err
	}
	if _, _, err := s.store.UpsertMessage(s.optimistic(entry)); err != nil {
		return err
	}
	s.wake()
	return nil
}

func (s *Sender) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.kick:
			s.processPending(ctx)
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.db.MarkOutboxSending(entry.LocalID)
		if err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("local_id", entry.LocalID))
			continue
		}
		if !claimed {
			continue
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry journal.OutboxEntry) {
	res, err := s.api.SendMessage(ctx, rest.SendMessageRequest{
		ConversationID: entry.ConversationID,
		Type:           entry.Type,
		Content:        entry.Content,
		ReplyToID:      entry.ReplyToID,
		Attachment:     entry.Attachment,
		LocalID:        entry.LocalID,
	})
	if err == nil && res.MessageID == 0 {
		err = errors.New("server returned no message id")
	}
	if err != nil {
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.LocalID, res.MessageID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("local_id", entry.LocalID))
	}

	msg := s.optimistic(entry)
	msg.ID = res.MessageID
	msg.Status = store.StatusSent
	if !res.CreatedAt.IsZero() {
		msg.CreatedAt = res.CreatedAt.Time
	}
	if _, _, err := s.store.UpsertMessage(msg); err != nil {
		s.logger.Error("failed to reconcile message", zap.Error(err), zap.String("local_id", entry.LocalID))
	}

	s.logger.Info("message sent", zap.String("local_id", entry.LocalID), zap.Int64("message_id", res.MessageID))
	s.bus.Publish(bus.Event{
		Kind:    bus.KindSendAck,
		Payload: Ack{LocalID: entry.LocalID, ConversationID: entry.ConversationID, MessageID: res.MessageID},
	})
}

func (s *Sender) fail(entry journal.OutboxEntry, err error) {
	s.logger.Error("failed to send message", zap.Error(err), zap.String("local_id", entry.LocalID))
	if dbErr := s.db.MarkOutboxFailed(entry.LocalID, err.Error()); dbErr != nil {
		s.logger.Error("failed to mark failed", zap.Error(dbErr), zap.String("local_id", entry.LocalID))
	}
	if stErr := s.store.MarkFailed(entry.LocalID); stErr != nil {
		s.logger.Debug("failed message not in store", zap.String("local_id", entry.LocalID))
	}
	s.bus.Publish(bus.Event{
		Kind:    bus.KindSendFailed,
		Payload: Failure{LocalID: entry.LocalID, ConversationID: entry.ConversationID, Error: err.Error()},
	})
}

func (s *Sender) optimistic(e journal.OutboxEntry) store.Message {
	return store.Message{
		LocalID:        e.LocalID,
		ConversationID: e.ConversationID,
		SenderID:       s.selfID,
		Type:           store.ParseMessageType(e.Type),
		Content:        e.Content,
		Attachment:     e.Attachment,
		ReplyToID:      e.ReplyToID,
		Status:         store.StatusSending,
		CreatedAt:      e.CreatedAt,
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/store"
	"go.uber.org/zap"
)

// CallHandler receives inbound call events.
type CallHandler interface {
	HandleInvite(envelope.CallInvite)
	HandleReply(envelope.CallReply)
	HandleSignal(envelope.CallSignal)
}

// GroupSubscriber follows group channels while a group is on screen.
type GroupSubscriber interface {
	SubscribeGroup(ctx context.Context, groupID int64) error
	UnsubscribeGroup(ctx context.Context, groupID int64) error
}

// Engine applies inbound messaging events to the store and the call
// coordinator. It subscribes to "im.*" events on the bus.
type Engine struct {
	store  *store.Store
	calls  CallHandler
	groups GroupSubscriber
	bus    *bus.Bus
	selfID int64
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu      gosync.Mutex
	focused int64
	group   bool
}

// NewEngine creates a new sync engine. calls and groups may be nil.
func NewEngine(st *store.Store, calls CallHandler, groups GroupSubscriber, b *bus.Bus, selfID int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  st,
		calls:  calls,
		groups: groups,
		bus:    b,
		selfID: selfID,
		logger: logger.Named("sync"),
	}
}

// Start subscribes to inbound messaging events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.SubscribeAll(bus.KindInboundPrefix)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.Handle(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Handle routes one inbound event.
func (e *Engine) Handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case envelope.MessageSent:
		if err := e.IngestMessage(p.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err),
				zap.Int64("id", p.Message.ID), zap.Int64("conversation_id", p.Message.ConversationID))
		}
	case envelope.MessageRecalled:
		if _, err := e.store.MarkRecalled(p.MessageID); err != nil {
			if !errors.Is(err, store.ErrUnknownMessage) {
				e.logger.Error("failed to recall message", zap.Error(err), zap.Int64("id", p.MessageID))
				return
			}
			e.logger.Debug("recall before message, deferred", zap.Int64("id", p.MessageID))
		}
	case envelope.Presence:
		e.store.SetPresence(p.UserID, p.Online)
	case envelope.Notification:
		e.bus.Publish(bus.Event{Kind: bus.KindNotification, Payload: p})
	case envelope.CallInvite:
		if e.calls != nil {
			e.calls.HandleInvite(p)
		}
	case envelope.CallReply:
		if e.calls != nil {
			e.calls.HandleReply(p)
		}
	case envelope.CallSignal:
		if e.calls != nil {
			e.calls.HandleSignal(p)
		}
	default:
		e.logger.Debug("unhandled inbound event", zap.String("kind", evt.Kind))
	}
}

// IngestMessage merges a broadcast message. New messages move their
// conversation to the top, and count as unread when someone else sent them.
func (e *Engine) IngestMessage(w envelope.WireMessage) error {
	msg, outcome, err := e.store.UpsertMessage(store.FromWire(w))
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if outcome != store.Inserted && outcome != store.Reconciled {
		return nil
	}
	if err := e.store.ReorderOnActivity(msg.ConversationID, msg.CreatedAt); err != nil {
		return fmt.Errorf("reorder conversation: %w", err)
	}
	if outcome == store.Inserted && msg.SenderID != e.selfID {
		if err := e.store.IncrementUnread(msg.ConversationID); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}
	return nil
}

// Focus marks a conversation as on screen. Group conversations also
// subscribe to their channel. Any previously focused conversation is
// blurred first.
func (e *Engine) Focus(ctx context.Context, conversationID int64, group bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.focused == conversationID && e.group == group {
		e.store.Enter(conversationID)
		return nil
	}
	if e.focused != 0 {
		if err := e.blurLocked(ctx); err != nil {
			e.logger.Warn("failed to blur previous conversation", zap.Error(err))
		}
	}
	e.store.Enter(conversationID)
	e.focused, e.group = conversationID, group
	if group && e.groups != nil {
		if err := e.groups.SubscribeGroup(ctx, conversationID); err != nil {
			return fmt.Errorf("subscribe group %d: %w", conversationID, err)
		}
	}
	return nil
}

// Blur clears the focused conversation if it is conversationID.
func (e *Engine) Blur(ctx context.Context, conversationID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.focused != conversationID {
		return nil
	}
	return e.blurLocked(ctx)
}

// Focused returns the conversation on screen, or zero.
func (e *Engine) Focused() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.focused
}

func (e *Engine) blurLocked(ctx context.Context) error {
	id, group := e.focused, e.group
	e.focused, e.group = 0, false
	e.store.Leave(id)
	if group && e.groups != nil {
		if err := e.groups.UnsubscribeGroup(ctx, id); err != nil {
			return fmt.Errorf("unsubscribe group %d: %w", id, err)
		}
	}
	return nil
}

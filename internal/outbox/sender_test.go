package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/pulse/internal/bus"
	"github.com/matheus3301/pulse/internal/envelope"
	"github.com/matheus3301/pulse/internal/journal"
	"github.com/matheus3301/pulse/internal/rest"
	"github.com/matheus3301/pulse/internal/store"
	"go.uber.org/zap"
)

const self = int64(1)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []rest.SendMessageRequest
	err   error
	next  int64
}

func (m *mockSender) SendMessage(_ context.Context, req rest.SendMessageRequest) (rest.SendMessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return rest.SendMessageResult{}, m.err
	}
	m.next++
	return rest.SendMessageResult{MessageID: 100 + m.next, CreatedAt: envelope.Unix(1700000000)}, nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *journal.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := journal.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueInsertsOptimisticMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New(b, nil)
	s := NewSender(db, &mockSender{}, st, b, self, nil)

	msg, err := s.Queue(context.Background(), Request{ConversationID: 5, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.LocalID == "" || msg.Status != store.StatusSending || msg.SenderID != self {
		t.Fatalf("optimistic message = %+v", msg)
	}
	entry, err := db.GetOutbox(msg.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != journal.OutboxQueued || entry.Type != "text" {
		t.Errorf("entry = %+v, want queued text", entry)
	}

	if _, err := s.Queue(context.Background(), Request{ConversationID: 5, Content: "  "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if _, err := s.Queue(context.Background(), Request{Content: "x"}); !errors.Is(err, store.ErrUnknownConversation) {
		t.Errorf("err = %v, want ErrUnknownConversation", err)
	}
}

func TestSenderReconcilesInPlace(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New(b, nil)
	mock := &mockSender{}
	s := NewSender(db, mock, st, b, self, nil)

	acks, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	ctx := context.Background()
	first, err := s.Queue(ctx, Request{ConversationID: 5, Content: "one"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Queue(ctx, Request{ConversationID: 5, Content: "two"}); err != nil {
		t.Fatal(err)
	}
	s.processPending(ctx)

	if mock.count() != 2 {
		t.Fatalf("got %d send calls, want 2", mock.count())
	}
	if mock.calls[0].LocalID != first.LocalID || mock.calls[0].Content != "one" {
		t.Errorf("first call = %+v", mock.calls[0])
	}

	msgs := st.Messages(5)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Pending() || m.Status != store.StatusSent {
			t.Errorf("message %+v not reconciled", m)
		}
	}

	entry, err := db.GetOutbox(first.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != journal.OutboxSent || entry.ServerMsgID != 101 {
		t.Errorf("entry = %+v, want sent with id 101", entry)
	}

	select {
	case evt := <-acks:
		ack := evt.Payload.(Ack)
		if ack.LocalID != first.LocalID || ack.MessageID != 101 {
			t.Errorf("ack = %+v", ack)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send ack")
	}

	// A late server echo of the same send does not duplicate it.
	if _, _, err := st.UpsertMessage(store.Message{ID: 101, LocalID: first.LocalID, ConversationID: 5, SenderID: self, Status: store.StatusDelivered}); err != nil {
		t.Fatal(err)
	}
	if n := len(st.Messages(5)); n != 2 {
		t.Errorf("got %d messages after echo, want 2", n)
	}
}

func TestSenderFailureAndResend(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	st := store.New(b, nil)
	mock := &mockSender{err: errors.New("503")}
	s := NewSender(db, mock, st, b, self, nil)

	failures, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	ctx := context.Background()
	msg, err := s.Queue(ctx, Request{ConversationID: 5, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	s.processPending(ctx)

	got, ok := st.MessageByLocalID(msg.LocalID)
	if !ok || got.Status != store.StatusFailed {
		t.Fatalf("message = %+v, want failed", got)
	}
	entry, _ := db.GetOutbox(msg.LocalID)
	if entry.Status != journal.OutboxFailed || entry.ErrorMessage != "503" {
		t.Errorf("entry = %+v, want failed with error", entry)
	}
	select {
	case evt := <-failures:
		if f := evt.Payload.(Failure); f.LocalID != msg.LocalID {
			t.Errorf("failure = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for send failure")
	}

	// Failed entries are not retried until resent.
	s.processPending(ctx)
	if mock.count() != 1 {
		t.Fatalf("got %d send calls, want 1", mock.count())
	}

	mock.mu.Lock()
	mock.err = nil
	mock.mu.Unlock()
	if err := s.Resend(ctx, msg.LocalID); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.MessageByLocalID(msg.LocalID); got.Status != store.StatusSending {
		t.Errorf("status after resend = %s, want sending", got.Status)
	}
	s.processPending(ctx)

	msgs := st.Messages(5)
	if len(msgs) != 1 || msgs[0].ID != 101 || msgs[0].Status != store.StatusSent {
		t.Errorf("messages = %+v, want one sent message", msgs)
	}
	if err := s.Resend(ctx, msg.LocalID); !errors.Is(err, journal.ErrNotFound) {
		t.Errorf("resend of sent message err = %v, want ErrNotFound", err)
	}
}

func TestStartRecoversInterruptedSends(t *testing.T) {
	db := testDB(t)
	if err := db.QueueOutbox(journal.OutboxEntry{LocalID: "l-1", ConversationID: 5, Type: "text", Content: "left over"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkOutboxSending("l-1"); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	st := store.New(b, nil)
	mock := &mockSender{}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, mock, st, b, self, logger)

	acks, unsub := b.Subscribe(bus.KindSendAck, 10)
	defer unsub()

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("recovered entry was never sent")
	}
	msgs := st.Messages(5)
	if len(msgs) != 1 || msgs[0].Content != "left over" || msgs[0].Status != store.StatusSent {
		t.Errorf("messages = %+v", msgs)
	}
}

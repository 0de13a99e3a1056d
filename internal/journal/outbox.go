package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/pulse/internal/envelope"
)

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// ErrNotFound is returned when no outbox entry has the given local id.
var ErrNotFound = errors.New("journal: outbox entry not found")

// OutboxEntry is an outbound message waiting for, or done with, its REST send.
type OutboxEntry struct {
	ID             int64
	LocalID        string
	ConversationID int64
	Type           string
	Content        string
	ReplyToID      int64
	Attachment     *envelope.Attachment
	Status         string
	ErrorMessage   string
	ServerMsgID    int64
	CreatedAt      time.Time
}

const outboxColumns = `id, local_id, conversation_id, type, content, reply_to_id, attachment, status, error_message, server_msg_id, created_at`

// QueueOutbox adds a message to the send queue.
func (db *DB) QueueOutbox(e OutboxEntry) error {
	attachment := ""
	if e.Attachment != nil {
		b, err := json.Marshal(e.Attachment)
		if err != nil {
			return fmt.Errorf("encode attachment: %w", err)
		}
		attachment = string(b)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO outbox (local_id, conversation_id, type, content, reply_to_id, attachment, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.LocalID, e.ConversationID, e.Type, e.Content, e.ReplyToID, attachment, created.UnixMilli(), time.Now().UnixMilli())
	return err
}

// MarkOutboxSending claims a queued entry. It reports false when the entry
// was no longer queued.
func (db *DB) MarkOutboxSending(localID string) (bool, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE local_id = ? AND status = 'queued'`,
		time.Now().UnixMilli(), localID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkOutboxSent records the server id assigned to an entry.
func (db *DB) MarkOutboxSent(localID string, serverMsgID int64) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, error_message = '', updated_at = ? WHERE local_id = ?`,
		serverMsgID, time.Now().UnixMilli(), localID)
	return err
}

// MarkOutboxFailed records why an entry could not be sent.
func (db *DB) MarkOutboxFailed(localID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE local_id = ?`,
		errMsg, time.Now().UnixMilli(), localID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue.
func (db *DB) RequeueOutbox(localID string) error {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE local_id = ? AND status = 'failed'`,
		time.Now().UnixMilli(), localID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("requeue %s: %w", localID, ErrNotFound)
	}
	return nil
}

// RecoverSending requeues entries left in 'sending' by a previous run.
func (db *DB) RecoverSending() (int64, error) {
	res, err := db.Exec(`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns queued entries, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`SELECT ` + outboxColumns + ` FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns one entry by local id.
func (db *DB) GetOutbox(localID string) (OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE local_id = ?`, localID))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxEntry{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (OutboxEntry, error) {
	var (
		e          OutboxEntry
		attachment string
		created    int64
	)
	if err := row.Scan(&e.ID, &e.LocalID, &e.ConversationID, &e.Type, &e.Content, &e.ReplyToID,
		&attachment, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &created); err != nil {
		return OutboxEntry{}, err
	}
	if attachment != "" {
		e.Attachment = &envelope.Attachment{}
		if err := json.Unmarshal([]byte(attachment), e.Attachment); err != nil {
			return OutboxEntry{}, fmt.Errorf("decode attachment of %s: %w", e.LocalID, err)
		}
	}
	e.CreatedAt = time.UnixMilli(created)
	return e, nil
}

package journal

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/pulse/internal/envelope"
)

// Draw is one journaled lottery event.
type Draw struct {
	ID         int64
	EventID    string
	Data       json.RawMessage
	Ts         time.Time
	ReceivedAt time.Time
}

// RecordDraw stores a lottery stream event.
func (db *DB) RecordDraw(evt envelope.StreamEvent) error {
	_, err := db.Exec(`INSERT INTO draws (event_id, data, ts, received_at) VALUES (?, ?, ?, ?)`,
		evt.ID, string(evt.Data), evt.Ts.Unix(), time.Now().UnixMilli())
	return err
}

// ListDraws returns the most recent draws, newest first.
func (db *DB) ListDraws(limit int) ([]Draw, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT id, event_id, data, ts, received_at FROM draws ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var draws []Draw
	for rows.Next() {
		var (
			d            Draw
			data         string
			ts, received int64
		)
		if err := rows.Scan(&d.ID, &d.EventID, &data, &ts, &received); err != nil {
			return nil, err
		}
		d.Data = json.RawMessage(data)
		d.Ts = time.Unix(ts, 0)
		d.ReceivedAt = time.UnixMilli(received)
		draws = append(draws, d)
	}
	return draws, rows.Err()
}

// PruneDraws keeps only the newest keep draws.
func (db *DB) PruneDraws(keep int) (int64, error) {
	res, err := db.Exec(`DELETE FROM draws WHERE id NOT IN (SELECT id FROM draws ORDER BY ts DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

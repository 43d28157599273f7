package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const messageColumns = `id, conversation_id, sender_id, body, image_ref, sent_at,
	delivered_at, read_at, status, delivered_to, read_by, metadata`

// PutMessage inserts or updates a message (idempotent on id).
func (db *DB) PutMessage(m *Message) error {
	deliveredTo, readBy, metadata, err := encodeMessageBlobs(m)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, image_ref, sent_at,
			delivered_at, read_at, status, delivered_to, read_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			image_ref = excluded.image_ref,
			sent_at = excluded.sent_at,
			delivered_at = excluded.delivered_at,
			read_at = excluded.read_at,
			status = excluded.status,
			delivered_to = excluded.delivered_to,
			read_by = excluded.read_by,
			metadata = excluded.metadata`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.ImageRef, m.SentAt,
		m.DeliveredAt, m.ReadAt, string(m.Status), deliveredTo, readBy, metadata, now)
	if err != nil {
		return fmt.Errorf("put message %s: %w", m.ID, err)
	}
	return nil
}

// Messages returns all messages of a conversation sorted by sent_at ascending,
// ties broken by id for deterministic ordering across runs.
func (db *DB) Messages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateStatus persists a status transition. Zero timestamps leave the
// existing delivered_at/read_at values untouched. The reconciler is the only
// caller; it has already applied the monotonicity rule.
func (db *DB) UpdateStatus(id string, status Status, deliveredAt, readAt int64) error {
	res, err := db.Exec(`
		UPDATE messages SET
			status = ?,
			delivered_at = CASE WHEN ? > 0 THEN ? ELSE delivered_at END,
			read_at = CASE WHEN ? > 0 THEN ? ELSE read_at END
		WHERE id = ?`,
		string(status), deliveredAt, deliveredAt, readAt, readAt, id)
	if err != nil {
		return fmt.Errorf("update status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update status %s: message not found", id)
	}
	return nil
}

// ReplaceID atomically renames a message from its local id to the
// server-confirmed id, preserving all other fields. Readers see either the
// old or the new id, never a partial rename (single UPDATE statement).
func (db *DB) ReplaceID(localID, serverID string) error {
	res, err := db.Exec(`UPDATE messages SET id = ? WHERE id = ?`, serverID, localID)
	if err != nil {
		return fmt.Errorf("replace id %s -> %s: %w", localID, serverID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replace id %s: message not found", localID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var status, deliveredTo, readBy, metadata string
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.ImageRef, &m.SentAt,
		&m.DeliveredAt, &m.ReadAt, &status, &deliveredTo, &readBy, &metadata)
	if err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if err := json.Unmarshal([]byte(deliveredTo), &m.DeliveredTo); err != nil {
		return nil, fmt.Errorf("decode delivered_to for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("decode read_by for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", m.ID, err)
	}
	return &m, nil
}

func encodeMessageBlobs(m *Message) (deliveredTo, readBy, metadata string, err error) {
	dt, err := json.Marshal(emptySlice(m.DeliveredTo))
	if err != nil {
		return "", "", "", fmt.Errorf("encode delivered_to: %w", err)
	}
	rb, err := json.Marshal(emptySlice(m.ReadBy))
	if err != nil {
		return "", "", "", fmt.Errorf("encode read_by: %w", err)
	}
	md := m.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mb, err := json.Marshal(md)
	if err != nil {
		return "", "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(dt), string(rb), string(mb), nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

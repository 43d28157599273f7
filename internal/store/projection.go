package store

import (
	"fmt"
	"time"
)

// TouchConversationProjection recomputes the denormalized lastMessage* fields
// for a conversation without touching participants or the group flag. The
// projection only moves forward in time.
func (db *DB) TouchConversationProjection(id, lastText string, lastAt int64, lastSenderID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_text, last_message_at, last_message_sender_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_message_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_sender_id ELSE conversations.last_message_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		id, lastText, lastAt, lastSenderID, now)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PutConversation inserts or updates a conversation record. The
// last_message_at projection only moves forward; a stale write cannot roll
// it back (enforced in SQL, same for the dependent preview fields).
func (db *DB) PutConversation(c *Conversation) error {
	participants, err := json.Marshal(emptySlice(c.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, is_group, last_message_text, last_message_at, last_message_sender_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = CASE WHEN excluded.participants != '[]' THEN excluded.participants ELSE conversations.participants END,
			is_group = excluded.is_group,
			last_message_text = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_text ELSE conversations.last_message_text END,
			last_message_sender_id = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_sender_id ELSE conversations.last_message_sender_id END,
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.IsGroup, c.LastMessageText, c.LastMessageAt, c.LastMessageSenderID, now)
	if err != nil {
		return fmt.Errorf("put conversation %s: %w", c.ID, err)
	}
	return nil
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var participants string
	err := db.QueryRow(`
		SELECT id, participants, is_group, last_message_text, last_message_at, last_message_sender_id
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageText, &c.LastMessageAt, &c.LastMessageSenderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants for %s: %w", id, err)
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, participants, is_group, last_message_text, last_message_at, last_message_sender_id
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.IsGroup, &c.LastMessageText, &c.LastMessageAt, &c.LastMessageSenderID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("decode participants for %s: %w", c.ID, err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

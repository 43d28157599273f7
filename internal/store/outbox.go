package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueSend persists the optimistic message and its outbox entry in one
// transaction. A crash can never leave one without the other.
func (db *DB) EnqueueSend(m *Message) (*OutboxEntry, error) {
	deliveredTo, readBy, metadata, err := encodeMessageBlobs(m)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode outbox payload: %w", err)
	}
	now := time.Now().UnixMilli()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, image_ref, sent_at,
			delivered_at, read_at, status, delivered_to, read_by, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.ImageRef, m.SentAt,
		m.DeliveredAt, m.ReadAt, string(m.Status), deliveredTo, readBy, metadata, now); err != nil {
		return nil, fmt.Errorf("insert optimistic message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO outbox (local_id, conversation_id, payload, attempts, last_error, state, created_at, updated_at)
		VALUES (?, ?, ?, 0, '', ?, ?, ?)`,
		m.ID, m.ConversationID, string(payload), string(OutboxPending), now, now); err != nil {
		return nil, fmt.Errorf("insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}

	return &OutboxEntry{
		LocalID:   m.ID,
		Payload:   *m.Clone(),
		State:     OutboxPending,
		CreatedAt: now,
	}, nil
}

// ListUnconfirmed returns pending and in-flight outbox entries in creation
// order. Called on startup to re-queue interrupted sends, and by the retry
// loop.
func (db *DB) ListUnconfirmed() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT local_id, payload, attempts, last_error, state, created_at
		FROM outbox
		WHERE state IN (?, ?)
		ORDER BY created_at ASC, local_id ASC`,
		string(OutboxPending), string(OutboxInFlight))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var payload, state string
		if err := rows.Scan(&e.LocalID, &payload, &e.Attempts, &e.LastError, &state, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.State = OutboxState(state)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode outbox payload %s: %w", e.LocalID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutbox returns a single outbox entry by local id, or nil if absent.
func (db *DB) GetOutbox(localID string) (*OutboxEntry, error) {
	var e OutboxEntry
	var payload, state string
	err := db.QueryRow(`
		SELECT local_id, payload, attempts, last_error, state, created_at
		FROM outbox WHERE local_id = ?`, localID).
		Scan(&e.LocalID, &payload, &e.Attempts, &e.LastError, &state, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.State = OutboxState(state)
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("decode outbox payload %s: %w", localID, err)
	}
	return &e, nil
}

// MarkOutboxInFlight transitions an entry from pending to in-flight. The
// compare-and-set on state is the per-entry guard against overlapping upload
// attempts; it reports false when the entry was not pending.
func (db *DB) MarkOutboxInFlight(localID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET state = ?, updated_at = ?
		WHERE local_id = ? AND state = ?`,
		string(OutboxInFlight), now, localID, string(OutboxPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// OutboxFailure records a failed upload attempt: increments the attempt
// counter, stores the error, and reverts the entry to pending for retry.
func (db *DB) OutboxFailure(localID, errMsg string) (attempts int, err error) {
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE outbox SET state = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		string(OutboxPending), errMsg, now, localID)
	if err != nil {
		return 0, err
	}
	err = db.QueryRow(`SELECT attempts FROM outbox WHERE local_id = ?`, localID).Scan(&attempts)
	return attempts, err
}

// AbandonOutbox marks an entry abandoned. No further automatic retries occur;
// a manual resend creates a fresh entry. The entry row is kept so last_error
// remains inspectable.
func (db *DB) AbandonOutbox(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET state = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?`,
		string(OutboxAbandoned), errMsg, now, localID)
	return err
}

// DeleteOutbox removes a confirmed entry after the reconciler matched its
// remote echo.
func (db *DB) DeleteOutbox(localID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE local_id = ?`, localID)
	return err
}

// RequeueInFlight reverts in-flight entries to pending. Called once on
// startup: entries stuck in-flight belong to a previous process that died
// mid-attempt, and re-uploading is safe because upsert is keyed by id.
func (db *DB) RequeueInFlight() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET state = ?, updated_at = ?
		WHERE state = ?`,
		string(OutboxPending), now, string(OutboxInFlight))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

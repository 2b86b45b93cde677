package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/storechat/internal/model"
)

// QueueOutbox records m for persistence. Queuing the same client id again
// resets it to queued.
func (db *DB) QueueOutbox(m *model.Message) error {
	if m.ClientID == "" {
		return fmt.Errorf("outbox message has no client id")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO outbox (client_id, store_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			payload = excluded.payload,
			status = 'queued',
			updated_at = excluded.updated_at`,
		m.ClientID, m.StoreID, string(payload), now, now)
	return err
}

// MarkOutboxSending flags an entry as in flight and counts the attempt.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent records the backend id of a persisted entry.
func (db *DB) MarkOutboxSent(clientID, serverID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_id = ?, error_message = '', updated_at = ? WHERE client_id = ?`, serverID, now, clientID)
	return err
}

// MarkOutboxFailed records why an entry could not be persisted.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// PendingOutbox returns queued entries plus entries left in sending by a
// crashed process, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`status IN ('queued', 'sending')`)
}

// FailedOutbox returns entries whose last attempt failed, oldest first.
func (db *DB) FailedOutbox() ([]OutboxEntry, error) {
	return db.listOutbox(`status = 'failed'`)
}

// GetOutbox returns the entry for clientID, or nil.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	entries, err := db.listOutbox(`client_id = ?`, clientID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (db *DB) listOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_id, store_id, payload, status, attempts, error_message, server_id
		FROM outbox WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.StoreID, &payload, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Message); err != nil {
			return nil, fmt.Errorf("outbox %s: decode payload: %w", e.ClientID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

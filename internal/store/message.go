package store

import (
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/matheus3301/storechat/internal/model"
)

const messageColumns = `client_id, server_id, store_id, buyer_id, sender, target_user_id,
	body, message_type, file_url, is_read, status, created_at`

// UpsertMessage stores m, merging with an existing row that shares its
// client id or server id. Non-empty ids are never overwritten with empty ones.
func (db *DB) UpsertMessage(m *model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertMessage(tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertMessages stores a batch in a single transaction.
func (db *DB) UpsertMessages(msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertMessage(tx *sql.Tx, m *model.Message) error {
	now := time.Now().UnixMilli()
	created := m.CreatedAt.UnixMilli()
	if m.CreatedAt.IsZero() {
		created = now
	}

	var rowID int64
	err := tx.QueryRow(`
		SELECT id FROM messages
		WHERE (client_id != '' AND client_id = ?) OR (server_id != '' AND server_id = ?)
		ORDER BY id LIMIT 1`, m.ClientID, m.ID).Scan(&rowID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(`
			INSERT INTO messages (`+messageColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ClientID, m.ID, m.StoreID, m.BuyerID, string(m.Sender), m.TargetUserID,
			m.Body, string(m.Type), m.FileURL, m.IsRead, m.Status, created, now)
	case err == nil:
		_, err = tx.Exec(`
			UPDATE messages SET
				client_id = COALESCE(NULLIF(?, ''), client_id),
				server_id = COALESCE(NULLIF(?, ''), server_id),
				body = ?, message_type = ?, file_url = ?,
				is_read = MAX(is_read, ?),
				status = COALESCE(NULLIF(?, ''), status),
				created_at = ?, updated_at = ?
			WHERE id = ?`,
			m.ClientID, m.ID, m.Body, string(m.Type), m.FileURL, m.IsRead, m.Status, created, now, rowID)
	}
	return err
}

// MarkRoomRead flags every cached message of key as read.
func (db *DB) MarkRoomRead(key model.RoomKey) error {
	q := `UPDATE messages SET is_read = 1, updated_at = ? WHERE store_id = ?`
	args := []any{time.Now().UnixMilli(), key.StoreID}
	if key.BuyerID != "" {
		q += ` AND buyer_id = ?`
		args = append(args, key.BuyerID)
	}
	_, err := db.Exec(q, args...)
	return err
}

// ListMessages returns up to limit messages of key created before
// beforeMs (0 means now), oldest first.
func (db *DB) ListMessages(key model.RoomKey, beforeMs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE store_id = ? AND buyer_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, key.StoreID, key.BuyerID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// GetMessage looks a message up by client id, then by server id.
func (db *DB) GetMessage(clientID, serverID string) (*model.Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE (client_id != '' AND client_id = ?) OR (server_id != '' AND server_id = ?)
		ORDER BY id LIMIT 1`, clientID, serverID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	msgs, err := scanMessages(rows)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		var (
			m               model.Message
			sender, msgType string
			created         int64
		)
		if err := rows.Scan(&m.ClientID, &m.ID, &m.StoreID, &m.BuyerID, &sender, &m.TargetUserID,
			&m.Body, &msgType, &m.FileURL, &m.IsRead, &m.Status, &created); err != nil {
			return nil, err
		}
		m.Sender = model.Role(sender)
		m.Type = model.MessageType(msgType)
		m.CreatedAt = time.UnixMilli(created).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

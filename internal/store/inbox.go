package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/storechat/internal/model"
)

// UpsertInbox inserts or updates the entry for (role, counterpart).
func (db *DB) UpsertInbox(role model.Role, e model.InboxEntry) error {
	return upsertInbox(db.DB, role, e)
}

// ReplaceInbox swaps every entry of role for entries in one transaction.
func (db *DB) ReplaceInbox(role model.Role, entries []model.InboxEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM inbox WHERE role = ?`, string(role)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := upsertInbox(tx, role, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertInbox(x execer, role model.Role, e model.InboxEntry) error {
	_, err := x.Exec(`
		INSERT INTO inbox (role, counterpart_id, display_name, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, counterpart_id) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), inbox.display_name),
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		string(role), e.CounterpartID, e.DisplayName, e.LastMessage, e.LastMessageAt.UnixMilli(), e.UnreadCount, time.Now().UnixMilli())
	return err
}

// ListInbox returns role's entries, most recent conversation first.
func (db *DB) ListInbox(role model.Role, limit, offset int) ([]model.InboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT counterpart_id, COALESCE(NULLIF(display_name, ''), counterpart_id), last_message, last_message_at, unread_count
		FROM inbox
		WHERE role = ?
		ORDER BY last_message_at DESC, counterpart_id
		LIMIT ? OFFSET ?`, string(role), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []model.InboxEntry
	for rows.Next() {
		var (
			e    model.InboxEntry
			last int64
		)
		if err := rows.Scan(&e.CounterpartID, &e.DisplayName, &e.LastMessage, &last, &e.UnreadCount); err != nil {
			return nil, err
		}
		e.LastMessageAt = time.UnixMilli(last).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetInboxEntry returns nil if there is no entry for counterpart.
func (db *DB) GetInboxEntry(role model.Role, counterpart string) (*model.InboxEntry, error) {
	var (
		e    model.InboxEntry
		last int64
	)
	err := db.QueryRow(`
		SELECT counterpart_id, display_name, last_message, last_message_at, unread_count
		FROM inbox WHERE role = ? AND counterpart_id = ?`, string(role), counterpart).
		Scan(&e.CounterpartID, &e.DisplayName, &e.LastMessage, &last, &e.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.LastMessageAt = time.UnixMilli(last).UTC()
	return &e, nil
}

// UnreadTotal sums unread counts over role's inbox.
func (db *DB) UnreadTotal(role model.Role) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COALESCE(SUM(unread_count), 0) FROM inbox WHERE role = ?`, string(role)).Scan(&n)
	return n, err
}

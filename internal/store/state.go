package store

import (
	"database/sql"
	"errors"
)

// Keys in sync_state.
const (
	StateLastInboxRefresh = "last_inbox_refresh"
	StateLastEventAt      = "last_event_at"
)

// SetSyncState stores a value under key.
func (db *DB) SetSyncState(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// SyncState returns the value under key, or "" if unset.
func (db *DB) SyncState(key string) (string, error) {
	var v string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

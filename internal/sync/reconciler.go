package sync

import (
	"strconv"
	"time"

	"github.com/matheus3301/storechat/internal/store"
)

// Checkpoints records when the cache was last brought up to date.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint tracker backed by sync_state.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// MarkEvent records the timestamp of the latest ingested event.
func (c *Checkpoints) MarkEvent(t time.Time) error {
	return c.set(store.StateLastEventAt, t)
}

// MarkInboxRefreshed records a full inbox refresh.
func (c *Checkpoints) MarkInboxRefreshed(t time.Time) error {
	return c.set(store.StateLastInboxRefresh, t)
}

// LastEvent returns the time of the latest ingested event, zero if none.
func (c *Checkpoints) LastEvent() (time.Time, error) {
	return c.get(store.StateLastEventAt)
}

// LastInboxRefresh returns the time of the latest full inbox refresh.
func (c *Checkpoints) LastInboxRefresh() (time.Time, error) {
	return c.get(store.StateLastInboxRefresh)
}

func (c *Checkpoints) set(key string, t time.Time) error {
	return c.db.SetSyncState(key, strconv.FormatInt(t.UnixMilli(), 10))
}

func (c *Checkpoints) get(key string) (time.Time, error) {
	v, err := c.db.SyncState(key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

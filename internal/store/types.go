package store

import "github.com/matheus3301/storechat/internal/model"

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a message waiting to be persisted on the backend.
type OutboxEntry struct {
	ID           int64
	ClientID     string
	StoreID      string
	Message      model.Message
	Status       string
	Attempts     int
	ErrorMessage string
	ServerID     string
}

// SearchResult is a cached message matching a search.
type SearchResult struct {
	Message model.Message
	Snippet string
}

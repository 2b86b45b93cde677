package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the chat core. The prefix before the first dot is
// the namespace subscribers filter on.
const (
	ConnStateChanged = "conn.state_changed"

	ChatMessage = "chat.message"
	ChatHistory = "chat.history"
	ChatInbox   = "chat.inbox"
	ChatTyping  = "chat.typing"

	MessageUpserted   = "message.upserted"
	MessageSendAck    = "message.send_ack"
	MessageSendFailed = "message.send_failed"

	UploadProgress  = "upload.progress"
	UploadSucceeded = "upload.succeeded"
	UploadFailed    = "upload.failed"
)

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

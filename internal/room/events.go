package room

import "github.com/matheus3301/storechat/internal/model"

// MessageEvent is published as bus.ChatMessage whenever a message is added
// to or updated in local state, whether or not its room is open.
type MessageEvent struct {
	Role    model.Role
	Message model.Message
}

// HistoryEvent is published as bus.ChatHistory after a conversation load.
type HistoryEvent struct {
	Room     model.RoomKey
	Messages []model.Message
}

// InboxEvent is published as bus.ChatInbox. Replace is set after a full
// refresh; otherwise Entries holds only the entries that changed.
type InboxEvent struct {
	Role    model.Role
	Replace bool
	Entries []model.InboxEntry
}

// TypingEvent is published as bus.ChatTyping when the counterpart starts
// or stops typing in the open room.
type TypingEvent struct {
	Room   model.RoomKey
	Active bool
}

package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Role identifies which side of a conversation a session speaks for.
type Role string

const (
	Buyer  Role = "buyer"
	Seller Role = "seller"
	// Generic is the legacy role used by token-authenticated sockets.
	Generic Role = "generic"
)

// MessageType is the payload kind of a chat message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeDocument MessageType = "document"
)

// Delivery status of a message as seen by this client.
const (
	StatusSending  = "sending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusReceived = "received"
)

// RoomKey identifies a buyer<->store conversation. Sellers join with an
// empty BuyerID and see every buyer of the store.
type RoomKey struct {
	StoreID string `json:"storeId"`
	BuyerID string `json:"buyerId,omitempty"`
}

func (k RoomKey) String() string {
	if k.BuyerID == "" {
		return k.StoreID
	}
	return fmt.Sprintf("%s/%s", k.StoreID, k.BuyerID)
}

// IsZero reports whether the key names no room.
func (k RoomKey) IsZero() bool {
	return k.StoreID == ""
}

// Contains reports whether a message addressed to other belongs to k.
// A store-wide key contains every buyer of that store.
func (k RoomKey) Contains(other RoomKey) bool {
	if k.StoreID != other.StoreID {
		return false
	}
	return k.BuyerID == "" || k.BuyerID == other.BuyerID
}

// CounterpartID returns the party on the other side of the room from the
// point of view of role.
func (k RoomKey) CounterpartID(role Role) string {
	if role == Seller {
		return k.BuyerID
	}
	return k.StoreID
}

// Message is a single chat record. ClientID is generated locally and is the
// reconciliation key between optimistic entries and server echoes.
type Message struct {
	ID           string      `json:"id,omitempty"`
	ClientID     string      `json:"client_id,omitempty"`
	Sender       Role        `json:"sender"`
	StoreID      string      `json:"store_id"`
	BuyerID      string      `json:"buyer_id,omitempty"`
	TargetUserID string      `json:"target_user_id,omitempty"`
	Body         string      `json:"message"`
	Type         MessageType `json:"message_type"`
	FileURL      string      `json:"file_url,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	IsRead       bool        `json:"is_read"`

	// Local-only fields.
	Temp   bool   `json:"-"`
	Status string `json:"-"`
}

// Room returns the conversation the message belongs to.
func (m *Message) Room() RoomKey {
	return RoomKey{StoreID: m.StoreID, BuyerID: m.BuyerID}
}

// ResolveBuyer fills BuyerID for records pushed without one. Buyers only
// ever see their own conversations; a seller's own message names the buyer
// as its target.
func (m *Message) ResolveBuyer(viewer Role, viewerID string) {
	if m.BuyerID != "" {
		return
	}
	switch {
	case viewer == Buyer:
		m.BuyerID = viewerID
	case m.Sender == Seller:
		m.BuyerID = m.TargetUserID
	}
}

// CounterpartID returns the id of the other party from the point of view of
// role: sellers aggregate by buyer, buyers aggregate by store.
func (m *Message) CounterpartID(role Role) string {
	return m.Room().CounterpartID(role)
}

// Preview is the short text shown in inbox listings.
func (m *Message) Preview() string {
	if m.Body != "" {
		return truncate(m.Body, 100)
	}
	if m.Type != "" && m.Type != TypeText {
		return "[" + string(m.Type) + "]"
	}
	return ""
}

// Valid checks the body/file invariant: a record carries text or a file.
func (m *Message) Valid() error {
	if m.StoreID == "" {
		return fmt.Errorf("message has no store id")
	}
	if m.Body == "" && m.FileURL == "" {
		return fmt.Errorf("message has neither text nor file")
	}
	return nil
}

// InboxEntry is the per-counterparty summary shown in the seller inbox and
// the buyer store list.
type InboxEntry struct {
	CounterpartID string    `json:"counterpart_id"`
	DisplayName   string    `json:"display_name"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_timestamp"`
	UnreadCount   int       `json:"unread_count"`
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a transport to url with the given handshake headers.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Frame is the wire envelope: one JSON text frame per event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Events received from the server, plus the lifecycle events the manager
// raises itself.
const (
	EventReceiveMessage = "receive_message"
	EventTyping         = "typing"
	EventMessagesRead   = "messages_read"
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventConnectError   = "connect_error"
)

// Events emitted to the server.
const (
	EmitJoinRoom    = "join_room"
	EmitSendMessage = "send_message"
	EmitTyping      = "typing"
	EmitMarkRead    = "mark_read"
)

// SendPayload is the body of a send_message emit.
type SendPayload struct {
	StoreID string `json:"storeId"`
	Chat    any    `json:"chat"`
}

// TypingPayload is the body of a typing event in both directions.
type TypingPayload struct {
	StoreID      string `json:"storeId"`
	BuyerID      string `json:"buyerId,omitempty"`
	Sender       string `json:"sender"`
	TargetUserID string `json:"targetUserId,omitempty"`
}

// ErrorPayload is the body of a connect_error or disconnect event.
type ErrorPayload struct {
	Message string `json:"message"`
}

package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
)

// SendResult is the backend's acknowledgement of a persisted message.
type SendResult struct {
	ID        string
	CreatedAt time.Time
}

type sendResponse struct {
	Success   bool      `json:"success"`
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// SendMessage persists msg via POST /chats/send. The backend dedupes on
// client_id, so retrying a message is safe.
func (c *Client) SendMessage(ctx context.Context, msg model.Message) (SendResult, error) {
	body, err := jsonBody(msg)
	if err != nil {
		return SendResult{}, chaterr.New(chaterr.Validation, "send message", err)
	}
	var resp sendResponse
	err = c.do(ctx, request{
		op:          "send message",
		kind:        chaterr.Persistence,
		method:      http.MethodPost,
		path:        "/chats/send",
		body:        body,
		contentType: "application/json",
	}, &resp)
	if err != nil {
		return SendResult{}, err
	}
	if !resp.Success {
		reason := resp.Message
		if reason == "" {
			reason = "backend reported failure"
		}
		return SendResult{}, chaterr.New(chaterr.Persistence, "send message", errors.New(reason))
	}
	return SendResult{ID: resp.ID, CreatedAt: resp.CreatedAt}, nil
}

// Conversation returns the history of a room in chronological order.
// A room with no history yet yields a NotFound error.
func (c *Client) Conversation(ctx context.Context, key model.RoomKey) ([]model.Message, error) {
	path := "/chats/conversation/" + url.PathEscape(key.StoreID)
	if key.BuyerID != "" {
		path += "?" + url.Values{"buyerId": {key.BuyerID}}.Encode()
	}
	var resp struct {
		Conversation []model.Message `json:"conversation"`
	}
	err := c.do(ctx, request{
		op:     "load conversation",
		kind:   chaterr.Persistence,
		method: http.MethodGet,
		path:   path,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Conversation, nil
}

// MarkRead marks every message of the room as read for the caller.
func (c *Client) MarkRead(ctx context.Context, key model.RoomKey) error {
	body, err := jsonBody(key)
	if err != nil {
		return chaterr.New(chaterr.Validation, "mark read", err)
	}
	return c.do(ctx, request{
		op:          "mark read",
		kind:        chaterr.Persistence,
		method:      http.MethodPost,
		path:        "/chats/mark-read",
		body:        body,
		contentType: "application/json",
	}, nil)
}

// Inbox lists the caller's conversations: buyers for a seller, stores for
// everyone else.
func (c *Client) Inbox(ctx context.Context, role model.Role) ([]model.InboxEntry, error) {
	path := "/chats/buyer/inbox"
	if role == model.Seller {
		path = "/chats/seller/inbox"
	}
	var resp struct {
		Inbox []model.InboxEntry `json:"inbox"`
	}
	err := c.do(ctx, request{
		op:     "load inbox",
		kind:   chaterr.Persistence,
		method: http.MethodGet,
		path:   path,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Inbox, nil
}

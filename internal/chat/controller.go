// Package chat is the per-role chat controller: it opens conversations,
// sends messages with attachments and routes socket pushes into the room
// state.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/outbox"
	"github.com/matheus3301/storechat/internal/realtime"
	"github.com/matheus3301/storechat/internal/room"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/upload"
)

// ErrSendFailed is returned when at least one record of a send was not
// persisted.
var ErrSendFailed = errors.New("failed to send")

// Transport is the realtime connection the controller talks through.
type Transport interface {
	JoinRoom(key model.RoomKey)
	Send(key model.RoomKey, msg model.Message) error
	SendTyping(key model.RoomKey, sender model.Role, target string) error
	MarkRead(key model.RoomKey) error
	On(event string, fn func(data json.RawMessage)) realtime.Subscription
	Off(sub realtime.Subscription)
}

// Persister stores messages on the backend.
type Persister interface {
	Persist(ctx context.Context, msgs []model.Message) []outbox.Result
}

// Attachments are the files queued for the next message.
type Attachments interface {
	UploadAll(ctx context.Context) ([]upload.Attachment, error)
	Attachments() []upload.Attachment
	Pending() bool
	Clear()
}

// Options wires a Controller. Every field but Logger is required.
type Options struct {
	Identity    session.Identity
	Room        *room.State
	Transport   Transport
	Persister   Persister
	Attachments Attachments
	Logger      *zap.Logger
}

// SendResult describes what a Send produced. Messages are in emit order:
// attachments first, then the text.
type SendResult struct {
	Messages      []model.Message
	FailedUploads []upload.Attachment
}

// Controller drives one session's conversations for its role.
type Controller struct {
	id          session.Identity
	room        *room.State
	transport   Transport
	persister   Persister
	attachments Attachments
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	counterpart string
	subs        []realtime.Subscription
	closed      bool
}

// New creates a controller and subscribes it to the transport's events.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:          opts.Identity,
		room:        opts.Room,
		transport:   opts.Transport,
		persister:   opts.Persister,
		attachments: opts.Attachments,
		log:         log.Named("chat").With(zap.String("role", string(opts.Identity.Role))),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.subs = []realtime.Subscription{
		c.transport.On(realtime.EventReceiveMessage, c.onReceive),
		c.transport.On(realtime.EventTyping, c.onTyping),
		c.transport.On(realtime.EventMessagesRead, c.onMessagesRead),
		c.transport.On(realtime.EventConnect, c.onConnect),
	}
	return c
}

// Role returns the role the controller speaks for.
func (c *Controller) Role() model.Role { return c.id.Role }

// Room returns the conversation state the controller maintains.
func (c *Controller) Room() *room.State { return c.room }

// Counterpart returns the party of the open conversation.
func (c *Controller) Counterpart() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counterpart, c.counterpart != ""
}

// UnreadTotal sums unread messages across every conversation.
func (c *Controller) UnreadTotal() int { return c.room.UnreadTotal() }

// Open joins the conversation with counterpart, loads its history and marks
// it read. A conversation without history opens empty. Any other load
// failure is returned, but the conversation stays open with an empty log so
// messages can still be sent.
func (c *Controller) Open(ctx context.Context, counterpart string) ([]model.Message, error) {
	if counterpart == "" {
		return nil, chaterr.New(chaterr.Validation, "open", errors.New("no counterpart"))
	}
	key := c.id.Room(counterpart)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, chaterr.New(chaterr.Validation, "open", errors.New("controller closed"))
	}
	c.counterpart = counterpart
	c.mu.Unlock()

	// Sellers join the store-wide room and see every buyer's traffic.
	join := key
	if c.id.Role == model.Seller {
		join = model.RoomKey{StoreID: key.StoreID}
	}
	c.transport.JoinRoom(join)

	msgs, err := c.room.LoadConversation(ctx, key)
	if err != nil {
		c.log.Warn("failed to load conversation", zap.String("room", key.String()), zap.Error(err))
		return nil, err
	}

	if err := c.room.MarkRead(ctx, key); err != nil {
		c.log.Warn("failed to mark conversation read", zap.String("room", key.String()), zap.Error(err))
	}
	if err := c.transport.MarkRead(key); err != nil {
		c.log.Debug("mark_read not emitted", zap.Error(err))
	}
	c.log.Info("conversation opened", zap.String("room", key.String()), zap.Int("messages", len(msgs)))
	return msgs, nil
}

// Send uploads the pending attachments and sends one record per uploaded
// file plus one for text, if any. Every record is shown immediately,
// announced on the socket and persisted over REST. Records that could not
// be persisted stay visible as failed and the call returns ErrSendFailed.
// Pending attachments are dropped on every return.
func (c *Controller) Send(ctx context.Context, text string) (SendResult, error) {
	// Selected files belong to this call, whatever its outcome.
	if c.attachments != nil {
		defer c.attachments.Clear()
	}
	key, ok := c.room.Active()
	if !ok {
		return SendResult{}, chaterr.New(chaterr.Validation, "send", errors.New("no open conversation"))
	}
	text = strings.TrimSpace(text)
	hasFiles := c.attachments != nil && c.attachments.Pending()
	if text == "" && !hasFiles {
		return SendResult{}, chaterr.New(chaterr.Validation, "send", errors.New("nothing to send"))
	}

	var res SendResult
	var uploaded []upload.Attachment
	if hasFiles {
		var err error
		uploaded, err = c.attachments.UploadAll(ctx)
		if err != nil {
			return res, err
		}
		for _, a := range c.attachments.Attachments() {
			if a.Status == upload.StatusError {
				res.FailedUploads = append(res.FailedUploads, a)
			}
		}
	}

	target := key.CounterpartID(c.id.Role)
	records := make([]model.Message, 0, len(uploaded)+1)
	for _, a := range uploaded {
		records = append(records, c.record(key, target, "", a.Kind, a.URL))
	}
	if text != "" {
		records = append(records, c.record(key, target, text, model.TypeText, ""))
	}
	if len(records) == 0 {
		return res, chaterr.New(chaterr.Upload, "send", errors.New("no attachment could be uploaded"))
	}

	c.room.AppendLocal(records...)
	for _, m := range records {
		if err := c.transport.Send(key, m); err != nil {
			c.log.Debug("send_message not emitted", zap.String("client_id", m.ClientID), zap.Error(err))
		}
	}

	results := c.persister.Persist(ctx, records)
	failed := false
	for i, r := range results {
		if r.Err != nil {
			failed = true
			c.room.MarkFailed(r.ClientID, r.Err)
			records[i].Status = model.StatusFailed
			continue
		}
		c.room.Confirm(r.ClientID, r.ServerID, r.CreatedAt)
		records[i].ID = r.ServerID
		if !r.CreatedAt.IsZero() {
			records[i].CreatedAt = r.CreatedAt
		}
		records[i].Temp = false
		records[i].Status = model.StatusSent
	}
	res.Messages = records
	if failed {
		return res, chaterr.New(chaterr.Persistence, "send", ErrSendFailed)
	}
	return res, nil
}

func (c *Controller) record(key model.RoomKey, target, body string, kind model.MessageType, url string) model.Message {
	return model.Message{
		ClientID:     uuid.NewString(),
		Sender:       c.id.Role,
		StoreID:      key.StoreID,
		BuyerID:      key.BuyerID,
		TargetUserID: target,
		Body:         body,
		Type:         kind,
		FileURL:      url,
	}
}

// Typing tells the counterpart of the open conversation that this side is
// typing.
func (c *Controller) Typing() error {
	key, ok := c.room.Active()
	if !ok {
		return chaterr.New(chaterr.Validation, "typing", errors.New("no open conversation"))
	}
	return c.transport.SendTyping(key, c.id.Role, key.CounterpartID(c.id.Role))
}

// Close unsubscribes from the transport and stops the room's timers.
// Results arriving afterwards are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		c.transport.Off(s)
	}
	c.cancel()
	c.room.Close()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) onReceive(data json.RawMessage) {
	if c.isClosed() {
		return
	}
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed receive_message", zap.Error(err))
		return
	}
	if msg.StoreID == "" {
		c.log.Warn("receive_message without store id")
		return
	}
	msg.ResolveBuyer(c.id.Role, c.id.UserID)
	c.room.AppendIncoming(msg)
}

func (c *Controller) onTyping(data json.RawMessage) {
	if c.isClosed() {
		return
	}
	var p realtime.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.log.Warn("malformed typing", zap.Error(err))
		return
	}
	if model.Role(p.Sender) == c.id.Role {
		return
	}
	active, ok := c.room.Active()
	if !ok {
		return
	}
	from := model.RoomKey{StoreID: p.StoreID, BuyerID: p.BuyerID}
	if !active.Contains(from) && !from.Contains(active) {
		return
	}
	c.room.NoteTyping()
}

func (c *Controller) onMessagesRead(data json.RawMessage) {
	if c.isClosed() {
		return
	}
	var key model.RoomKey
	if err := json.Unmarshal(data, &key); err != nil {
		c.log.Warn("malformed messages_read", zap.Error(err))
		return
	}
	c.room.ApplyRead(key)
}

func (c *Controller) onConnect(json.RawMessage) {
	if c.isClosed() {
		return
	}
	go func() {
		if _, err := c.room.RefreshInbox(c.ctx); err != nil && c.ctx.Err() == nil {
			c.log.Warn("inbox refresh failed", zap.Error(err))
		}
	}()
}

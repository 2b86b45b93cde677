package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/storechat/internal/api"
	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/outbox"
	"github.com/matheus3301/storechat/internal/realtime"
	"github.com/matheus3301/storechat/internal/room"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/store"
	"github.com/matheus3301/storechat/internal/upload"
)

// fakeConn is an in-memory socket: frames pushed by the test are read by
// the manager, frames the manager writes are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []realtime.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	var f realtime.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	b, err := json.Marshal(realtime.Frame{Event: event, Data: raw})
	require.NoError(t, err)
	c.in <- b
}

func (c *fakeConn) frames(event string) []realtime.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []realtime.Frame
	for _, f := range c.writes {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct{ conn *fakeConn }

func (d *fakeDialer) Dial(context.Context, string, http.Header) (realtime.Conn, error) {
	return d.conn, nil
}

// fakeRooms serves conversation, mark-read and inbox requests.
type fakeRooms struct {
	mu      sync.Mutex
	history map[model.RoomKey][]model.Message
	inbox   []model.InboxEntry
	marked  []model.RoomKey
}

func (f *fakeRooms) Conversation(_ context.Context, key model.RoomKey) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.history[key]
	if !ok {
		return nil, chaterr.New(chaterr.NotFound, "load conversation", &api.StatusError{Code: 404})
	}
	return append([]model.Message(nil), h...), nil
}

func (f *fakeRooms) MarkRead(_ context.Context, key model.RoomKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, key)
	return nil
}

func (f *fakeRooms) Inbox(context.Context, model.Role) ([]model.InboxEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InboxEntry(nil), f.inbox...), nil
}

// fakeREST is the POST /chats/send endpoint.
type fakeREST struct {
	mu    sync.Mutex
	sent  []model.Message
	fails map[string]bool
}

func (f *fakeREST) SendMessage(_ context.Context, m model.Message) (api.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	if f.fails[m.Body] {
		return api.SendResult{}, chaterr.New(chaterr.Persistence, "send message", errors.New("http 500"))
	}
	return api.SendResult{ID: "srv-" + m.ClientID, CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeREST) calls() []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.sent...)
}

// stubUploader fails the files listed in fails and stores the rest.
type stubUploader struct {
	fails map[string]bool
}

func (u *stubUploader) Upload(_ context.Context, _ string, _ session.Credential, f api.UploadFile, progress func(int)) (api.UploadedFile, error) {
	if u.fails[f.Name] {
		return api.UploadedFile{}, chaterr.New(chaterr.Upload, "upload", errors.New("http 413"))
	}
	if progress != nil {
		progress(100)
	}
	return api.UploadedFile{URL: "https://cdn.test/" + f.Name, Type: "image"}, nil
}

type harness struct {
	ctl   *Controller
	conn  *fakeConn
	rooms *fakeRooms
	rest  *fakeREST
	files *upload.Orchestrator
	bus   *bus.Bus
	mgr   *realtime.Manager
}

func newHarness(t *testing.T, id session.Identity, rooms *fakeRooms, uploader *stubUploader) *harness {
	t.Helper()
	if rooms.history == nil {
		rooms.history = map[model.RoomKey][]model.Message{}
	}
	db, err := store.OpenMigrated(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	creds := &session.StaticProvider{Cred: session.Credential{Token: "tok"}}
	conn := newFakeConn()
	mgr := realtime.NewManager(realtime.Config{URL: "ws://chat.test", ReconnectAttempts: 1, ReconnectDelay: 10 * time.Millisecond},
		&fakeDialer{conn: conn}, creds, b, nil)
	rest := &fakeREST{fails: map[string]bool{}}
	if uploader == nil {
		uploader = &stubUploader{}
	}
	files := upload.NewOrchestrator(upload.Options{Uploader: uploader, Credentials: creds, Bus: b})

	h := &harness{
		conn:  conn,
		rooms: rooms,
		rest:  rest,
		files: files,
		bus:   b,
		mgr:   mgr,
	}
	h.ctl = New(Options{
		Identity:    id,
		Room:        room.New(id.Role, room.Options{API: rooms, Bus: b}),
		Transport:   mgr,
		Persister:   outbox.NewSender(db, rest, b, nil),
		Attachments: files,
	})
	t.Cleanup(func() {
		h.ctl.Close()
		_ = mgr.Close()
	})

	refreshed, unsub := b.Subscribe(bus.ChatInbox, 16)
	defer unsub()
	require.NoError(t, mgr.Open(context.Background(), id))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-refreshed:
			if e, ok := evt.Payload.(room.InboxEvent); ok && e.Replace {
				return h
			}
		case <-deadline:
			t.Fatal("inbox was not refreshed on connect")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

var (
	buyer  = session.Identity{Role: model.Buyer, UserID: "b1"}
	seller = session.Identity{Role: model.Seller, UserID: "u1", StoreID: "s1"}
)

func TestBuyerFirstContactAndHello(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	events, unsub := h.bus.Subscribe(bus.ChatMessage, 16)
	defer unsub()

	msgs, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err, "a conversation without history is not an error")
	assert.Empty(t, msgs)

	joins := h.conn.frames(realtime.EmitJoinRoom)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"storeId":"S","buyerId":"b1"}`, string(joins[0].Data))

	res, err := h.ctl.Send(context.Background(), "Hello")
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	first := <-events
	optimistic := first.Payload.(room.MessageEvent).Message
	assert.True(t, optimistic.Temp)
	assert.Equal(t, "Hello", optimistic.Body)

	sends := h.conn.frames(realtime.EmitSendMessage)
	require.Len(t, sends, 1)
	var payload struct {
		StoreID string        `json:"storeId"`
		Chat    model.Message `json:"chat"`
	}
	require.NoError(t, json.Unmarshal(sends[0].Data, &payload))
	assert.Equal(t, "S", payload.StoreID)
	assert.Equal(t, "Hello", payload.Chat.Body)
	assert.Equal(t, model.TypeText, payload.Chat.Type)

	posted := h.rest.calls()
	require.Len(t, posted, 1)
	assert.Equal(t, "Hello", posted[0].Body)
	assert.Equal(t, model.TypeText, posted[0].Type)
	assert.Equal(t, "S", posted[0].StoreID)
	assert.Equal(t, "S", posted[0].TargetUserID)
	assert.Equal(t, payload.Chat.ClientID, posted[0].ClientID)

	log := h.ctl.Room().Messages()
	require.Len(t, log, 1)
	assert.False(t, log[0].Temp)
	assert.Equal(t, model.StatusSent, log[0].Status)
	assert.Equal(t, "srv-"+posted[0].ClientID, log[0].ID)
}

func TestImagesWithCaptionProduceOneRecordEach(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	_, err = h.files.Select([]upload.File{
		upload.FromBytes("a.png", []byte("one")),
		upload.FromBytes("b.png", []byte("two")),
	}, model.TypeImage)
	require.NoError(t, err)

	res, err := h.ctl.Send(context.Background(), "look at these")
	require.NoError(t, err)
	require.Len(t, res.Messages, 3)

	assert.Equal(t, model.TypeImage, res.Messages[0].Type)
	assert.Empty(t, res.Messages[0].Body)
	assert.Equal(t, "https://cdn.test/a.png", res.Messages[0].FileURL)
	assert.Equal(t, "https://cdn.test/b.png", res.Messages[1].FileURL)
	assert.Equal(t, model.TypeText, res.Messages[2].Type)
	assert.Equal(t, "look at these", res.Messages[2].Body)

	assert.Len(t, h.conn.frames(realtime.EmitSendMessage), 3)
	assert.Len(t, h.rest.calls(), 3, "every record is persisted")
	assert.Len(t, h.ctl.Room().Messages(), 3)
	assert.Empty(t, h.files.Attachments(), "attachments are cleared after a send")
}

func TestFailedUploadsAreReported(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, &stubUploader{fails: map[string]bool{"big.png": true}})
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	_, err = h.files.Select([]upload.File{
		upload.FromBytes("ok.png", []byte("one")),
		upload.FromBytes("big.png", []byte("two")),
	}, model.TypeImage)
	require.NoError(t, err)

	res, err := h.ctl.Send(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "https://cdn.test/ok.png", res.Messages[0].FileURL)
	require.Len(t, res.FailedUploads, 1)
	assert.Equal(t, "big.png", res.FailedUploads[0].File.Name)
}

func TestPersistFailureMarksMessageFailed(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)
	h.rest.fails["doomed"] = true

	res, err := h.ctl.Send(context.Background(), "doomed")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, chaterr.ErrPersistence)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, model.StatusFailed, res.Messages[0].Status)

	log := h.ctl.Room().Messages()
	require.Len(t, log, 1)
	assert.Equal(t, model.StatusFailed, log[0].Status, "a failed send stays visible")
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)

	_, err := h.ctl.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, chaterr.ErrValidation, "no open conversation")

	_, err = h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)
	_, err = h.ctl.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, chaterr.ErrValidation, "nothing to send")
	assert.Empty(t, h.rest.calls())
}

func TestRejectedSendDropsSelectedFiles(t *testing.T) {
	h := newHarness(t, seller, &fakeRooms{}, nil)
	_, err := h.files.Select([]upload.File{upload.FromBytes("a.png", []byte("\x89PNG\r\n\x1a\n"))}, model.TypeImage)
	require.NoError(t, err)

	_, err = h.ctl.Send(context.Background(), "for b1")
	require.ErrorIs(t, err, chaterr.ErrValidation)
	assert.False(t, h.files.Pending(), "files are not carried into the next conversation")

	_, err = h.ctl.Open(context.Background(), "b2")
	require.NoError(t, err)
	res, err := h.ctl.Send(context.Background(), "hello b2")
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	calls := h.rest.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.TypeText, calls[0].Type)
	assert.Empty(t, calls[0].FileURL)
}

func TestSellerInactiveBuyerMessageCountsUnread(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	b1 := model.RoomKey{StoreID: "s1", BuyerID: "b1"}
	rooms := &fakeRooms{history: map[model.RoomKey][]model.Message{
		b1: {{ID: "m1", Sender: model.Buyer, StoreID: "s1", BuyerID: "b1", Body: "hi", Type: model.TypeText, CreatedAt: t0}},
	}}
	h := newHarness(t, seller, rooms, nil)

	msgs, err := h.ctl.Open(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	joins := h.conn.frames(realtime.EmitJoinRoom)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"storeId":"s1"}`, string(joins[0].Data), "sellers join the store room")
	assert.Len(t, h.conn.frames(realtime.EmitMarkRead), 1)

	h.conn.push(t, realtime.EventReceiveMessage, model.Message{
		ID: "m2", Sender: model.Buyer, StoreID: "s1", BuyerID: "b2", Body: "anyone?", Type: model.TypeText, CreatedAt: t0.Add(time.Minute),
	})
	waitFor(t, "b2 unread", func() bool {
		e, ok := h.ctl.Room().Entry("b2")
		return ok && e.UnreadCount == 1
	})
	assert.Len(t, h.ctl.Room().Messages(), 1, "open log is unchanged")
}

func TestIncomingMessageForOpenRoomIsAppended(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	h.conn.push(t, realtime.EventReceiveMessage, model.Message{
		ID: "m9", Sender: model.Seller, StoreID: "S", BuyerID: "b1", Body: "welcome", Type: model.TypeText,
	})
	waitFor(t, "incoming message", func() bool { return len(h.ctl.Room().Messages()) == 1 })
	assert.Equal(t, model.StatusReceived, h.ctl.Room().Messages()[0].Status)
}

func TestIncomingMessageWithoutBuyerIDReachesBuyer(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	h.conn.push(t, realtime.EventReceiveMessage, map[string]any{
		"id": "m9", "sender": "seller", "store_id": "S", "target_user_id": "b1", "message": "welcome", "message_type": "text",
	})
	waitFor(t, "incoming message", func() bool { return len(h.ctl.Room().Messages()) == 1 })
	assert.Equal(t, "b1", h.ctl.Room().Messages()[0].BuyerID)
	e, ok := h.ctl.Room().Entry("S")
	require.True(t, ok)
	assert.Zero(t, e.UnreadCount, "open conversation does not count unread")
}

func TestSellerReplyWithoutBuyerIDUsesTarget(t *testing.T) {
	h := newHarness(t, seller, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "b1")
	require.NoError(t, err)

	h.conn.push(t, realtime.EventReceiveMessage, map[string]any{
		"id": "m3", "sender": "seller", "store_id": "s1", "target_user_id": "b1", "message": "from another tab", "message_type": "text",
	})
	waitFor(t, "echoed reply", func() bool { return len(h.ctl.Room().Messages()) == 1 })
}

func TestTypingFromCounterpartOnly(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	h.conn.push(t, realtime.EventTyping, realtime.TypingPayload{StoreID: "S", BuyerID: "b1", Sender: "buyer"})
	h.conn.push(t, realtime.EventTyping, realtime.TypingPayload{StoreID: "other", Sender: "seller"})
	time.Sleep(20 * time.Millisecond)
	typing, _ := h.ctl.Room().Typing()
	assert.False(t, typing, "own echo and other rooms are ignored")

	h.conn.push(t, realtime.EventTyping, realtime.TypingPayload{StoreID: "S", BuyerID: "b1", Sender: "seller"})
	waitFor(t, "typing indicator", func() bool {
		typing, _ := h.ctl.Room().Typing()
		return typing
	})
}

func TestTypingEmitsToCounterpart(t *testing.T) {
	h := newHarness(t, seller, &fakeRooms{}, nil)
	require.Error(t, h.ctl.Typing())

	_, err := h.ctl.Open(context.Background(), "b7")
	require.NoError(t, err)
	require.NoError(t, h.ctl.Typing())

	frames := h.conn.frames(realtime.EmitTyping)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"storeId":"s1","buyerId":"b7","sender":"seller","targetUserId":"b7"}`, string(frames[0].Data))
}

func TestMessagesReadAppliesToOpenRoom(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)
	_, err = h.ctl.Send(context.Background(), "seen?")
	require.NoError(t, err)

	h.conn.push(t, realtime.EventMessagesRead, model.RoomKey{StoreID: "S", BuyerID: "b1"})
	waitFor(t, "read receipt", func() bool {
		log := h.ctl.Room().Messages()
		return len(log) == 1 && log[0].IsRead
	})
}

func TestCloseIgnoresLaterEvents(t *testing.T) {
	h := newHarness(t, buyer, &fakeRooms{}, nil)
	_, err := h.ctl.Open(context.Background(), "S")
	require.NoError(t, err)

	h.ctl.Close()
	h.ctl.Close()
	h.conn.push(t, realtime.EventReceiveMessage, model.Message{ID: "late", Sender: model.Seller, StoreID: "S", BuyerID: "b1", Body: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ctl.Room().Messages())

	_, err = h.ctl.Open(context.Background(), "S")
	assert.ErrorIs(t, err, chaterr.ErrValidation)
}

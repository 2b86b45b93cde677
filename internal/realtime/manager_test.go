package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/status"
)

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.closed:
		return 0, nil, errors.New("connection reset")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	var f Frame
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
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(Frame{Event: event, Data: raw})
	c.in <- b
}

func (c *fakeConn) frames(event string) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, f := range c.writes {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	urls    []string
	headers []http.Header
	failing bool
	// failures fails that many dials before succeeding.
	failures int
	calls    int
}

func (d *fakeDialer) Dial(_ context.Context, url string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.urls = append(d.urls, url)
	d.headers = append(d.headers, header)
	if d.failing || d.failures > 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var buyer = session.Identity{Role: model.Buyer, UserID: "b1"}

func newTestManager(d Dialer, attempts int) *Manager {
	creds := &session.StaticProvider{Cred: session.Credential{Token: "tok", Mode: session.Bearer}}
	return NewManager(Config{
		URL:               "ws://chat.test/",
		Namespace:         "chat",
		ReconnectAttempts: attempts,
		ReconnectDelay:    10 * time.Millisecond,
	}, d, creds, nil, nil)
}

func TestOpenDialsNamespaceWithCredential(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := m.State(); got != status.Connected {
		t.Fatalf("State() = %s, want CONNECTED", got)
	}
	if !strings.HasPrefix(d.urls[0], "ws://chat.test/chat?") || !strings.Contains(d.urls[0], "userId=b1") {
		t.Errorf("dial url = %q", d.urls[0])
	}
	if got := d.headers[0].Get("Authorization"); got != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", got)
	}
}

func TestOpenRetriesFailedDial(t *testing.T) {
	d := &fakeDialer{failures: 1}
	m := newTestManager(d, 3)
	defer m.Close()

	connected := make(chan struct{}, 1)
	m.On(EventConnect, func(json.RawMessage) { connected <- struct{}{} })

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := m.State(); got != status.Connected {
		t.Fatalf("State() = %s, want CONNECTED", got)
	}
	if got := d.dials(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
}

func TestOpenGivesUpAfterAttempts(t *testing.T) {
	d := &fakeDialer{failing: true}
	m := newTestManager(d, 2)
	defer m.Close()

	errs := make(chan json.RawMessage, 1)
	m.On(EventConnectError, func(data json.RawMessage) { errs <- data })

	err := m.Open(context.Background(), buyer)
	if !errors.Is(err, chaterr.ErrTransport) {
		t.Fatalf("Open() error = %v, want transport error", err)
	}
	if got := d.dials(); got != 1+2 {
		t.Errorf("dials = %d, want 3 (first dial + 2 retries)", got)
	}
	if got := m.State(); got != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", got)
	}
	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect_error")
	}

	d.setFailing(false)
	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatalf("Open() after recovery error = %v", err)
	}
}

func TestCloseStopsPendingOpen(t *testing.T) {
	d := &fakeDialer{failing: true}
	creds := &session.StaticProvider{Cred: session.Credential{Token: "tok"}}
	m := NewManager(Config{URL: "ws://chat.test", ReconnectAttempts: 100, ReconnectDelay: 50 * time.Millisecond}, d, creds, nil, nil)

	done := make(chan error, 1)
	go func() { done <- m.Open(context.Background(), buyer) }()
	waitFor(t, "first dial", func() bool { return d.dials() >= 1 })

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Error("Open() should fail once closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open() kept dialing after Close")
	}
	if got := m.State(); got != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", got)
	}
}

func TestOpenRejectsInvalidIdentity(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)

	err := m.Open(context.Background(), session.Identity{Role: model.Seller, UserID: "u1"})
	if !errors.Is(err, chaterr.ErrValidation) {
		t.Fatalf("Open() error = %v, want validation error", err)
	}
	if d.dials() != 0 {
		t.Errorf("dials = %d, want 0", d.dials())
	}
}

func TestConcurrentOpenDialsOnce(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Open(context.Background(), buyer); err != nil {
				t.Errorf("Open() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
}

func TestOpenDifferentIdentityTearsDown(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	m.JoinRoom(model.RoomKey{StoreID: "s1", BuyerID: "b1"})

	seller := session.Identity{Role: model.Seller, UserID: "u9", StoreID: "s1"}
	if err := m.Open(context.Background(), seller); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if d.dials() != 2 {
		t.Fatalf("dials = %d, want 2", d.dials())
	}
	waitFor(t, "old transport closed", d.conn(0).isClosed)
	if _, ok := m.LastJoinedRoom(); ok {
		t.Error("last joined room should be cleared on identity change")
	}
	if id, _ := m.Identity(); id != seller {
		t.Errorf("Identity() = %+v, want %+v", id, seller)
	}
}

func TestJoinRoomWhileDisconnectedIsDeferred(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	room := model.RoomKey{StoreID: "s1", BuyerID: "b1"}
	m.JoinRoom(room)
	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}

	joins := d.conn(0).frames(EmitJoinRoom)
	if len(joins) != 1 {
		t.Fatalf("join_room frames = %d, want 1", len(joins))
	}
	var got model.RoomKey
	_ = json.Unmarshal(joins[0].Data, &got)
	if got != room {
		t.Errorf("joined %+v, want %+v", got, room)
	}
}

func TestReconnectRejoinsLastRoomOnce(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 5)
	defer m.Close()

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	first := model.RoomKey{StoreID: "s1", BuyerID: "b1"}
	latest := model.RoomKey{StoreID: "s2", BuyerID: "b1"}
	m.JoinRoom(first)
	m.JoinRoom(latest)

	d.conn(0).Close()
	waitFor(t, "second dial", func() bool { return d.dials() == 2 })
	waitFor(t, "rejoin", func() bool { return len(d.conn(1).frames(EmitJoinRoom)) > 0 })
	time.Sleep(20 * time.Millisecond)
	if m.State() != status.Connected {
		t.Fatalf("State() = %s, want CONNECTED", m.State())
	}

	joins := d.conn(1).frames(EmitJoinRoom)
	if len(joins) != 1 {
		t.Fatalf("join_room after reconnect = %d, want exactly 1", len(joins))
	}
	var got model.RoomKey
	_ = json.Unmarshal(joins[0].Data, &got)
	if got != latest {
		t.Errorf("rejoined %+v, want most recent room %+v", got, latest)
	}
}

func TestNoJoinEmittedWhileReconnecting(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 50)
	defer m.Close()

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	d.setFailing(true)
	d.conn(0).Close()
	waitFor(t, "reconnecting", func() bool { return m.State() == status.Reconnecting })

	m.JoinRoom(model.RoomKey{StoreID: "s1", BuyerID: "b1"})
	if n := len(d.conn(0).frames(EmitJoinRoom)); n != 0 {
		t.Errorf("join_room frames on dead transport = %d, want 0", n)
	}
	if err := m.Send(model.RoomKey{StoreID: "s1"}, model.Message{Body: "x"}); !errors.Is(err, chaterr.ErrTransport) {
		t.Errorf("Send() while reconnecting error = %v, want transport error", err)
	}

	d.setFailing(false)
	waitFor(t, "rejoin", func() bool {
		return m.State() == status.Connected && len(d.lastConn().frames(EmitJoinRoom)) > 0
	})
	time.Sleep(20 * time.Millisecond)
	last := d.lastConn()
	if n := len(last.frames(EmitJoinRoom)); n != 1 {
		t.Errorf("join_room after reconnect = %d, want 1", n)
	}
}

func TestReconnectExhaustionDisconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	errs := make(chan json.RawMessage, 4)
	m.On(EventConnectError, func(data json.RawMessage) { errs <- data })

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	d.setFailing(true)
	d.conn(0).Close()

	select {
	case data := <-errs:
		var p ErrorPayload
		_ = json.Unmarshal(data, &p)
		if !strings.Contains(p.Message, "transport") {
			t.Errorf("connect_error message = %q", p.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect_error")
	}
	if got := m.State(); got != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", got)
	}
	if got := d.dials(); got != 1+3 {
		t.Errorf("dials = %d, want 4 (open + 3 attempts)", got)
	}
}

func TestCloseDropsHandlersAndRoom(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)

	m.On(EventReceiveMessage, func(json.RawMessage) {})
	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	m.JoinRoom(model.RoomKey{StoreID: "s1", BuyerID: "b1"})

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := m.subscribers(); n != 0 || m.inbound.Len() != 0 {
		t.Errorf("subscribers = %d, dispatchers = %d after Close, want 0", n, m.inbound.Len())
	}
	if _, ok := m.LastJoinedRoom(); ok {
		t.Error("last joined room should be cleared")
	}
	if m.State() != status.Disconnected {
		t.Errorf("State() = %s, want DISCONNECTED", m.State())
	}

	time.Sleep(50 * time.Millisecond)
	if d.dials() != 1 {
		t.Errorf("dials = %d after Close, want no reconnect", d.dials())
	}
}

func TestOnOffDispatch(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	a := make(chan model.Message, 4)
	b := make(chan model.Message, 4)
	decode := func(ch chan model.Message) func(json.RawMessage) {
		return func(data json.RawMessage) {
			var msg model.Message
			_ = json.Unmarshal(data, &msg)
			ch <- msg
		}
	}
	subA := m.On(EventReceiveMessage, decode(a))
	m.On(EventReceiveMessage, decode(b))

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	conn := d.conn(0)
	conn.push(t, EventReceiveMessage, model.Message{ID: "1", StoreID: "s1", Body: "hi"})

	for _, ch := range []chan model.Message{a, b} {
		select {
		case msg := <-ch:
			if msg.ID != "1" {
				t.Errorf("got message %q, want 1", msg.ID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for receive_message")
		}
	}

	m.Off(subA)
	m.Off(subA)
	conn.push(t, EventReceiveMessage, model.Message{ID: "2", StoreID: "s1", Body: "again"})
	select {
	case msg := <-b:
		if msg.ID != "2" {
			t.Errorf("got message %q, want 2", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second message")
	}
	select {
	case msg := <-a:
		t.Errorf("unsubscribed handler received %q", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchKeepsArrivalOrderAcrossEvents(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	const total = 600
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	record := func(event string) func(json.RawMessage) {
		return func(data json.RawMessage) {
			var p struct {
				ID string `json:"id"`
			}
			_ = json.Unmarshal(data, &p)
			mu.Lock()
			got = append(got, event+":"+p.ID)
			n := len(got)
			mu.Unlock()
			if n == total {
				close(done)
			}
		}
	}
	m.On(EventReceiveMessage, record("msg"))
	m.On(EventMessagesRead, record("read"))

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	conn := d.conn(0)
	var want []string
	for i := range total {
		id := strconv.Itoa(i)
		if i%2 == 0 {
			conn.push(t, EventReceiveMessage, map[string]string{"id": id})
			want = append(want, "msg:"+id)
		} else {
			conn.push(t, EventMessagesRead, map[string]string{"id": id})
			want = append(want, "read:"+id)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		n := len(got)
		mu.Unlock()
		t.Fatalf("received %d of %d events", n, total)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEmitPayloads(t *testing.T) {
	d := &fakeDialer{}
	m := newTestManager(d, 3)
	defer m.Close()

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatal(err)
	}
	room := model.RoomKey{StoreID: "s1", BuyerID: "b1"}
	if err := m.SendTyping(room, model.Buyer, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkRead(room); err != nil {
		t.Fatal(err)
	}
	if err := m.Send(room, model.Message{ClientID: "c1", StoreID: "s1", Body: "hey"}); err != nil {
		t.Fatal(err)
	}

	conn := d.conn(0)
	var typing TypingPayload
	_ = json.Unmarshal(conn.frames(EmitTyping)[0].Data, &typing)
	if typing.StoreID != "s1" || typing.Sender != "buyer" || typing.TargetUserID != "s1" {
		t.Errorf("typing payload = %+v", typing)
	}

	var read model.RoomKey
	_ = json.Unmarshal(conn.frames(EmitMarkRead)[0].Data, &read)
	if read != room {
		t.Errorf("mark_read payload = %+v, want %+v", read, room)
	}

	var send struct {
		StoreID string        `json:"storeId"`
		Chat    model.Message `json:"chat"`
	}
	_ = json.Unmarshal(conn.frames(EmitSendMessage)[0].Data, &send)
	if send.StoreID != "s1" || send.Chat.ClientID != "c1" {
		t.Errorf("send_message payload = %+v", send)
	}
}

func TestWebsocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var join Frame
		if err := conn.ReadJSON(&join); err != nil || join.Event != EmitJoinRoom {
			return
		}
		_ = conn.WriteJSON(Frame{Event: EventReceiveMessage, Data: json.RawMessage(`{"id":"srv-1","store_id":"s1","message":"welcome"}`)})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	creds := &session.StaticProvider{Cred: session.Credential{Token: "live", Mode: session.Bearer}}
	m := NewManager(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReconnectAttempts: 1}, WebsocketDialer{}, creds, nil, nil)
	defer m.Close()

	received := make(chan model.Message, 1)
	m.On(EventReceiveMessage, func(data json.RawMessage) {
		var msg model.Message
		_ = json.Unmarshal(data, &msg)
		received <- msg
	})

	if err := m.Open(context.Background(), buyer); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if auth := <-gotAuth; auth != "Bearer live" {
		t.Errorf("handshake Authorization = %q", auth)
	}
	m.JoinRoom(model.RoomKey{StoreID: "s1", BuyerID: "b1"})

	select {
	case msg := <-received:
		if msg.ID != "srv-1" || msg.Body != "welcome" {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server message")
	}
}

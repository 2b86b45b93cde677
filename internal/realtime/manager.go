// Package realtime keeps one persistent socket per session: it dials,
// reconnects on drops with a bounded constant backoff, replays the last
// joined room after a reconnect and fans inbound events out to subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/chaterr"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/observability"
	"github.com/matheus3301/storechat/internal/session"
	"github.com/matheus3301/storechat/internal/status"
)

// ErrNotConnected is wrapped by emits attempted without a live transport.
var ErrNotConnected = errors.New("socket not connected")

const handlerBuffer = 256

// Config controls where the manager connects and how hard it retries.
type Config struct {
	URL               string
	Namespace         string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// Manager owns the realtime transport of one session.
type Manager struct {
	cfg     Config
	dialer  Dialer
	creds   session.CredentialProvider
	log     *zap.Logger
	machine *status.Machine

	// inbound carries socket events to a single dispatcher, so subscribers
	// see them in arrival order across event names.
	inbound  *bus.Bus
	group    singleflight.Group

	hmu       sync.Mutex
	callbacks map[string]map[uint64]func(json.RawMessage)
	nextCB    uint64
	stopRoute func()

	// lifecycle serializes identity changes in open and close.
	lifecycle sync.Mutex

	mu         sync.Mutex
	conn       Conn
	identity   *session.Identity
	lastJoined *model.RoomKey
	gen        uint64
	stop       chan struct{}

	writeMu sync.Mutex
}

// NewManager creates a disconnected manager. State changes are published
// on app (may be nil) as bus.ConnStateChanged events.
func NewManager(cfg Config, dialer Dialer, creds session.CredentialProvider, app *bus.Bus, log *zap.Logger) *Manager {
	if cfg.Namespace == "" {
		cfg.Namespace = "chat"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	observability.SetSocketState(string(status.Disconnected))
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		creds:    creds,
		log:      log.Named("realtime"),
		machine:  status.NewMachine(app),
		inbound:  bus.New(),
		stop:     make(chan struct{}),
	}
}

// State returns the transport state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Retries returns the reconnect attempts made since the last connect.
func (m *Manager) Retries() int {
	return m.machine.Retries()
}

// Identity returns the identity of the current connection, if any.
func (m *Manager) Identity() (session.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == nil {
		return session.Identity{}, false
	}
	return *m.identity, true
}

// LastJoinedRoom returns the room replayed after a reconnect.
func (m *Manager) LastJoinedRoom() (model.RoomKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastJoined == nil {
		return model.RoomKey{}, false
	}
	return *m.lastJoined, true
}

// Open connects as id, retrying a failed dial with the reconnect policy
// before giving up with connect_error. Opening again with the same identity
// while a transport is live (or being re-established) is a no-op; a
// different identity tears the current transport down first. Concurrent
// opens for one identity share a single dial.
func (m *Manager) Open(ctx context.Context, id session.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	_, err, _ := m.group.Do(id.Key(), func() (any, error) {
		return nil, m.open(ctx, id)
	})
	return err
}

func (m *Manager) open(ctx context.Context, id session.Identity) error {
	m.lifecycle.Lock()
	m.mu.Lock()
	same := m.identity != nil && *m.identity == id
	if same && m.State() != status.Disconnected {
		m.mu.Unlock()
		m.lifecycle.Unlock()
		return nil
	}
	var old Conn
	if m.identity != nil && !same {
		m.log.Info("identity changed, tearing down transport",
			zap.String("from", m.identity.Key()),
			zap.String("to", id.Key()))
		old = m.detachLocked()
		m.lastJoined = nil
		m.transition(status.Disconnected)
	}
	m.identity = &id
	m.transition(status.Connecting)
	gen := m.gen
	stop := m.stop
	m.mu.Unlock()
	m.lifecycle.Unlock()
	if old != nil {
		_ = old.Close()
	}

	// Close or a newer identity stops the dial attempts.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var conn Conn
	tries := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(max(m.cfg.ReconnectAttempts, 0))),
		ctx)
	err := backoff.Retry(func() error {
		if tries > 0 {
			m.machine.NoteRetry()
			observability.IncReconnectAttempt()
		}
		tries++
		c, err := m.dial(ctx, id)
		if err != nil {
			m.log.Debug("connect attempt failed", zap.Int("attempt", tries), zap.Error(err))
			if chaterr.KindOf(err) == chaterr.Auth {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, policy)

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return chaterr.New(chaterr.Transport, "open", errors.New("connection superseded"))
	}
	if err != nil {
		m.transition(status.Disconnected)
		m.mu.Unlock()
		m.log.Error("connect gave up", zap.Int("attempts", tries), zap.Error(err))
		m.dispatch(EventConnectError, ErrorPayload{Message: err.Error()})
		if chaterr.KindOf(err) == chaterr.Auth {
			return err
		}
		return chaterr.New(chaterr.Transport, "open", err)
	}
	gen = m.attachLocked(conn)
	room := m.lastJoined
	m.mu.Unlock()

	m.log.Info("socket connected", zap.String("identity", id.Key()), zap.Int("attempts", tries))
	go m.readLoop(conn, gen)
	m.dispatch(EventConnect, nil)
	if room != nil {
		m.emitJoin(*room)
	}
	return nil
}

// Close tears the transport down, drops every subscriber and forgets the
// joined room. The manager can be opened again afterwards.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	conn := m.detachLocked()
	m.lastJoined = nil
	m.identity = nil
	m.transition(status.Disconnected)
	m.mu.Unlock()

	m.inbound.Reset()
	m.hmu.Lock()
	m.callbacks = nil
	m.stopRoute = nil
	m.hmu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// attachLocked installs conn as the live transport and returns its
// generation. m.mu must be held.
func (m *Manager) attachLocked(conn Conn) uint64 {
	m.gen++
	m.conn = conn
	m.transition(status.Connected)
	return m.gen
}

// detachLocked invalidates the current transport and stops any reconnect
// loop. The caller closes the returned conn. m.mu must be held.
func (m *Manager) detachLocked() Conn {
	conn := m.conn
	m.conn = nil
	m.gen++
	close(m.stop)
	m.stop = make(chan struct{})
	return conn
}

// JoinRoom records key as the room to replay after reconnects and joins it
// now if connected.
func (m *Manager) JoinRoom(key model.RoomKey) {
	m.mu.Lock()
	m.lastJoined = &key
	live := m.conn != nil
	m.mu.Unlock()
	if live {
		m.emitJoin(key)
	}
}

func (m *Manager) emitJoin(key model.RoomKey) {
	if err := m.emit(EmitJoinRoom, key); err != nil {
		m.log.Warn("join room failed", zap.String("room", key.String()), zap.Error(err))
	}
}

// Send notifies the room of a new message. Persistence happens over REST;
// this is the low-latency path only.
func (m *Manager) Send(key model.RoomKey, msg model.Message) error {
	return m.emit(EmitSendMessage, SendPayload{StoreID: key.StoreID, Chat: msg})
}

// SendTyping tells the counterpart that sender is typing.
func (m *Manager) SendTyping(key model.RoomKey, sender model.Role, target string) error {
	return m.emit(EmitTyping, TypingPayload{
		StoreID:      key.StoreID,
		BuyerID:      key.BuyerID,
		Sender:       string(sender),
		TargetUserID: target,
	})
}

// MarkRead tells the counterpart the room's messages were read.
func (m *Manager) MarkRead(key model.RoomKey) error {
	return m.emit(EmitMarkRead, key)
}

func (m *Manager) emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return chaterr.New(chaterr.Validation, event, err)
	}
	frame, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return chaterr.New(chaterr.Validation, event, err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return chaterr.New(chaterr.Transport, event, ErrNotConnected)
	}

	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	m.writeMu.Unlock()
	if err != nil {
		return chaterr.New(chaterr.Transport, event, err)
	}
	observability.IncSocketEvent("out", event)
	m.log.Debug("emit", zap.String("event", event))
	return nil
}

// Subscription is a handle returned by On.
type Subscription struct {
	cancel func()
}

// On registers fn for event. Subscribers run on one dispatcher goroutine,
// in the order events arrived on the transport; no event is dropped.
func (m *Manager) On(event string, fn func(data json.RawMessage)) Subscription {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	if m.stopRoute == nil {
		m.stopRoute = m.inbound.Handle(topicPrefix, handlerBuffer, m.route)
	}
	if m.callbacks == nil {
		m.callbacks = make(map[string]map[uint64]func(json.RawMessage))
	}
	if m.callbacks[event] == nil {
		m.callbacks[event] = make(map[uint64]func(json.RawMessage))
	}
	id := m.nextCB
	m.nextCB++
	m.callbacks[event][id] = fn
	return Subscription{cancel: func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		delete(m.callbacks[event], id)
		if len(m.callbacks[event]) == 0 {
			delete(m.callbacks, event)
		}
	}}
}

// Off removes a subscription. Removing twice is harmless.
func (m *Manager) Off(sub Subscription) {
	if sub.cancel != nil {
		sub.cancel()
	}
}

func (m *Manager) subscribers() int {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	n := 0
	for _, fns := range m.callbacks {
		n += len(fns)
	}
	return n
}

const topicPrefix = "socket/"

func topic(event string) string {
	return topicPrefix + event + "/"
}

func (m *Manager) route(evt bus.Event) {
	event := strings.TrimSuffix(strings.TrimPrefix(evt.Kind, topicPrefix), "/")
	raw, _ := evt.Payload.(json.RawMessage)

	m.hmu.Lock()
	ids := make([]uint64, 0, len(m.callbacks[event]))
	for id := range m.callbacks[event] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.callbacks[event][id])
	}
	m.hmu.Unlock()

	for _, fn := range fns {
		fn(raw)
	}
}

func (m *Manager) dispatch(event string, data any) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		raw, _ = json.Marshal(v)
	}
	m.inbound.Deliver(bus.NewEvent(topic(event), raw))
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.dropped(gen, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			m.log.Debug("ignoring malformed frame", zap.Int("bytes", len(data)))
			continue
		}
		observability.IncSocketEvent("in", f.Event)
		m.dispatch(f.Event, f.Data)
	}
}

// dropped handles an unexpected loss of the transport of generation gen.
func (m *Manager) dropped(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.identity == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	id := *m.identity
	stop := m.stop
	m.transition(status.Reconnecting)
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	m.log.Warn("socket dropped", zap.Error(cause))
	m.dispatch(EventDisconnect, ErrorPayload{Message: cause.Error()})
	m.reconnect(id, gen, stop)
}

func (m *Manager) reconnect(id session.Identity, gen uint64, stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var err error
	if m.cfg.ReconnectAttempts <= 0 {
		err = errors.New("reconnection disabled")
	} else {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.ReconnectAttempts-1)),
			ctx)
		select {
		case <-time.After(m.cfg.ReconnectDelay):
			err = backoff.Retry(func() error { return m.attempt(ctx, id, gen) }, policy)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err == nil {
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	retries := m.machine.Retries()
	m.transition(status.Disconnected)
	m.mu.Unlock()

	m.log.Error("reconnect gave up", zap.Int("attempts", retries), zap.Error(err))
	m.dispatch(EventConnectError, ErrorPayload{Message: chaterr.New(chaterr.Transport, "reconnect", err).Error()})
}

func (m *Manager) attempt(ctx context.Context, id session.Identity, gen uint64) error {
	m.machine.NoteRetry()
	observability.IncReconnectAttempt()
	conn, err := m.dial(ctx, id)
	if err != nil {
		m.log.Debug("reconnect attempt failed", zap.Int("attempt", m.machine.Retries()), zap.Error(err))
		return err
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(errors.New("connection superseded"))
	}
	newGen := m.attachLocked(conn)
	room := m.lastJoined
	m.mu.Unlock()

	m.log.Info("socket reconnected", zap.String("identity", id.Key()))
	go m.readLoop(conn, newGen)
	m.dispatch(EventConnect, nil)
	if room != nil {
		m.emitJoin(*room)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, id session.Identity) (Conn, error) {
	header := http.Header{}
	if m.creds != nil {
		cred, err := m.creds.Credential(ctx)
		if err != nil {
			return nil, chaterr.New(chaterr.Auth, "dial", err)
		}
		cred.Apply(header)
	}
	conn, err := m.dialer.Dial(ctx, m.endpoint(id), header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.cfg.Namespace, err)
	}
	return conn, nil
}

func (m *Manager) endpoint(id session.Identity) string {
	q := url.Values{}
	q.Set("role", string(id.Role))
	q.Set("userId", id.UserID)
	if id.StoreID != "" {
		q.Set("storeId", id.StoreID)
	}
	return strings.TrimRight(m.cfg.URL, "/") + "/" + strings.Trim(m.cfg.Namespace, "/") + "?" + q.Encode()
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.log.Debug("state transition skipped", zap.Error(err))
		return
	}
	observability.SetSocketState(string(to))
}

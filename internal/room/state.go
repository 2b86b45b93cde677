// Package room holds the conversation state of one session: the open room
// and its ordered message log, the per-counterpart inbox with unread counts,
// and the counterpart's typing indicator.
package room

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/api"
	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/timers"
)

// DefaultTypingQuiet is how long a typing indicator lasts without renewal.
const DefaultTypingQuiet = 1500 * time.Millisecond

// API is the part of the REST client the room state needs.
type API interface {
	Conversation(ctx context.Context, key model.RoomKey) ([]model.Message, error)
	MarkRead(ctx context.Context, key model.RoomKey) error
	Inbox(ctx context.Context, role model.Role) ([]model.InboxEntry, error)
}

// Options configures a State.
type Options struct {
	API         API
	Bus         *bus.Bus
	Clock       timers.Clock
	TypingQuiet time.Duration
	Logger      *zap.Logger
}

// State is the conversation state as seen by one role.
type State struct {
	role  model.Role
	api   API
	bus   *bus.Bus
	clock timers.Clock
	log   *zap.Logger

	mu       sync.Mutex
	active   *model.RoomKey
	loadSeq  uint64
	messages []model.Message
	inbox    map[string]*model.InboxEntry
	marked   map[model.RoomKey]bool
	typing   bool
	debounce *timers.Debouncer
	closed   bool
}

// New creates an empty state for role.
func New(role model.Role, opts Options) *State {
	if opts.Clock == nil {
		opts.Clock = timers.Real()
	}
	if opts.TypingQuiet <= 0 {
		opts.TypingQuiet = DefaultTypingQuiet
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &State{
		role:     role,
		api:      opts.API,
		bus:      opts.Bus,
		clock:    opts.Clock,
		log:      log.Named("room"),
		inbox:    make(map[string]*model.InboxEntry),
		marked:   make(map[model.RoomKey]bool),
		debounce: timers.NewDebouncer(opts.Clock, opts.TypingQuiet),
	}
}

// Role returns the role the state was built for.
func (s *State) Role() model.Role { return s.role }

// Active returns the open room.
func (s *State) Active() (model.RoomKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return model.RoomKey{}, false
	}
	return *s.active, true
}

// Messages returns a copy of the open room's log.
func (s *State) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// LoadConversation opens key and replaces the log with its history. A room
// without history loads as empty. If another room is opened while the
// request is in flight, the result is discarded.
func (s *State) LoadConversation(ctx context.Context, key model.RoomKey) ([]model.Message, error) {
	s.mu.Lock()
	if !s.isActiveLocked(key) {
		s.cancelTypingLocked()
	}
	s.active = &key
	s.messages = nil
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	history, err := s.api.Conversation(ctx, key)
	if err != nil && !api.IsNotFound(err) {
		return nil, err
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].CreatedAt.Before(history[j].CreatedAt)
	})
	for i := range history {
		history[i].Status = model.StatusSent
		if history[i].Sender != s.role {
			history[i].Status = model.StatusReceived
		}
	}

	s.mu.Lock()
	if seq != s.loadSeq || s.closed {
		s.mu.Unlock()
		s.log.Debug("discarding stale conversation", zap.String("room", key.String()))
		return nil, nil
	}
	// Messages appended while the request was in flight stay after history.
	pending := s.messages
	s.messages = history
	for _, m := range pending {
		s.mergeLocked(m)
	}
	out := slices.Clone(s.messages)
	s.mu.Unlock()

	s.publish(bus.ChatHistory, HistoryEvent{Room: key, Messages: out})
	return out, nil
}

// AppendIncoming applies a message received from the server. A message for
// the open room is appended, or reconciled with the local optimistic entry
// carrying the same client id; an exact duplicate is dropped. A message
// for any other room bumps that counterpart's inbox entry instead. Reports
// whether the open room's log changed.
func (s *State) AppendIncoming(msg model.Message) bool {
	if msg.Status == "" {
		msg.Status = model.StatusReceived
		if msg.Sender == s.role {
			msg.Status = model.StatusSent
		}
	}
	msg.Temp = false

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	fromCounterpart := msg.Sender != s.role
	var changed bool
	var entry model.InboxEntry
	if s.active != nil && s.isActiveLocked(msg.Room()) {
		changed = s.mergeLocked(msg)
		entry = s.touchInboxLocked(msg, false)
	} else {
		entry = s.touchInboxLocked(msg, fromCounterpart)
	}
	if fromCounterpart {
		delete(s.marked, msg.Room())
	}
	s.mu.Unlock()

	s.publish(bus.ChatMessage, MessageEvent{Role: s.role, Message: msg})
	s.publish(bus.ChatInbox, InboxEvent{Role: s.role, Entries: []model.InboxEntry{entry}})
	return changed
}

// mergeLocked inserts msg into the log, replacing an entry with the same
// client id in place. Returns false for an exact duplicate.
func (s *State) mergeLocked(msg model.Message) bool {
	if msg.ClientID != "" {
		if i := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ClientID == msg.ClientID }); i >= 0 {
			cur := s.messages[i]
			if msg.ID == "" {
				msg.ID = cur.ID
			}
			if msg.CreatedAt.IsZero() {
				msg.CreatedAt = cur.CreatedAt
			}
			s.messages[i] = msg
			return true
		}
	}
	if msg.ID != "" && slices.ContainsFunc(s.messages, func(m model.Message) bool { return m.ID == msg.ID }) {
		return false
	}
	s.messages = append(s.messages, msg)
	return true
}

// touchInboxLocked records msg as the latest message with its counterpart.
func (s *State) touchInboxLocked(msg model.Message, unread bool) model.InboxEntry {
	id := msg.CounterpartID(s.role)
	e, ok := s.inbox[id]
	if !ok {
		e = &model.InboxEntry{CounterpartID: id}
		s.inbox[id] = e
	}
	e.LastMessage = msg.Preview()
	e.LastMessageAt = msg.CreatedAt
	if e.LastMessageAt.IsZero() {
		e.LastMessageAt = s.clock.Now()
	}
	if unread {
		e.UnreadCount++
	}
	return *e
}

// AppendLocal adds messages created by this session to the open room as
// optimistic entries awaiting persistence.
func (s *State) AppendLocal(msgs ...model.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var entries []model.InboxEntry
	for i := range msgs {
		msgs[i].Temp = true
		msgs[i].Status = model.StatusSending
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = s.clock.Now()
		}
		if s.isActiveLocked(msgs[i].Room()) {
			s.mergeLocked(msgs[i])
		}
		entries = append(entries, s.touchInboxLocked(msgs[i], false))
	}
	s.mu.Unlock()

	for _, m := range msgs {
		s.publish(bus.ChatMessage, MessageEvent{Role: s.role, Message: m})
	}
	s.publish(bus.ChatInbox, InboxEvent{Role: s.role, Entries: entries})
}

// Confirm marks the optimistic entry clientID as persisted under serverID.
func (s *State) Confirm(clientID, serverID string, createdAt time.Time) bool {
	return s.update(clientID, func(m *model.Message) {
		if serverID != "" {
			m.ID = serverID
		}
		if !createdAt.IsZero() {
			m.CreatedAt = createdAt
		}
		m.Temp = false
		m.Status = model.StatusSent
	})
}

// MarkFailed flags the optimistic entry clientID as not persisted. It stays
// in the log so it can be told apart from a confirmed send.
func (s *State) MarkFailed(clientID string, err error) bool {
	s.log.Warn("message not persisted", zap.String("client_id", clientID), zap.Error(err))
	return s.update(clientID, func(m *model.Message) {
		m.Status = model.StatusFailed
	})
}

func (s *State) update(clientID string, fn func(*model.Message)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	i := slices.IndexFunc(s.messages, func(m model.Message) bool { return m.ClientID == clientID })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	fn(&s.messages[i])
	msg := s.messages[i]
	// A socket echo may already have added the server copy.
	if msg.ID != "" {
		s.messages = slices.DeleteFunc(s.messages, func(m model.Message) bool {
			return m.ID == msg.ID && m.ClientID != clientID
		})
	}
	s.mu.Unlock()

	s.publish(bus.ChatMessage, MessageEvent{Role: s.role, Message: msg})
	return true
}

// MarkRead marks key's messages from the counterpart as read, resets the
// counterpart's unread count and tells the backend. Marking a room that is
// already read is a no-op.
func (s *State) MarkRead(ctx context.Context, key model.RoomKey) error {
	s.mu.Lock()
	changed := false
	if s.isActiveLocked(key) {
		for i := range s.messages {
			m := &s.messages[i]
			if m.Sender != s.role && !m.IsRead {
				m.IsRead = true
				changed = true
			}
		}
	}
	var entries []model.InboxEntry
	if e, ok := s.inbox[key.CounterpartID(s.role)]; ok {
		if e.UnreadCount != 0 {
			e.UnreadCount = 0
			changed = true
		}
		entries = append(entries, *e)
	}
	if !changed && s.marked[key] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if len(entries) > 0 {
		s.publish(bus.ChatInbox, InboxEvent{Role: s.role, Entries: entries})
	}
	if err := s.api.MarkRead(ctx, key); err != nil {
		return err
	}

	s.mu.Lock()
	s.marked[key] = true
	s.mu.Unlock()
	return nil
}

// ApplyRead handles a read receipt from the counterpart: every message of
// the open room is now read.
func (s *State) ApplyRead(key model.RoomKey) bool {
	s.mu.Lock()
	if s.active == nil || !(s.active.Contains(key) || key.Contains(*s.active)) {
		s.mu.Unlock()
		return false
	}
	var updated []model.Message
	for i := range s.messages {
		if !s.messages[i].IsRead {
			s.messages[i].IsRead = true
			updated = append(updated, s.messages[i])
		}
	}
	s.mu.Unlock()

	for _, m := range updated {
		s.publish(bus.ChatMessage, MessageEvent{Role: s.role, Message: m})
	}
	return len(updated) > 0
}

// NoteTyping shows the counterpart as typing until the quiet period passes
// without another note.
func (s *State) NoteTyping() {
	s.mu.Lock()
	if s.closed || s.active == nil {
		s.mu.Unlock()
		return
	}
	room := *s.active
	wasTyping := s.typing
	s.typing = true
	s.mu.Unlock()

	s.debounce.Reset(func() {
		s.mu.Lock()
		s.typing = false
		s.mu.Unlock()
		s.publish(bus.ChatTyping, TypingEvent{Room: room, Active: false})
	})
	if !wasTyping {
		s.publish(bus.ChatTyping, TypingEvent{Room: room, Active: true})
	}
}

// Typing reports whether the counterpart is typing and until when.
func (s *State) Typing() (bool, time.Time) {
	s.mu.Lock()
	active := s.typing
	s.mu.Unlock()
	if !active {
		return false, time.Time{}
	}
	return true, s.debounce.ExpiresAt()
}

func (s *State) cancelTypingLocked() {
	s.debounce.Cancel()
	s.typing = false
}

// RefreshInbox replaces the inbox with the backend's listing.
func (s *State) RefreshInbox(ctx context.Context) ([]model.InboxEntry, error) {
	entries, err := s.api.Inbox(ctx, s.role)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.inbox = make(map[string]*model.InboxEntry, len(entries))
	for i := range entries {
		e := entries[i]
		s.inbox[e.CounterpartID] = &e
	}
	out := s.inboxLocked()
	s.mu.Unlock()

	s.publish(bus.ChatInbox, InboxEvent{Role: s.role, Replace: true, Entries: out})
	return out, nil
}

// Inbox returns the entries, most recent conversation first.
func (s *State) Inbox() []model.InboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboxLocked()
}

// Entry returns the inbox entry for counterpart.
func (s *State) Entry(counterpart string) (model.InboxEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inbox[counterpart]
	if !ok {
		return model.InboxEntry{}, false
	}
	return *e, true
}

// UnreadTotal sums unread counts across every conversation.
func (s *State) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.inbox {
		n += e.UnreadCount
	}
	return n
}

func (s *State) inboxLocked() []model.InboxEntry {
	out := make([]model.InboxEntry, 0, len(s.inbox))
	for _, e := range s.inbox {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].CounterpartID < out[j].CounterpartID
	})
	return out
}

// Leave closes the open room without discarding the inbox.
func (s *State) Leave() {
	s.mu.Lock()
	s.active = nil
	s.messages = nil
	s.loadSeq++
	s.cancelTypingLocked()
	s.mu.Unlock()
}

// Close stops the typing timer; later updates are ignored.
func (s *State) Close() {
	s.mu.Lock()
	s.closed = true
	s.active = nil
	s.typing = false
	s.mu.Unlock()
	s.debounce.Close()
}

func (s *State) isActiveLocked(key model.RoomKey) bool {
	return s.active != nil && *s.active == key
}

func (s *State) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// Package outbox persists outgoing messages over REST through a durable
// local queue, so a message created while offline or interrupted by a crash
// is still delivered exactly once (the backend dedupes on client_id).
package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/api"
	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/observability"
	"github.com/matheus3301/storechat/internal/store"
)

// MessageSender is the REST persistence endpoint.
type MessageSender interface {
	SendMessage(ctx context.Context, msg model.Message) (api.SendResult, error)
}

// Result is the outcome of persisting one message.
type Result struct {
	ClientID  string
	ServerID  string
	CreatedAt time.Time
	Err       error
}

// Ack is the payload of bus.MessageSendAck.
type Ack struct {
	ClientID string
	ServerID string
}

// Failure is the payload of bus.MessageSendFailed.
type Failure struct {
	ClientID string
	Error    string
}

// Upserted is the payload of bus.MessageUpserted.
type Upserted struct {
	ClientID string
	StoreID  string
	BuyerID  string
	Status   string
}

// Sender drains the outbox into the backend.
type Sender struct {
	db       *store.DB
	api      MessageSender
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	// mu keeps Persist and the drain loop from sending the same entry twice.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		api:      sender,
		bus:      b,
		logger:   logger.Named("outbox"),
		interval: 2 * time.Second,
	}
}

// Persist queues msgs and sends them in order, returning one result per
// message. A failure of one message does not stop the others.
func (s *Sender) Persist(ctx context.Context, msgs []model.Message) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if err := s.db.QueueOutbox(&m); err != nil {
			s.logger.Error("failed to queue message", zap.Error(err), zap.String("client_id", m.ClientID))
			results[i] = Result{ClientID: m.ClientID, Err: err}
			continue
		}
		results[i] = s.send(ctx, m)
	}
	return results
}

// Start begins draining entries left over by earlier runs.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the drain loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Drain(ctx)
	for {
		select {
		case <-ticker.C:
			s.Drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Drain sends every queued entry and entries a crashed process left in
// flight. It returns the results in queue order.
func (s *Sender) Drain(ctx context.Context) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return nil
	}
	var results []Result
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		results = append(results, s.send(ctx, entry.Message))
	}
	return results
}

func (s *Sender) send(ctx context.Context, m model.Message) Result {
	if err := s.db.MarkOutboxSending(m.ClientID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_id", m.ClientID))
		return Result{ClientID: m.ClientID, Err: err}
	}
	m.Status = model.StatusSending
	s.upsert(m)

	res, err := s.api.SendMessage(ctx, m)
	if err != nil {
		observability.IncPersist("failed")
		s.logger.Error("failed to persist message", zap.Error(err), zap.String("client_id", m.ClientID))
		_ = s.db.MarkOutboxFailed(m.ClientID, err.Error())
		m.Status = model.StatusFailed
		s.upsert(m)
		s.publish(bus.MessageSendFailed, Failure{ClientID: m.ClientID, Error: err.Error()})
		return Result{ClientID: m.ClientID, Err: err}
	}

	observability.IncPersist("sent")
	if err := s.db.MarkOutboxSent(m.ClientID, res.ID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_id", m.ClientID))
	}
	m.ID = res.ID
	if !res.CreatedAt.IsZero() {
		m.CreatedAt = res.CreatedAt
	}
	m.Status = model.StatusSent
	s.upsert(m)

	s.logger.Info("message persisted", zap.String("client_id", m.ClientID), zap.String("server_id", res.ID))
	s.publish(bus.MessageSendAck, Ack{ClientID: m.ClientID, ServerID: res.ID})
	return Result{ClientID: m.ClientID, ServerID: res.ID, CreatedAt: res.CreatedAt}
}

func (s *Sender) upsert(m model.Message) {
	if err := s.db.UpsertMessage(&m); err != nil {
		s.logger.Warn("failed to cache message", zap.Error(err), zap.String("client_id", m.ClientID))
		return
	}
	s.publish(bus.MessageUpserted, Upserted{ClientID: m.ClientID, StoreID: m.StoreID, BuyerID: m.BuyerID, Status: m.Status})
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(kind, payload))
	}
}

// Package sync mirrors in-memory chat state into the local cache so the
// control CLI can read history, inbox and search results while the daemon
// runs or after it stops.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/model"
	"github.com/matheus3301/storechat/internal/outbox"
	"github.com/matheus3301/storechat/internal/room"
	"github.com/matheus3301/storechat/internal/store"
)

// Engine handles idempotent ingestion of chat events into the store.
// It subscribes to "chat.*" events on the bus and processes them in order.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	checkpoints *Checkpoints
	logger      *zap.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		bus:         b,
		checkpoints: NewCheckpoints(db),
		logger:      logger.Named("sync"),
	}
}

// Start subscribes to chat events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("chat.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Checkpoints exposes the engine's sync_state bookkeeping.
func (e *Engine) Checkpoints() *Checkpoints { return e.checkpoints }

func (e *Engine) handleEvent(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case room.MessageEvent:
		if err := e.IngestMessage(p.Message); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("client_id", p.Message.ClientID), zap.String("id", p.Message.ID))
		}
	case room.HistoryEvent:
		if err := e.IngestHistory(p.Messages); err != nil {
			e.logger.Error("failed to ingest history", zap.Error(err), zap.Int("count", len(p.Messages)))
		} else {
			e.logger.Debug("history ingested", zap.String("room", p.Room.String()), zap.Int("messages", len(p.Messages)))
		}
	case room.InboxEvent:
		if err := e.IngestInbox(p); err != nil {
			e.logger.Error("failed to ingest inbox", zap.Error(err), zap.Int("entries", len(p.Entries)))
		}
	default:
		return
	}
	if err := e.checkpoints.MarkEvent(evt.Timestamp); err != nil {
		e.logger.Warn("failed to update checkpoint", zap.Error(err))
	}
}

// IngestMessage stores a single message (idempotent on client or server id).
func (e *Engine) IngestMessage(msg model.Message) error {
	if err := e.db.UpsertMessage(&msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	e.bus.Publish(bus.NewEvent(bus.MessageUpserted, outbox.Upserted{
		ClientID: msg.ClientID,
		StoreID:  msg.StoreID,
		BuyerID:  msg.BuyerID,
		Status:   msg.Status,
	}))
	return nil
}

// IngestHistory stores a loaded conversation in a single transaction.
func (e *Engine) IngestHistory(msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := e.db.UpsertMessages(msgs); err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

// IngestInbox applies an inbox snapshot or delta.
func (e *Engine) IngestInbox(evt room.InboxEvent) error {
	if evt.Replace {
		if err := e.db.ReplaceInbox(evt.Role, evt.Entries); err != nil {
			return fmt.Errorf("replace inbox: %w", err)
		}
		return e.checkpoints.MarkInboxRefreshed(time.Now())
	}
	for _, entry := range evt.Entries {
		if err := e.db.UpsertInbox(evt.Role, entry); err != nil {
			return fmt.Errorf("upsert inbox %s: %w", entry.CounterpartID, err)
		}
	}
	return nil
}

package daemon

import (
	"go.uber.org/zap"

	"github.com/matheus3301/storechat/internal/bus"
	"github.com/matheus3301/storechat/internal/outbox"
	"github.com/matheus3301/storechat/internal/room"
	"github.com/matheus3301/storechat/internal/upload"
)

const activityBuffer = 128

// watchActivity writes upload, delivery and typing events to the daemon
// log. The returned function stops it.
func watchActivity(b *bus.Bus, logger *zap.Logger) func() {
	log := logger.Named("activity")
	stops := []func(){
		b.Handle("upload.", activityBuffer, func(evt bus.Event) {
			p, ok := evt.Payload.(upload.Progress)
			if !ok {
				return
			}
			switch evt.Kind {
			case bus.UploadFailed:
				log.Warn("upload failed", zap.String("file", p.Name), zap.Error(p.Err))
			case bus.UploadSucceeded:
				log.Info("upload finished", zap.String("file", p.Name), zap.String("url", p.URL))
			default:
				log.Debug("upload progress", zap.String("file", p.Name), zap.Int("percent", p.Percent))
			}
		}),
		b.Handle(bus.MessageSendAck, activityBuffer, func(evt bus.Event) {
			if a, ok := evt.Payload.(outbox.Ack); ok {
				log.Info("message persisted", zap.String("client_id", a.ClientID), zap.String("id", a.ServerID))
			}
		}),
		b.Handle(bus.MessageSendFailed, activityBuffer, func(evt bus.Event) {
			if f, ok := evt.Payload.(outbox.Failure); ok {
				log.Warn("message not persisted", zap.String("client_id", f.ClientID), zap.String("error", f.Error))
			}
		}),
		b.Handle(bus.ChatTyping, activityBuffer, func(evt bus.Event) {
			if t, ok := evt.Payload.(room.TypingEvent); ok {
				log.Debug("counterpart typing", zap.String("room", t.Room.String()), zap.Bool("active", t.Active))
			}
		}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

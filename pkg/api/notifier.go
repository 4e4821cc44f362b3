package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// EventSink receives the events the durable write path fans out. Injected
// into the services so nothing depends on a channel singleton.
type EventSink interface {
	Publish(conversationId string, event OutgoingEvent)
}

// Mirror is an out-of-process event destination, e.g. a Kafka producer.
type Mirror interface {
	Publish(ctx context.Context, topic, key string, payload []byte, headers map[string]string) error
}

// Broadcaster fans events out through the hub and, when a mirror is
// configured, copies them to a broker topic for downstream consumers.
// Mirror failures are logged and never block live fan-out.
type Broadcaster struct {
	hub    *Hub
	mirror Mirror
	topic  string
	logger *slog.Logger
}

func NewBroadcaster(hub *Hub, mirror Mirror, topic string, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{hub: hub, mirror: mirror, topic: topic, logger: logger}
}

func (b *Broadcaster) Publish(conversationId string, event OutgoingEvent) {
	b.hub.Publish(conversationId, event)

	if b.mirror == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("could not encode event for mirror", "kind", event.Kind, "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		headers := map[string]string{"kind": event.Kind}
		if err := b.mirror.Publish(ctx, b.topic, conversationId, payload, headers); err != nil {
			b.logger.Warn("event mirror publish failed", "kind", event.Kind, "conversation", conversationId, "error", err)
		}
	}()
}

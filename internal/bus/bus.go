// Package bus provides the event bus implementations: in-process channels
// for the Community tier, NATS or Kafka for the Pro tier.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus or KafkaBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	case "kafka":
		return NewKafkaBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// newMessage builds the envelope for payload, carrying the request ID of ctx.
func newMessage(ctx context.Context, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if id := logging.RequestID(ctx); id != "" {
		msg.Metadata[domain.MetadataRequestID] = id
	}
	return msg
}

// handlerContext restores the request ID carried by msg.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if id := msg.Metadata[domain.MetadataRequestID]; id != "" {
		return logging.WithRequestID(ctx, id)
	}
	return ctx
}

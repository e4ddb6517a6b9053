package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Sink receives alerts raised by the monitor.
type Sink interface {
	Send(ctx context.Context, alert domain.Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert domain.Alert) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, alert domain.Alert) error {
	return f(ctx, alert)
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send logs the alert at warn level.
func (s *LogSink) Send(ctx context.Context, alert domain.Alert) error {
	attrs := []any{
		"alert_id", alert.ID,
		"user_id", alert.UserID,
		"activity", alert.Activity,
		"count", alert.Count,
	}
	if alert.Metadata != nil {
		attrs = append(attrs, "metadata_kind", alert.Metadata.Kind())
	}
	s.logger.WarnContext(ctx, "suspicious activity alert", attrs...)
	return nil
}

// BusSink publishes alerts as JSON on the alert topic.
type BusSink struct {
	bus   domain.EventBus
	topic string
}

// NewBusSink creates a sink publishing to domain.TopicAlert.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus, topic: domain.TopicAlert}
}

// Send publishes the alert.
func (s *BusSink) Send(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}
	if err := s.bus.Publish(ctx, s.topic, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// MultiSink fans an alert out to every sink. All sinks are tried; their
// errors are joined.
type MultiSink []Sink

// Send delivers to each sink in order.
func (m MultiSink) Send(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

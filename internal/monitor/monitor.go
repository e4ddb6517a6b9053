// Package monitor counts suspicious events per user and raises an alert the
// moment a counter reaches the configured threshold.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrMetadataMismatch is returned when typed metadata does not belong to the
// reported activity. It also matches domain.ErrValidation.
var ErrMetadataMismatch = domain.ValidationError{Field: "metadata", Message: "does not match activity type"}

const defaultSinkTimeout = 2 * time.Second

// Monitor tallies activity reports. It is safe for concurrent use; all
// counter state lives in the CounterStore.
type Monitor struct {
	store       domain.CounterStore
	sink        Sink
	threshold   int64
	ttl         time.Duration
	sinkTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a monitor. A nil sink logs alerts through logger.
func New(store domain.CounterStore, sink Sink, cfg domain.MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}
	threshold := cfg.AlertThreshold
	if threshold < 1 {
		threshold = 1
	}
	sinkTimeout := cfg.SinkTimeout
	if sinkTimeout <= 0 {
		sinkTimeout = defaultSinkTimeout
	}
	return &Monitor{
		store:       store,
		sink:        sink,
		threshold:   threshold,
		ttl:         cfg.CounterTTL,
		sinkTimeout: sinkTimeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Threshold returns the count at which an alert is raised.
func (m *Monitor) Threshold() int64 {
	return m.threshold
}

// Report records one occurrence of activity for userID and returns the new
// count. Exactly one alert is sent when the count reaches the threshold.
// Sink failures are logged; they never undo the increment or fail the call.
// Delivery is bounded by the configured sink timeout and is not cut short
// when ctx is cancelled.
func (m *Monitor) Report(ctx context.Context, userID string, activity domain.ActivityType, meta domain.ActivityMetadata) (int64, error) {
	if err := checkReport(userID, activity, meta); err != nil {
		return 0, err
	}

	key := domain.CounterKey{UserID: userID, Activity: activity}
	count, err := m.store.Increment(ctx, key, m.ttl)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s: %w", key, err)
	}
	metrics.ActivityReportsTotal.WithLabelValues(string(activity)).Inc()

	if count == m.threshold {
		m.raise(ctx, key, count, meta)
	}
	return count, nil
}

func (m *Monitor) raise(ctx context.Context, key domain.CounterKey, count int64, meta domain.ActivityMetadata) {
	alert := domain.Alert{
		ID:       uuid.New().String(),
		UserID:   key.UserID,
		Activity: key.Activity,
		Count:    count,
		Metadata: meta,
		RaisedAt: m.now().UTC(),
	}
	metrics.AlertsTotal.WithLabelValues(string(key.Activity)).Inc()

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.sinkTimeout)
	defer cancel()

	if err := m.sink.Send(sendCtx, alert); err != nil {
		metrics.AlertSinkFailuresTotal.Inc()
		m.logger.Error("alert sink failed",
			"alert_id", alert.ID,
			"user_id", alert.UserID,
			"activity", alert.Activity,
			"error", err,
		)
	}
}

func checkReport(userID string, activity domain.ActivityType, meta domain.ActivityMetadata) error {
	var errs domain.ValidationErrors
	if userID == "" {
		errs = append(errs, domain.ValidationError{Field: "userId", Message: "is required"})
	}
	if !activity.Valid() {
		errs = append(errs, domain.ValidationError{Field: "activity", Message: fmt.Sprintf("unknown activity type %q", activity)})
	} else if !activity.Accepts(meta) {
		return fmt.Errorf("%s metadata for %s: %w", meta.Kind(), activity, ErrMetadataMismatch)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Snapshot returns current counts, only userID's when it is non-empty.
func (m *Monitor) Snapshot(ctx context.Context, userID string) (map[domain.CounterKey]int64, error) {
	snap, err := m.store.Snapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}
	return snap, nil
}

// Reset clears every counter of userID.
func (m *Monitor) Reset(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.ValidationError{Field: "userId", Message: "is required"}
	}
	if err := m.store.Reset(ctx, userID); err != nil {
		return fmt.Errorf("failed to reset counters: %w", err)
	}
	m.logger.Info("activity counters reset", "user_id", userID)
	return nil
}

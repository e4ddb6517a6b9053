// Package worker consumes ingested transactions from the EventBus and runs
// them through the risk pipeline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Worker processes transactions asynchronously from the EventBus.
type Worker struct {
	bus         domain.EventBus
	processor   *Processor
	logger      *slog.Logger
	concurrency int

	sem           chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker running at most concurrency
// transactions at a time.
func NewWorker(bus domain.EventBus, processor *Processor, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:         bus,
		processor:   processor,
		logger:      logger,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"concurrency", w.concurrency,
	)
	return nil
}

// handleMessage hands msg to the pool. It blocks while the pool is full,
// which applies backpressure to the bus subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}: // Acquire
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }() // Release

		// Unsubscribing cancels ctx; in-flight work finishes anyway.
		w.processMessage(context.WithoutCancel(ctx), msg)
	}()
	return nil
}

func (w *Worker) processMessage(ctx context.Context, msg *domain.Message) {
	ctx = logging.WithLogger(ctx, w.logger.With("message_id", msg.ID))
	logger := logging.L(ctx)

	tx, err := decodeTransaction(msg.Payload)
	if err == nil {
		_, err = w.processor.Process(ctx, tx)
	}

	switch {
	case err == nil:
		metrics.WorkerMessagesTotal.WithLabelValues("processed").Inc()
	case errors.Is(err, ErrAlreadyProcessed):
		metrics.WorkerMessagesTotal.WithLabelValues("duplicate").Inc()
		logger.Debug("skipping duplicate transaction", "tx_id", tx.ID)
	case errors.Is(err, domain.ErrValidation):
		metrics.WorkerMessagesTotal.WithLabelValues("invalid").Inc()
		logger.Warn("rejected invalid transaction", "tx_id", tx.ID, "error", err)
	default:
		metrics.WorkerMessagesTotal.WithLabelValues("failed").Inc()
		logger.Error("failed to process transaction", "tx_id", tx.ID, "error", err)
	}
}

// Stop unsubscribes and waits for in-flight transactions.
func (w *Worker) Stop() error {
	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	w.cancel()

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Concurrency       int      `json:"concurrency"`
	InFlight          int      `json:"inFlight"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Concurrency:       w.concurrency,
		InFlight:          len(w.sem),
	}
}

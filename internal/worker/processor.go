package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/aml"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/window"
)

var tracer = otel.Tracer("kestrel-worker")

// ErrAlreadyProcessed is returned for a transaction ID that is already stored.
var ErrAlreadyProcessed = errors.New("transaction already processed")

// Reporter receives suspicious activity; *monitor.Monitor implements it.
type Reporter interface {
	Report(ctx context.Context, userID string, activity domain.ActivityType, meta domain.ActivityMetadata) (int64, error)
}

// Processor runs one transaction through the pipeline: validate, load
// windows, seal and store, score, analyze the monthly window, publish verdicts and report
// suspicious activity.
type Processor struct {
	repo     domain.Repository
	windows  *window.Service
	scorer   *scoring.Scorer
	detector *aml.Detector
	guard    *integrity.Guard
	reporter Reporter
	bus      domain.EventBus
	now      func() time.Time
}

// NewProcessor creates a processor. bus and reporter may be nil.
func NewProcessor(repo domain.Repository, windows *window.Service, scorer *scoring.Scorer, detector *aml.Detector, guard *integrity.Guard, reporter Reporter, bus domain.EventBus) *Processor {
	return &Processor{
		repo:     repo,
		windows:  windows,
		scorer:   scorer,
		detector: detector,
		guard:    guard,
		reporter: reporter,
		bus:      bus,
		now:      time.Now,
	}
}

// Result is the outcome of processing one transaction.
type Result struct {
	Assessment domain.Assessment `json:"assessment"`
	AML        domain.AMLRisk    `json:"aml"`
	Seal       domain.Seal       `json:"seal"`
}

// Process handles tx. Validation failures match domain.ErrValidation; a
// transaction stored earlier returns ErrAlreadyProcessed.
func (p *Processor) Process(ctx context.Context, tx domain.Transaction) (Result, error) {
	ctx, span := tracer.Start(ctx, "process transaction")
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("user.id", tx.UserID),
	)

	res, err := p.process(ctx, tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Float64("risk.score", res.Assessment.Score),
		attribute.String("risk.level", res.Assessment.Level.String()),
	)
	return res, nil
}

func (p *Processor) process(ctx context.Context, tx domain.Transaction) (Result, error) {
	logger := logging.L(ctx)

	tx, err := domain.NewTransaction(tx, p.now())
	if err != nil {
		return Result{}, err
	}

	// Windows are loaded before the record is stored so a failed load
	// leaves nothing behind and the transaction can be retried.
	item, err := p.windows.ScoringInput(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	monthly, err := p.windows.Monthly(ctx, tx.UserID, tx.Timestamp)
	if err != nil {
		return Result{}, err
	}

	seal := p.guard.Seal(tx)
	if err := p.repo.SaveTransaction(ctx, tx, seal); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return Result{}, fmt.Errorf("%w: %s", ErrAlreadyProcessed, tx.ID)
		}
		return Result{}, fmt.Errorf("failed to store transaction: %w", err)
	}
	monthly = append(monthly, tx)

	start := time.Now()
	assessment := p.scorer.Analyze(item.Transaction, item.Profile, item.Recent)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	metrics.AssessmentsTotal.WithLabelValues(assessment.Level.String()).Inc()

	amlRisk := p.detector.Analyze(tx.UserID, monthly)
	metrics.AMLAnalysesTotal.WithLabelValues(amlRisk.Category.String()).Inc()

	res := Result{Assessment: assessment, AML: amlRisk, Seal: seal}

	p.publish(ctx, domain.TopicAssessment, res)
	if assessment.RequiresReview || amlRisk.RequiresManualReview {
		p.publish(ctx, domain.TopicReview, res)
	}
	p.report(ctx, res)

	logger.Info("transaction processed",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"score", assessment.Score,
		"risk_level", assessment.Level.String(),
		"aml_category", amlRisk.Category.String(),
	)
	return res, nil
}

func (p *Processor) publish(ctx context.Context, topic string, res Result) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		logging.L(ctx).Error("failed to encode result", "tx_id", res.Assessment.TxID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		logging.L(ctx).Error("failed to publish result",
			"topic", topic,
			"tx_id", res.Assessment.TxID,
			"error", err,
		)
	}
}

// report feeds the monitor. Blocked transactions count as BLOCKED_TRANSACTION,
// other HIGH verdicts as HIGH_RISK_TRANSACTION, and any AML category above
// LOW as AML_PATTERN.
func (p *Processor) report(ctx context.Context, res Result) {
	if p.reporter == nil {
		return
	}
	a := res.Assessment

	if a.RequiresReview {
		activity := domain.ActivityHighRiskTransaction
		if a.Blocked {
			activity = domain.ActivityBlockedTransaction
		}
		meta := domain.RiskMetadata{TxID: a.TxID, Score: a.Score, Level: a.Level, Reasons: a.Reasons}
		p.reportOne(ctx, a.UserID, activity, meta)
	}

	if res.AML.Category > domain.RiskLow {
		meta := domain.AMLMetadata{
			Flags:         res.AML.Flags,
			RiskScore:     res.AML.RiskScore,
			MonthlyVolume: res.AML.MonthlyVolume,
		}
		p.reportOne(ctx, a.UserID, domain.ActivityAMLPattern, meta)
	}
}

func (p *Processor) reportOne(ctx context.Context, userID string, activity domain.ActivityType, meta domain.ActivityMetadata) {
	if _, err := p.reporter.Report(ctx, userID, activity, meta); err != nil {
		logging.L(ctx).Error("failed to report activity",
			"user_id", userID,
			"activity", activity,
			"error", err,
		)
	}
}

// decodeTransaction parses a bus payload.
func decodeTransaction(payload []byte) (domain.Transaction, error) {
	var tx domain.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return domain.Transaction{}, domain.ValidationError{Field: "payload", Message: err.Error()}
	}
	return tx, nil
}

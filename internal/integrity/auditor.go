package integrity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// DefaultAuditPageSize is the number of records fetched per page.
const DefaultAuditPageSize = 500

// RecordSource pages through stored, sealed records.
type RecordSource interface {
	ListSealed(ctx context.Context, afterID string, limit int) ([]domain.SealedTransaction, error)
}

// Reporter receives one event per failed record.
type Reporter interface {
	Report(ctx context.Context, userID string, activity domain.ActivityType, meta domain.ActivityMetadata) (int64, error)
}

// Failure identifies one record that did not verify.
type Failure struct {
	TxID   string `json:"txId"`
	UserID string `json:"userId"`
	Check  string `json:"check"` // "digest" or "signature"
}

// AuditReport summarises one audit pass.
type AuditReport struct {
	Checked           int       `json:"checked"`
	IntegrityFailures int       `json:"integrityFailures"`
	SignatureFailures int       `json:"signatureFailures"`
	Failures          []Failure `json:"failures"`
}

// Auditor re-verifies stored records against their seals.
type Auditor struct {
	source   RecordSource
	guard    *Guard
	reporter Reporter
	logger   *slog.Logger

	PageSize int
}

// NewAuditor creates an auditor. reporter may be nil.
func NewAuditor(source RecordSource, guard *Guard, reporter Reporter, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		source:   source,
		guard:    guard,
		reporter: reporter,
		logger:   logger,
		PageSize: DefaultAuditPageSize,
	}
}

// Run checks every stored record. A corrupted record is counted and
// reported; it never stops the pass. Only storage errors and context
// cancellation end a pass early.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	report := AuditReport{Failures: []Failure{}}
	pageSize := a.PageSize
	if pageSize <= 0 {
		pageSize = DefaultAuditPageSize
	}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		page, err := a.source.ListSealed(ctx, after, pageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list sealed records: %w", err)
		}

		for _, rec := range page {
			a.audit(ctx, rec, &report)
		}

		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].Transaction.ID
	}

	a.logger.Info("integrity audit complete",
		"checked", report.Checked,
		"integrity_failures", report.IntegrityFailures,
		"signature_failures", report.SignatureFailures,
	)
	return report, nil
}

func (a *Auditor) audit(ctx context.Context, rec domain.SealedTransaction, report *AuditReport) {
	tx := rec.Transaction
	verdict := a.guard.Check(tx, rec.Seal)
	report.Checked++

	var (
		check    string
		activity domain.ActivityType
	)
	switch {
	case !verdict.IntegrityOK:
		report.IntegrityFailures++
		check, activity = "digest", domain.ActivityIntegrityFailure
	case verdict.SignatureChecked && !verdict.SignatureOK:
		report.SignatureFailures++
		check, activity = "signature", domain.ActivitySignatureFailure
	default:
		metrics.IntegrityChecksTotal.WithLabelValues("ok").Inc()
		return
	}

	metrics.IntegrityChecksTotal.WithLabelValues(check + "_mismatch").Inc()
	report.Failures = append(report.Failures, Failure{TxID: tx.ID, UserID: tx.UserID, Check: check})
	a.logger.Warn("stored record failed verification",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"check", check,
	)

	if a.reporter == nil {
		return
	}
	meta := domain.IntegrityMetadata{TxID: tx.ID, Check: check}
	if _, err := a.reporter.Report(ctx, tx.UserID, activity, meta); err != nil {
		a.logger.Error("failed to report integrity failure",
			"tx_id", tx.ID,
			"error", err,
		)
	}
}

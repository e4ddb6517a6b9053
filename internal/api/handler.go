package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/aml"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/stream"
	"github.com/opensource-finance/kestrel/internal/window"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Deps holds the components served over HTTP.
type Deps struct {
	Repo      domain.Repository
	Counters  domain.CounterStore
	Bus       domain.EventBus
	Engine    *rules.Engine
	Scorer    *scoring.Scorer
	Detector  *aml.Detector
	Guard     *integrity.Guard
	Monitor   *monitor.Monitor
	Windows   *window.Service
	Processor *worker.Processor
	Auditor   *integrity.Auditor

	// Stream serves live alerts over WebSocket when set.
	Stream *stream.Hub

	// AsyncIngest publishes ingested transactions to the bus for the worker
	// instead of processing them in the request.
	AsyncIngest bool
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{Deps: deps, version: version, now: time.Now}
}

type errorResponse struct {
	Error  string                   `json:"error"`
	Fields []domain.ValidationError `json:"fields,omitempty"`
}

// AssessRequest is the request body for POST /v1/assess. Profile and Recent
// are loaded from storage when omitted.
type AssessRequest struct {
	Transaction domain.Transaction   `json:"transaction"`
	Profile     *domain.Profile      `json:"profile,omitempty"`
	Recent      []domain.Transaction `json:"recent,omitempty"`

	// Report feeds HIGH and CRITICAL verdicts to the monitor.
	Report bool `json:"report,omitempty"`
}

// Assess handles POST /v1/assess. Nothing is stored.
func (h *Handler) Assess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssessRequest
	if !decode(w, r, &req) {
		return
	}

	item, err := h.assessInput(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	start := time.Now()
	assessment := h.Scorer.Analyze(item.Transaction, item.Profile, item.Recent)
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())
	metrics.AssessmentsTotal.WithLabelValues(assessment.Level.String()).Inc()

	if req.Report {
		h.reportAssessment(ctx, item.Transaction.UserID, assessment)
	}

	writeJSON(w, http.StatusOK, assessment)
}

const (
	maxBatchSize = 1000
	batchWorkers = 8
)

// BatchAssessRequest is the request body for POST /v1/assess/batch.
type BatchAssessRequest struct {
	Items []AssessRequest `json:"items"`
}

// BatchAssessResponse holds one assessment per request item, in order.
type BatchAssessResponse struct {
	Assessments []domain.Assessment `json:"assessments"`
}

// AssessBatch handles POST /v1/assess/batch. Every item is validated before
// any is scored; one invalid item rejects the whole batch.
func (h *Handler) AssessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchAssessRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Items) == 0 || len(req.Items) > maxBatchSize {
		h.writeError(w, r, domain.ValidationError{
			Field:   "items",
			Message: fmt.Sprintf("must hold between 1 and %d items", maxBatchSize),
		})
		return
	}

	items := make([]scoring.Item, len(req.Items))
	for i, it := range req.Items {
		item, err := h.assessInput(ctx, it)
		if err != nil {
			h.writeError(w, r, prefixFields(err, fmt.Sprintf("items[%d].", i)))
			return
		}
		items[i] = item
	}

	start := time.Now()
	assessments, err := h.Scorer.ScoreBatch(ctx, items, batchWorkers)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	metrics.ScoringDuration.Observe(time.Since(start).Seconds() / float64(len(items)))

	for i, a := range assessments {
		metrics.AssessmentsTotal.WithLabelValues(a.Level.String()).Inc()
		if req.Items[i].Report {
			h.reportAssessment(ctx, items[i].Transaction.UserID, a)
		}
	}

	writeJSON(w, http.StatusOK, BatchAssessResponse{Assessments: assessments})
}

// assessInput validates the request and fills in a missing profile or
// recent window from storage.
func (h *Handler) assessInput(ctx context.Context, req AssessRequest) (scoring.Item, error) {
	tx, err := domain.NewTransaction(req.Transaction, h.now())
	if err != nil {
		return scoring.Item{}, err
	}

	var profile domain.Profile
	if req.Profile != nil {
		if profile, err = domain.NewProfile(*req.Profile); err != nil {
			return scoring.Item{}, err
		}
	} else if profile, err = h.Windows.Profile(ctx, tx.UserID); err != nil {
		return scoring.Item{}, err
	}

	recent := req.Recent
	if recent == nil {
		if recent, err = h.Windows.Recent(ctx, tx); err != nil {
			return scoring.Item{}, err
		}
	} else if recent, err = h.validateWindow(req.Recent, "recent"); err != nil {
		return scoring.Item{}, err
	}

	return scoring.Item{Transaction: tx, Profile: profile, Recent: recent}, nil
}

// reportAssessment feeds HIGH and CRITICAL verdicts to the monitor.
func (h *Handler) reportAssessment(ctx context.Context, userID string, a domain.Assessment) {
	if !a.RequiresReview {
		return
	}
	activity := domain.ActivityHighRiskTransaction
	if a.Blocked {
		activity = domain.ActivityBlockedTransaction
	}
	meta := domain.RiskMetadata{
		TxID:    a.TxID,
		Score:   a.Score,
		Level:   a.Level,
		Reasons: a.Reasons,
	}
	if _, err := h.Monitor.Report(ctx, userID, activity, meta); err != nil {
		logging.L(ctx).Error("failed to report activity", "tx_id", a.TxID, "error", err)
	}
}

// validateWindow checks client-supplied window entries like any ingested
// transaction. Field names are qualified as name[i].field.
func (h *Handler) validateWindow(txns []domain.Transaction, name string) ([]domain.Transaction, error) {
	now := h.now()
	out := make([]domain.Transaction, len(txns))
	for i, tx := range txns {
		valid, err := domain.NewTransaction(tx, now)
		if err != nil {
			return nil, prefixFields(err, fmt.Sprintf("%s[%d].", name, i))
		}
		out[i] = valid
	}
	return out, nil
}

// prefixFields qualifies validation field names with prefix. Other errors
// pass through.
func prefixFields(err error, prefix string) error {
	var fieldErrs domain.ValidationErrors
	var fieldErr domain.ValidationError
	switch {
	case errors.As(err, &fieldErrs):
		out := make(domain.ValidationErrors, len(fieldErrs))
		for i, fe := range fieldErrs {
			fe.Field = prefix + fe.Field
			out[i] = fe
		}
		return out
	case errors.As(err, &fieldErr):
		fieldErr.Field = prefix + fieldErr.Field
		return fieldErr
	}
	return err
}

// AMLRequest is the request body for POST /v1/aml. Without Transactions the
// monthly window ending at AsOf (default now) is loaded from storage.
type AMLRequest struct {
	UserID       string               `json:"userId"`
	Transactions []domain.Transaction `json:"transactions,omitempty"`
	AsOf         *time.Time           `json:"asOf,omitempty"`

	// Report feeds a non-LOW category to the monitor as AML_PATTERN.
	Report bool `json:"report,omitempty"`
}

// AnalyzeAML handles POST /v1/aml.
func (h *Handler) AnalyzeAML(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AMLRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		h.writeError(w, r, domain.ValidationError{Field: "userId", Message: "is required"})
		return
	}

	txns := req.Transactions
	if txns != nil {
		var err error
		if txns, err = h.validateWindow(req.Transactions, "transactions"); err != nil {
			h.writeError(w, r, err)
			return
		}
	} else {
		asOf := h.now()
		if req.AsOf != nil {
			asOf = *req.AsOf
		}
		var err error
		if txns, err = h.Windows.Monthly(ctx, req.UserID, asOf); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	risk := h.Detector.Analyze(req.UserID, txns)
	metrics.AMLAnalysesTotal.WithLabelValues(risk.Category.String()).Inc()

	if req.Report && risk.Category > domain.RiskLow {
		meta := domain.AMLMetadata{Flags: risk.Flags, RiskScore: risk.RiskScore, MonthlyVolume: risk.MonthlyVolume}
		if _, err := h.Monitor.Report(ctx, req.UserID, domain.ActivityAMLPattern, meta); err != nil {
			logging.L(ctx).Error("failed to report activity", "user_id", req.UserID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, risk)
}

// Seal handles POST /v1/integrity/seal.
func (h *Handler) Seal(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if !decode(w, r, &tx) {
		return
	}
	if err := tx.Validate(h.now(), domain.DefaultClockSkew); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.Guard.Seal(tx))
}

// VerifyRequest is the request body for POST /v1/integrity/verify.
type VerifyRequest struct {
	Transaction domain.Transaction `json:"transaction"`
	Seal        domain.Seal        `json:"seal"`
}

// VerifyResponse reports the checks run against a seal.
type VerifyResponse struct {
	integrity.Verdict
	OK bool `json:"ok"`
}

// Verify handles POST /v1/integrity/verify. A mismatch is a 200 with ok=false.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}

	v := h.Guard.Check(req.Transaction, req.Seal)
	writeJSON(w, http.StatusOK, VerifyResponse{Verdict: v, OK: v.OK()})
}

// Audit handles POST /v1/integrity/audit: re-verifies every stored record.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// IngestResponse is returned for asynchronously ingested transactions.
type IngestResponse struct {
	TxID   string `json:"txId"`
	Status string `json:"status"`
}

// Ingest handles POST /v1/transactions. In async mode the transaction is
// validated and handed to the worker; otherwise it is processed in the
// request.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var tx domain.Transaction
	if !decode(w, r, &tx) {
		return
	}

	if h.AsyncIngest {
		if err := tx.Validate(h.now(), domain.DefaultClockSkew); err != nil {
			h.writeError(w, r, err)
			return
		}
		payload, err := json.Marshal(tx)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.Bus.Publish(ctx, domain.TopicTransactionIngested, payload); err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, IngestResponse{TxID: tx.ID, Status: "accepted"})
		return
	}

	res, err := h.Processor.Process(ctx, tx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// TransactionResponse is a stored record with its verification verdict.
type TransactionResponse struct {
	Record  domain.SealedTransaction `json:"record"`
	Verdict VerifyResponse           `json:"verdict"`
}

// GetTransaction handles GET /v1/transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	v := h.Guard.Check(rec.Transaction, rec.Seal)
	writeJSON(w, http.StatusOK, TransactionResponse{
		Record:  *rec,
		Verdict: VerifyResponse{Verdict: v, OK: v.OK()},
	})
}

// ActivityRequest is the request body for POST /v1/activity.
type ActivityRequest struct {
	UserID   string                   `json:"userId"`
	Activity domain.ActivityType      `json:"activity"`
	Metadata *domain.MetadataEnvelope `json:"metadata,omitempty"`
}

// ActivityResponse reports the counter after an increment.
type ActivityResponse struct {
	UserID    string              `json:"userId"`
	Activity  domain.ActivityType `json:"activity"`
	Count     int64               `json:"count"`
	Threshold int64               `json:"threshold"`
}

// ReportActivity handles POST /v1/activity.
func (h *Handler) ReportActivity(w http.ResponseWriter, r *http.Request) {
	var req ActivityRequest
	if !decode(w, r, &req) {
		return
	}

	meta, err := req.Metadata.Decode()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	count, err := h.Monitor.Report(r.Context(), req.UserID, req.Activity, meta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ActivityResponse{
		UserID:    req.UserID,
		Activity:  req.Activity,
		Count:     count,
		Threshold: h.Monitor.Threshold(),
	})
}

// CounterEntry is one counter in a snapshot.
type CounterEntry struct {
	UserID   string              `json:"userId"`
	Activity domain.ActivityType `json:"activity"`
	Count    int64               `json:"count"`
}

// Snapshot handles GET /v1/activity?userId=. Entries are sorted by user
// then activity.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Monitor.Snapshot(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	entries := make([]CounterEntry, 0, len(snap))
	for k, n := range snap {
		entries = append(entries, CounterEntry{UserID: k.UserID, Activity: k.Activity, Count: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID != entries[j].UserID {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].Activity < entries[j].Activity
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"counters":  entries,
		"threshold": h.Monitor.Threshold(),
	})
}

// ResetActivity handles DELETE /v1/activity/{userId}.
func (h *Handler) ResetActivity(w http.ResponseWriter, r *http.Request) {
	if err := h.Monitor.Reset(r.Context(), chi.URLParam(r, "userId")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRules returns the rules currently loaded in the engine.
// Rules are loaded from the database at startup and can be reloaded via POST /v1/rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.Engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

// CreateRule validates a rule, compiles its expression and saves it.
// Call POST /v1/rules/reload to apply it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.RuleConfig
	if !decode(w, r, &rule) {
		return
	}

	if err := h.Engine.ValidateRule(&rule); err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			err = domain.ValidationError{Field: "expression", Message: err.Error()}
		}
		h.writeError(w, r, err)
		return
	}

	if err := h.Repo.SaveRule(ctx, &rule); err != nil {
		h.writeError(w, r, err)
		return
	}

	logging.L(ctx).Info("rule saved", "rule_id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /v1/rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stored, err := h.Repo.ListRules(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.Engine.ReloadRules(stored); err != nil {
		h.writeError(w, r, err)
		return
	}

	logging.L(ctx).Info("rules reloaded from database", "count", h.Engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Engine.RulesCount(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	status := "healthy"

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			return
		}
		checks[name] = "ok"
	}

	if h.Repo != nil {
		check("repository", func() error { return h.Repo.Ping(ctx) })
	}
	if h.Counters != nil {
		check("counters", func() error { return h.Counters.Ping(ctx) })
	}
	if h.Bus != nil {
		check("bus", func() error { return h.Bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps err to a status: validation 400, not found 404,
// duplicate 409, anything else 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs domain.ValidationErrors
	var fieldErr domain.ValidationError

	switch {
	case errors.As(err, &fieldErrs):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fieldErrs})
	case errors.As(err, &fieldErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: []domain.ValidationError{fieldErr}})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, worker.ErrAlreadyProcessed), errors.Is(err, repository.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		logging.L(r.Context()).Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

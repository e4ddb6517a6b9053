package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/aml"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/stream"
	"github.com/opensource-finance/kestrel/internal/window"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var fixedNow = time.Date(2025, 6, 2, 12, 30, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
	mon    *monitor.Monitor
	hub    *stream.Hub
}

// createTestServer wires the full stack on SQLite, a channel bus and
// in-memory counters.
func createTestServer(t *testing.T, opts ...func(*domain.ServerConfig)) *testEnv {
	t.Helper()

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	risk := domain.DefaultRiskConfig()
	counters := cache.NewMemoryCounterStore()
	hub := stream.NewHub(logger)
	t.Cleanup(hub.Close)
	mon := monitor.New(counters, monitor.MultiSink{monitor.NewLogSink(logger), hub}, risk.Monitor, logger)
	guard := integrity.NewGuard("kestrel-api-test")
	scorer := scoring.NewScorer(risk.Scoring, engine)
	detector := aml.NewDetector(risk.AML)
	windows := window.NewService(repo, cache.NewProfileCache(10, time.Minute), risk.Scoring.VelocityWindow, 0)

	deps := Deps{
		Repo:      repo,
		Counters:  counters,
		Bus:       eventBus,
		Engine:    engine,
		Scorer:    scorer,
		Detector:  detector,
		Guard:     guard,
		Monitor:   mon,
		Windows:   windows,
		Processor: worker.NewProcessor(repo, windows, scorer, detector, guard, mon, eventBus),
		Auditor:   integrity.NewAuditor(repo, guard, mon, logger),
		Stream:    hub,
	}

	server := NewServer(cfg, deps, "test-v1")
	server.Handler().now = func() time.Time { return fixedNow }

	return &testEnv{server: server, repo: repo, bus: eventBus, mon: mon, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		r = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func sampleTx(id string, amount float64, merchant string, ts time.Time) domain.Transaction {
	return domain.Transaction{
		ID:            id,
		UserID:        "user-1",
		Amount:        amount,
		Merchant:      merchant,
		Timestamp:     ts,
		IPAddress:     "198.51.100.23",
		UserAgent:     "Mozilla/5.0",
		PaymentMethod: "card",
	}
}

func TestAssessEndpoint(t *testing.T) {
	env := createTestServer(t)

	profile := &domain.Profile{
		UserID:                   "user-1",
		AverageTransactionAmount: 100,
		MaxSingleTransaction:     200,
		CommonTransactionTimes:   map[int]int{12: 3},
	}

	t.Run("Blocked", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assess", AssessRequest{
			Transaction: sampleTx("tx-1", 5000, "Lucky Casino", fixedNow.Add(-time.Minute)),
			Profile:     profile,
			Recent:      []domain.Transaction{},
			Report:      true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var a domain.Assessment
		decodeBody(t, rr, &a)
		if a.Score != 80 || a.Level != domain.RiskCritical || !a.Blocked {
			t.Errorf("expected blocked CRITICAL 80, got %+v", a)
		}
		if len(a.Reasons) != 3 {
			t.Errorf("expected 3 reasons, got %v", a.Reasons)
		}

		snap, err := env.mon.Snapshot(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		key := domain.CounterKey{UserID: "user-1", Activity: domain.ActivityBlockedTransaction}
		if snap[key] != 1 {
			t.Errorf("expected one BLOCKED_TRANSACTION report, got %v", snap)
		}
	})

	t.Run("LoadsMissingInputs", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assess", AssessRequest{
			Transaction: sampleTx("tx-2", 42, "Corner Grocer", fixedNow.Add(-time.Minute)),
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var a domain.Assessment
		decodeBody(t, rr, &a)
		if a.Score != 0 || a.Level != domain.RiskLow {
			t.Errorf("unknown user at a normal hour should score 0, got %+v", a)
		}
	})

	t.Run("InvalidTransaction", func(t *testing.T) {
		tx := sampleTx("tx-3", -5, "Corner Grocer", fixedNow)
		tx.IPAddress = "not-an-ip"
		rr := env.do(t, http.MethodPost, "/v1/assess", AssessRequest{Transaction: tx})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}

		var resp errorResponse
		decodeBody(t, rr, &resp)
		if len(resp.Fields) != 2 {
			t.Errorf("expected amount and ipAddress errors, got %+v", resp.Fields)
		}
	})

	t.Run("InvalidRecentEntry", func(t *testing.T) {
		bad := sampleTx("r-1", 100, "", fixedNow.Add(-10*time.Minute))
		rr := env.do(t, http.MethodPost, "/v1/assess", AssessRequest{
			Transaction: sampleTx("tx-4", 42, "Corner Grocer", fixedNow.Add(-time.Minute)),
			Profile:     profile,
			Recent:      []domain.Transaction{sampleTx("r-0", 10, "Corner Grocer", fixedNow.Add(-20*time.Minute)), bad},
		})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp errorResponse
		decodeBody(t, rr, &resp)
		if len(resp.Fields) != 1 || resp.Fields[0].Field != "recent[1].merchant" {
			t.Errorf("expected recent[1].merchant, got %+v", resp.Fields)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assess", "invalid json")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAssessBatchEndpoint(t *testing.T) {
	env := createTestServer(t)

	profile := &domain.Profile{
		UserID:                   "user-1",
		AverageTransactionAmount: 100,
		MaxSingleTransaction:     200,
		CommonTransactionTimes:   map[int]int{12: 3},
	}

	t.Run("ScoresInOrder", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assess/batch", BatchAssessRequest{Items: []AssessRequest{
			{Transaction: sampleTx("b-1", 5000, "Lucky Casino", fixedNow.Add(-time.Minute)), Profile: profile, Recent: []domain.Transaction{}, Report: true},
			{Transaction: sampleTx("b-2", 42, "Corner Grocer", fixedNow.Add(-time.Minute))},
		}})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp BatchAssessResponse
		decodeBody(t, rr, &resp)
		if len(resp.Assessments) != 2 {
			t.Fatalf("expected 2 assessments, got %d", len(resp.Assessments))
		}
		if resp.Assessments[0].TxID != "b-1" || !resp.Assessments[0].Blocked {
			t.Errorf("expected b-1 blocked first, got %+v", resp.Assessments[0])
		}
		if resp.Assessments[1].TxID != "b-2" || resp.Assessments[1].Level != domain.RiskLow {
			t.Errorf("expected b-2 LOW second, got %+v", resp.Assessments[1])
		}

		snap, err := env.mon.Snapshot(context.Background(), "user-1")
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if snap[domain.CounterKey{UserID: "user-1", Activity: domain.ActivityBlockedTransaction}] != 1 {
			t.Errorf("expected the blocked item to be reported, got %v", snap)
		}
	})

	t.Run("InvalidItemNamesIndex", func(t *testing.T) {
		bad := sampleTx("b-4", -1, "Corner Grocer", fixedNow)
		rr := env.do(t, http.MethodPost, "/v1/assess/batch", BatchAssessRequest{Items: []AssessRequest{
			{Transaction: sampleTx("b-3", 10, "Corner Grocer", fixedNow)},
			{Transaction: bad},
		}})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d", rr.Code)
		}

		var resp errorResponse
		decodeBody(t, rr, &resp)
		if len(resp.Fields) == 0 {
			t.Fatal("expected field errors")
		}
		for _, f := range resp.Fields {
			if !strings.HasPrefix(f.Field, "items[1].") {
				t.Errorf("expected field under items[1], got %q", f.Field)
			}
		}
	})

	t.Run("Empty", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/assess/batch", BatchAssessRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestAMLEndpoint(t *testing.T) {
	env := createTestServer(t)

	t.Run("Structuring", func(t *testing.T) {
		txns := make([]domain.Transaction, 10)
		for i := range txns {
			txns[i] = sampleTx("tx-"+string(rune('a'+i)), 9800, "Transfer Desk", fixedNow.Add(-time.Duration(i+1)*time.Hour))
		}

		rr := env.do(t, http.MethodPost, "/v1/aml", AMLRequest{UserID: "user-1", Transactions: txns, Report: true})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var risk domain.AMLRisk
		decodeBody(t, rr, &risk)
		if risk.Category != domain.RiskHigh || !risk.HasFlag(domain.FlagStructuring) {
			t.Errorf("expected HIGH with structuring, got %+v", risk)
		}
		if !risk.RequiresManualReview {
			t.Error("HIGH category requires manual review")
		}

		snap, _ := env.mon.Snapshot(context.Background(), "user-1")
		if snap[domain.CounterKey{UserID: "user-1", Activity: domain.ActivityAMLPattern}] != 1 {
			t.Errorf("expected one AML_PATTERN report, got %v", snap)
		}
	})

	t.Run("StoredWindow", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/aml", AMLRequest{UserID: "nobody"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var risk domain.AMLRisk
		decodeBody(t, rr, &risk)
		if risk.Category != domain.RiskLow || risk.TransactionCount != 0 {
			t.Errorf("empty window should be LOW, got %+v", risk)
		}
	})

	t.Run("InvalidWindowEntry", func(t *testing.T) {
		txns := []domain.Transaction{
			sampleTx("w-1", 9800, "Transfer Desk", fixedNow.Add(-3*time.Hour)),
			sampleTx("w-2", -9800, "Transfer Desk", fixedNow.Add(-2*time.Hour)),
			sampleTx("w-3", 0, "Transfer Desk", fixedNow.Add(-time.Hour)),
		}
		rr := env.do(t, http.MethodPost, "/v1/aml", AMLRequest{UserID: "user-9", Transactions: txns})
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp errorResponse
		decodeBody(t, rr, &resp)
		if len(resp.Fields) != 1 || resp.Fields[0].Field != "transactions[1].amount" {
			t.Errorf("expected the first bad entry to be named, got %+v", resp.Fields)
		}
	})

	t.Run("MissingUser", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/aml", AMLRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestIntegrityEndpoints(t *testing.T) {
	env := createTestServer(t)
	tx := sampleTx("tx-1", 125.5, "Corner Grocer", fixedNow.Add(-time.Minute))

	rr := env.do(t, http.MethodPost, "/v1/integrity/seal", tx)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var seal domain.Seal
	decodeBody(t, rr, &seal)
	if seal.Digest == "" || seal.MAC == "" {
		t.Fatalf("expected digest and MAC, got %+v", seal)
	}

	t.Run("Intact", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/integrity/verify", VerifyRequest{Transaction: tx, Seal: seal})
		var resp VerifyResponse
		decodeBody(t, rr, &resp)
		if !resp.OK || !resp.IntegrityOK || !resp.SignatureOK {
			t.Errorf("expected intact record to verify, got %+v", resp)
		}
	})

	t.Run("Tampered", func(t *testing.T) {
		tampered := tx
		tampered.Amount = 12550
		rr := env.do(t, http.MethodPost, "/v1/integrity/verify", VerifyRequest{Transaction: tampered, Seal: seal})
		if rr.Code != http.StatusOK {
			t.Fatalf("a mismatch is not a request error, got %d", rr.Code)
		}
		var resp VerifyResponse
		decodeBody(t, rr, &resp)
		if resp.OK || resp.IntegrityOK {
			t.Errorf("tampered record must fail, got %+v", resp)
		}
	})

	t.Run("Audit", func(t *testing.T) {
		if err := env.repo.SaveTransaction(context.Background(), tx, seal); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/v1/integrity/audit", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var report integrity.AuditReport
		decodeBody(t, rr, &report)
		if report.Checked != 1 || report.IntegrityFailures != 0 {
			t.Errorf("unexpected audit report: %+v", report)
		}
	})
}

func TestTransactionEndpoints(t *testing.T) {
	env := createTestServer(t)
	ts := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	tx := sampleTx("tx-1", 42.5, "Corner Grocer", ts)

	rr := env.do(t, http.MethodPost, "/v1/transactions", tx)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var res worker.Result
	decodeBody(t, rr, &res)
	if res.Assessment.TxID != "tx-1" || res.Seal.Digest == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	t.Run("Duplicate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/transactions", tx)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/v1/transactions/tx-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp TransactionResponse
		decodeBody(t, rr, &resp)
		if resp.Record.Transaction.ID != "tx-1" || !resp.Verdict.OK {
			t.Errorf("unexpected record: %+v", resp)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/v1/transactions/missing", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Async", func(t *testing.T) {
		received := make(chan []byte, 1)
		_, err := env.bus.Subscribe(context.Background(), domain.TopicTransactionIngested, func(ctx context.Context, msg *domain.Message) error {
			received <- msg.Payload
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		env.server.Handler().AsyncIngest = true
		defer func() { env.server.Handler().AsyncIngest = false }()

		rr := env.do(t, http.MethodPost, "/v1/transactions", sampleTx("tx-async", 10, "Corner Grocer", fixedNow))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case payload := <-received:
			var got domain.Transaction
			if err := json.Unmarshal(payload, &got); err != nil || got.ID != "tx-async" {
				t.Errorf("unexpected payload %s: %v", payload, err)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for ingested transaction")
		}
	})
}

func TestActivityEndpoints(t *testing.T) {
	env := createTestServer(t)

	meta, err := domain.EncodeMetadata(domain.AuthMetadata{IPAddress: "203.0.113.9", Reason: "bad password"})
	if err != nil {
		t.Fatalf("EncodeMetadata failed: %v", err)
	}

	var last ActivityResponse
	for i := 0; i < 3; i++ {
		rr := env.do(t, http.MethodPost, "/v1/activity", ActivityRequest{
			UserID:   "user-1",
			Activity: domain.ActivityFailedLogin,
			Metadata: meta,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		decodeBody(t, rr, &last)
	}
	if last.Count != 3 || last.Threshold != 3 {
		t.Errorf("expected count 3 of threshold 3, got %+v", last)
	}

	t.Run("MetadataMismatch", func(t *testing.T) {
		wrong, _ := domain.EncodeMetadata(domain.AMLMetadata{RiskScore: 10})
		rr := env.do(t, http.MethodPost, "/v1/activity", ActivityRequest{
			UserID:   "user-1",
			Activity: domain.ActivityFailedLogin,
			Metadata: wrong,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownActivity", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/v1/activity", ActivityRequest{UserID: "user-1", Activity: "PHISHING"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/v1/activity?userId=user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Counters []CounterEntry `json:"counters"`
		}
		decodeBody(t, rr, &resp)
		if len(resp.Counters) != 1 || resp.Counters[0].Count != 3 {
			t.Errorf("unexpected counters: %+v", resp.Counters)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		rr := env.do(t, http.MethodDelete, "/v1/activity/user-1", nil)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected status 204, got %d", rr.Code)
		}

		snap, _ := env.mon.Snapshot(context.Background(), "user-1")
		if len(snap) != 0 {
			t.Errorf("expected no counters after reset, got %v", snap)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t)

	rule := domain.RuleConfig{
		ID:         "rule-crypto",
		Name:       "Crypto payment",
		Expression: `payment_method == "crypto"`,
		Score:      15,
		Reason:     "Crypto payment method",
		Enabled:    true,
	}

	rr := env.do(t, http.MethodPost, "/v1/rules", rule)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/rules/reload", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/rules", nil)
	var listed struct {
		Count int `json:"count"`
	}
	decodeBody(t, rr, &listed)
	if listed.Count != 1 {
		t.Errorf("expected 1 loaded rule, got %d", listed.Count)
	}

	t.Run("AppliedToScoring", func(t *testing.T) {
		tx := sampleTx("tx-crypto", 42, "Corner Grocer", fixedNow.Add(-time.Minute))
		tx.PaymentMethod = "crypto"
		rr := env.do(t, http.MethodPost, "/v1/assess", AssessRequest{Transaction: tx})

		var a domain.Assessment
		decodeBody(t, rr, &a)
		if a.Score != 15 {
			t.Errorf("expected rule delta 15, got %+v", a)
		}
	})

	t.Run("BadExpression", func(t *testing.T) {
		bad := rule
		bad.ID = "rule-bad"
		bad.Expression = "amount >"
		rr := env.do(t, http.MethodPost, "/v1/rules", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != "healthy" || resp.Version != "test-v1" {
		t.Errorf("unexpected health: %+v", resp)
	}
	for _, name := range []string{"repository", "counters", "bus"} {
		if resp.Checks[name] != "ok" {
			t.Errorf("expected %s ok, got %q", name, resp.Checks[name])
		}
	}

	rr = env.do(t, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected ready 200, got %d", rr.Code)
	}
}

func TestMiddleware(t *testing.T) {
	env := createTestServer(t)

	t.Run("RequestIDHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "custom-request-id")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "custom-request-id" {
			t.Errorf("expected request ID to be echoed, got %q", got)
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected trace ID header")
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/assess", nil)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204 for preflight, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("expected CORS header")
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/metrics", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

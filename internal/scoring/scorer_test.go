package scoring

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var afternoon = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)

func newScorer() *Scorer {
	return NewScorer(domain.DefaultRiskConfig().Scoring, nil)
}

func regularProfile() domain.Profile {
	return domain.Profile{
		UserID:                   "user-1",
		AverageTransactionAmount: 500,
		CommonMerchants:          []string{"Corner Grocer", "Metro Transit"},
		CommonLocations:          []string{"Lisbon"},
		CommonTransactionTimes:   map[int]int{9: 5, 14: 8, 19: 3},
		MaxSingleTransaction:     2000,
		AverageDailyTransactions: 2,
		LastSeenDevices:          []string{"dev-1"},
	}
}

func regularTx() domain.Transaction {
	return domain.Transaction{
		ID:                "tx-1",
		UserID:            "user-1",
		Amount:            480,
		Merchant:          "Corner Grocer",
		Location:          "Lisbon",
		Timestamp:         afternoon,
		IPAddress:         "198.51.100.10",
		UserAgent:         "test",
		PaymentMethod:     "card",
		DeviceFingerprint: "dev-1",
	}
}

func hasReason(a domain.Assessment, substr string) bool {
	for _, r := range a.Reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}

func TestAnalyzeNormalTransaction(t *testing.T) {
	a := newScorer().Analyze(regularTx(), regularProfile(), nil)

	if a.Score != 0 {
		t.Errorf("expected score 0, got %v (reasons %v)", a.Score, a.Reasons)
	}
	if a.Level != domain.RiskLow || a.Blocked || a.RequiresReview {
		t.Errorf("expected LOW and not blocked, got %+v", a)
	}
	if a.TxID != "tx-1" || a.UserID != "user-1" {
		t.Errorf("assessment not tied to transaction: %+v", a)
	}
}

func TestAnalyzeAmountAnomaly(t *testing.T) {
	tx := regularTx()
	tx.Amount = 10000

	a := newScorer().Analyze(tx, regularProfile(), nil)

	if a.Score <= 30 {
		t.Errorf("expected score > 30, got %v", a.Score)
	}
	if a.Level != domain.RiskMedium {
		t.Errorf("expected MEDIUM, got %s", a.Level)
	}
	if a.Blocked {
		t.Error("expected not blocked")
	}
	if !hasReason(a, "Transaction amount 20.0x higher than usual") {
		t.Errorf("expected 20.0x reason, got %v", a.Reasons)
	}

	want := []domain.FactorScore{{Name: FactorAmount, Delta: 40}, {Name: FactorMaxAmount, Delta: 10}}
	if !reflect.DeepEqual(a.Factors, want) {
		t.Errorf("expected factors %v, got %v", want, a.Factors)
	}
}

func TestAnalyzeCriticalTransaction(t *testing.T) {
	tx := regularTx()
	tx.Amount = 150000
	tx.Merchant = "Lucky Star Casino"
	tx.DeviceFingerprint = "dev-unknown"
	tx.Timestamp = time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)

	a := newScorer().Analyze(tx, regularProfile(), nil)

	if a.Score <= 80 {
		t.Errorf("expected score > 80, got %v", a.Score)
	}
	if a.Score > 100 {
		t.Errorf("score must be clamped to 100, got %v", a.Score)
	}
	if a.Level != domain.RiskCritical || !a.Blocked || !a.RequiresReview {
		t.Errorf("expected CRITICAL, blocked, review; got %+v", a)
	}
	for _, r := range []string{"High-risk merchant category: casino", "New device detected", "normal hours"} {
		if !hasReason(a, r) {
			t.Errorf("expected reason containing %q, got %v", r, a.Reasons)
		}
	}
}

func TestAnalyzeNewUser(t *testing.T) {
	s := newScorer()
	profile := domain.EmptyProfile("user-new")

	t.Run("NoBaselineNoRisk", func(t *testing.T) {
		tx := regularTx()
		tx.UserID = "user-new"
		tx.Amount = 150000
		tx.Merchant = "Some New Shop"
		tx.Location = "Tokyo"
		tx.DeviceFingerprint = "dev-fresh"

		a := s.Analyze(tx, profile, nil)
		if a.Score != 0 {
			t.Errorf("new user must not be penalised for missing history, got %v %v", a.Score, a.Reasons)
		}
	})

	t.Run("ZeroAverageIsNotADivisor", func(t *testing.T) {
		p := profile
		p.AverageTransactionAmount = 0
		p.CommonMerchants = []string{"Corner Grocer"}

		a := s.Analyze(regularTx(), p, nil)
		for _, f := range a.Factors {
			if f.Name == FactorAmount {
				t.Errorf("zero average must not contribute amount risk, got %v", f)
			}
		}
	})
}

func TestAnalyzeVelocity(t *testing.T) {
	s := newScorer()
	tx := regularTx()

	recentN := func(n int) []domain.Transaction {
		out := make([]domain.Transaction, 0, n)
		for i := 0; i < n; i++ {
			r := regularTx()
			r.ID = fmt.Sprintf("prev-%d", i)
			r.Timestamp = tx.Timestamp.Add(-time.Duration(i+1) * time.Minute)
			out = append(out, r)
		}
		return out
	}

	t.Run("AtThreshold", func(t *testing.T) {
		a := s.Analyze(tx, regularProfile(), recentN(10))
		if hasReason(a, "transactions in last hour") {
			t.Errorf("10 transactions should not trigger velocity, got %v", a.Reasons)
		}
	})

	t.Run("AboveThreshold", func(t *testing.T) {
		a := s.Analyze(tx, regularProfile(), recentN(11))
		if !hasReason(a, "11 transactions in last hour") {
			t.Errorf("expected velocity reason, got %v", a.Reasons)
		}
		if a.Score != 25 {
			t.Errorf("expected score 25, got %v", a.Score)
		}
	})

	t.Run("IgnoresSelfAndOutOfWindow", func(t *testing.T) {
		recent := recentN(10)
		self := tx
		old := regularTx()
		old.ID = "old"
		old.Timestamp = tx.Timestamp.Add(-61 * time.Minute)
		later := regularTx()
		later.ID = "later"
		later.Timestamp = tx.Timestamp.Add(time.Minute)
		recent = append(recent, self, old, later)

		a := s.Analyze(tx, regularProfile(), recent)
		if hasReason(a, "transactions in last hour") {
			t.Errorf("self, stale and later transactions must not count, got %v", a.Reasons)
		}
	})
}

func TestAnalyzeTimePattern(t *testing.T) {
	s := newScorer()

	t.Run("AtypicalBand", func(t *testing.T) {
		tx := regularTx()
		tx.Timestamp = time.Date(2025, 6, 10, 3, 15, 0, 0, time.UTC)
		a := s.Analyze(tx, regularProfile(), nil)
		if !hasReason(a, "Transaction outside normal hours (03:00)") || a.Score != 10 {
			t.Errorf("expected atypical hour delta 10, got %v %v", a.Score, a.Reasons)
		}
	})

	t.Run("UncommonForUser", func(t *testing.T) {
		tx := regularTx()
		tx.Timestamp = time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)
		a := s.Analyze(tx, regularProfile(), nil)
		if !hasReason(a, "11:00 is outside this user's normal hours") || a.Score != 5 {
			t.Errorf("expected uncommon hour delta 5, got %v %v", a.Score, a.Reasons)
		}
	})

	t.Run("AtypicalBandDespiteHistory", func(t *testing.T) {
		p := regularProfile()
		p.CommonTransactionTimes[3] = 1
		tx := regularTx()
		tx.Timestamp = time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
		a := s.Analyze(tx, p, nil)
		if !hasReason(a, "Transaction outside normal hours (03:00)") || a.Score != 10 {
			t.Errorf("atypical band must apply to a habitual hour, got %v %v", a.Score, a.Reasons)
		}
	})

	t.Run("HabitualDaytimeHour", func(t *testing.T) {
		p := regularProfile()
		p.CommonTransactionTimes[11] = 4
		tx := regularTx()
		tx.Timestamp = time.Date(2025, 6, 10, 11, 0, 0, 0, time.UTC)
		if a := s.Analyze(tx, p, nil); a.Score != 0 {
			t.Errorf("habitual hour outside the band must not add risk, got %v %v", a.Score, a.Reasons)
		}
	})

	t.Run("UsesUTC", func(t *testing.T) {
		tx := regularTx()
		tx.Timestamp = afternoon.In(time.FixedZone("UTC+9", 9*3600))
		if a := s.Analyze(tx, regularProfile(), nil); a.Score != 0 {
			t.Errorf("local zone must not change the hour, got %v %v", a.Score, a.Reasons)
		}
	})
}

func TestAnalyzeMerchantLocationDevice(t *testing.T) {
	s := newScorer()

	tests := []struct {
		name   string
		mutate func(*domain.Transaction)
		score  float64
		reason string
	}{
		{"HighRiskCaseInsensitive", func(tx *domain.Transaction) { tx.Merchant = "ONLINE CASINO 24" }, 30, "High-risk merchant category: casino"},
		{"UnfamiliarMerchant", func(tx *domain.Transaction) { tx.Merchant = "Bookshop" }, 10, "Unfamiliar merchant: Bookshop"},
		{"KnownMerchantOtherCase", func(tx *domain.Transaction) { tx.Merchant = "corner grocer" }, 0, ""},
		{"UnfamiliarLocation", func(tx *domain.Transaction) { tx.Location = "Reykjavik" }, 10, "unfamiliar location: Reykjavik"},
		{"NoLocation", func(tx *domain.Transaction) { tx.Location = "" }, 0, ""},
		{"NewDevice", func(tx *domain.Transaction) { tx.DeviceFingerprint = "dev-2" }, 15, "New device detected"},
		{"NoFingerprint", func(tx *domain.Transaction) { tx.DeviceFingerprint = "" }, 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := regularTx()
			tt.mutate(&tx)
			a := s.Analyze(tx, regularProfile(), nil)
			if a.Score != tt.score {
				t.Errorf("expected score %v, got %v (%v)", tt.score, a.Score, a.Reasons)
			}
			if tt.reason != "" && !hasReason(a, tt.reason) {
				t.Errorf("expected reason %q, got %v", tt.reason, a.Reasons)
			}
		})
	}
}

func TestScoreBoundsAndMonotonicity(t *testing.T) {
	s := newScorer()
	profiles := []domain.Profile{regularProfile(), domain.EmptyProfile("user-1")}

	for _, p := range profiles {
		prev := -1.0
		for amount := 1.0; amount < 5e6; amount *= 1.37 {
			tx := regularTx()
			tx.Amount = amount
			tx.Merchant = "Crypto Casino"
			tx.DeviceFingerprint = "dev-9"

			a := s.Analyze(tx, p, nil)
			if a.Score < 0 || a.Score > 100 {
				t.Fatalf("score out of range at amount %v: %v", amount, a.Score)
			}
			if a.Score < prev {
				t.Fatalf("score decreased from %v to %v at amount %v", prev, a.Score, amount)
			}
			if a.Level != s.Config().Bands.Level(a.Score) {
				t.Fatalf("level %s does not match score %v", a.Level, a.Score)
			}
			prev = a.Score
		}
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := newScorer()
	tx := regularTx()
	tx.Amount = 7321.17
	tx.Merchant = "Gift Card Outlet"

	first := s.Analyze(tx, regularProfile(), nil)
	for i := 0; i < 50; i++ {
		if got := s.Analyze(tx, regularProfile(), nil); !reflect.DeepEqual(first, got) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, got)
		}
	}
}

func TestAnalyzeWithCustomRules(t *testing.T) {
	engine, err := rules.NewEngine(4)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	err = engine.LoadRule(&domain.RuleConfig{
		ID:         "wallet-new-merchant",
		Name:       "Wallet at new merchant",
		Expression: `payment_method == "crypto_wallet" && !known_merchant`,
		Score:      12,
		Reason:     "Crypto wallet at an unfamiliar merchant",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	s := NewScorer(domain.DefaultRiskConfig().Scoring, engine)
	tx := regularTx()
	tx.PaymentMethod = "crypto_wallet"
	tx.Merchant = "Bookshop"

	a := s.Analyze(tx, regularProfile(), nil)
	if a.Score != 22 {
		t.Errorf("expected 10 (merchant) + 12 (rule) = 22, got %v", a.Score)
	}
	if !hasReason(a, "Crypto wallet at an unfamiliar merchant") {
		t.Errorf("expected rule reason, got %v", a.Reasons)
	}
	last := a.Factors[len(a.Factors)-1]
	if last.Name != "rule:wallet-new-merchant" {
		t.Errorf("expected rule factor last, got %v", a.Factors)
	}
}

func TestScoreBatch(t *testing.T) {
	s := newScorer()

	items := make([]Item, 40)
	for i := range items {
		tx := regularTx()
		tx.ID = fmt.Sprintf("tx-%02d", i)
		tx.Amount = float64(100 * (i + 1))
		items[i] = Item{Transaction: tx, Profile: regularProfile()}
	}

	results, err := s.ScoreBatch(context.Background(), items, 4)
	if err != nil {
		t.Fatalf("ScoreBatch failed: %v", err)
	}
	for i, a := range results {
		if a.TxID != items[i].Transaction.ID {
			t.Fatalf("result %d out of order: %s", i, a.TxID)
		}
		want := s.Analyze(items[i].Transaction, items[i].Profile, nil)
		if !reflect.DeepEqual(a, want) {
			t.Errorf("batch result %d differs from Analyze", i)
		}
	}

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := s.ScoreBatch(ctx, items, 1); err == nil {
			t.Error("expected context error")
		}
	})
}

func BenchmarkAnalyze(b *testing.B) {
	s := newScorer()
	tx := regularTx()
	tx.Amount = 2500
	p := regularProfile()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Analyze(tx, p, nil)
	}
}

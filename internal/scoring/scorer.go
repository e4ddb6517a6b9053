// Package scoring computes the composite risk score of a single transaction
// from the user's behavior profile and recent transactions.
//
// Analyze is pure: it performs no I/O, reads no clock and keeps no state
// between calls, so identical inputs always produce identical assessments.
package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Factor names reported in Assessment.Factors.
const (
	FactorAmount     = "amount"
	FactorMaxAmount  = "max_amount"
	FactorVelocity   = "velocity"
	FactorTime       = "time"
	FactorMerchant   = "merchant"
	FactorLocation   = "location"
	FactorDevice     = "device"
	factorRulePrefix = "rule:"
)

// Scorer evaluates transactions against a fixed configuration.
type Scorer struct {
	cfg      domain.ScoringConfig
	highRisk []string
	rules    *rules.Engine
}

// NewScorer creates a scorer. engine may be nil when no custom rules are used.
func NewScorer(cfg domain.ScoringConfig, engine *rules.Engine) *Scorer {
	highRisk := make([]string, 0, len(cfg.HighRiskMerchantCategories))
	for _, c := range cfg.HighRiskMerchantCategories {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			highRisk = append(highRisk, c)
		}
	}
	return &Scorer{cfg: cfg, highRisk: highRisk, rules: engine}
}

// Config returns the scoring configuration.
func (s *Scorer) Config() domain.ScoringConfig {
	return s.cfg
}

type tally struct {
	score   float64
	reasons []string
	factors []domain.FactorScore
}

func (t *tally) add(name string, delta float64, reason string) {
	if delta <= 0 {
		return
	}
	t.score += delta
	t.factors = append(t.factors, domain.FactorScore{Name: name, Delta: delta})
	if reason != "" {
		t.reasons = append(t.reasons, reason)
	}
}

// Analyze scores tx. recent may include tx itself and transactions outside
// the velocity window; both are ignored. A profile with no history
// (domain.EmptyProfile) contributes nothing to data-dependent factors.
func (s *Scorer) Analyze(tx domain.Transaction, profile domain.Profile, recent []domain.Transaction) domain.Assessment {
	var t tally

	ratio := s.amountRatio(tx, profile)
	s.scoreAmount(&t, tx, profile, ratio)

	velocity := s.velocityCount(tx, recent)
	if velocity > s.cfg.VelocityMaxCount {
		t.add(FactorVelocity, s.cfg.VelocityScore, velocityReason(velocity, s.cfg.VelocityWindow))
	}

	s.scoreTime(&t, tx, profile)
	knownMerchant := s.scoreMerchant(&t, tx, profile)
	knownLocation := s.scoreLocation(&t, tx, profile)
	newDevice := s.scoreDevice(&t, tx, profile)

	if s.rules != nil {
		outcomes := s.rules.Evaluate(context.Background(), rules.Input{
			UserID:        tx.UserID,
			Amount:        tx.Amount,
			Merchant:      tx.Merchant,
			PaymentMethod: tx.PaymentMethod,
			Location:      tx.Location,
			Hour:          tx.Hour(),
			VelocityCount: velocity,
			AmountRatio:   ratio,
			NewDevice:     newDevice,
			KnownMerchant: knownMerchant,
			KnownLocation: knownLocation,
		})
		for _, o := range outcomes {
			if o.Fired() {
				t.add(factorRulePrefix+o.RuleID, o.Delta, o.Reason)
			}
		}
	}

	a := domain.NewAssessment(tx, clamp(t.score), t.reasons, s.cfg.Bands)
	a.Factors = t.factors
	return a
}

// amountRatio returns amount / average, or 0 when there is no usable baseline.
func (s *Scorer) amountRatio(tx domain.Transaction, profile domain.Profile) float64 {
	if !profile.HasAmountBaseline() {
		return 0
	}
	return tx.Amount / profile.AverageTransactionAmount
}

func (s *Scorer) scoreAmount(t *tally, tx domain.Transaction, profile domain.Profile, ratio float64) {
	if ratio > s.cfg.AmountMultiplier {
		delta := math.Min(ratio*s.cfg.AmountScorePerMultiple, s.cfg.AmountMaxScore)
		t.add(FactorAmount, delta, fmt.Sprintf("Transaction amount %.1fx higher than usual", ratio))
	}

	if profile.MaxSingleTransaction > 0 && tx.Amount > profile.MaxSingleTransaction {
		t.add(FactorMaxAmount, s.cfg.ExceedsMaxScore,
			fmt.Sprintf("Amount exceeds largest previous transaction (%.2f)", profile.MaxSingleTransaction))
	}
}

// velocityCount counts other transactions in [tx.Timestamp-window, tx.Timestamp].
func (s *Scorer) velocityCount(tx domain.Transaction, recent []domain.Transaction) int {
	from := tx.Timestamp.Add(-s.cfg.VelocityWindow)
	n := 0
	for _, r := range recent {
		if r.ID == tx.ID {
			continue
		}
		if r.Timestamp.Before(from) || r.Timestamp.After(tx.Timestamp) {
			continue
		}
		n++
	}
	return n
}

func velocityReason(n int, window time.Duration) string {
	if window == time.Hour {
		return fmt.Sprintf("%d transactions in last hour", n)
	}
	return fmt.Sprintf("%d transactions in last %s", n, window)
}

func (s *Scorer) scoreTime(t *tally, tx domain.Transaction, profile domain.Profile) {
	hour := tx.Hour()

	// The atypical band applies whatever the user's history says.
	if hour >= s.cfg.AtypicalHourStart && hour < s.cfg.AtypicalHourEnd {
		t.add(FactorTime, s.cfg.AtypicalHourScore, fmt.Sprintf("Transaction outside normal hours (%02d:00)", hour))
		return
	}
	if profile.HasTimeHistory() && profile.HourCount(hour) == 0 {
		t.add(FactorTime, s.cfg.UncommonHourScore,
			fmt.Sprintf("Transaction at %02d:00 is outside this user's normal hours", hour))
	}
}

// scoreMerchant reports whether the merchant is known to the profile.
func (s *Scorer) scoreMerchant(t *tally, tx domain.Transaction, profile domain.Profile) bool {
	known := profile.KnowsMerchant(tx.Merchant)

	if category, ok := s.highRiskCategory(tx.Merchant); ok {
		t.add(FactorMerchant, s.cfg.HighRiskMerchantScore, "High-risk merchant category: "+category)
		return known
	}
	if len(profile.CommonMerchants) > 0 && !known {
		t.add(FactorMerchant, s.cfg.UnfamiliarMerchantScore, "Unfamiliar merchant: "+tx.Merchant)
	}
	return known
}

func (s *Scorer) highRiskCategory(merchant string) (string, bool) {
	m := strings.ToLower(merchant)
	for _, c := range s.highRisk {
		if strings.Contains(m, c) {
			return c, true
		}
	}
	return "", false
}

func (s *Scorer) scoreLocation(t *tally, tx domain.Transaction, profile domain.Profile) bool {
	if tx.Location == "" {
		return false
	}
	known := profile.KnowsLocation(tx.Location)
	if len(profile.CommonLocations) > 0 && !known {
		t.add(FactorLocation, s.cfg.UnfamiliarLocationScore, "Transaction from unfamiliar location: "+tx.Location)
	}
	return known
}

// scoreDevice reports whether the device counts as new.
func (s *Scorer) scoreDevice(t *tally, tx domain.Transaction, profile domain.Profile) bool {
	if tx.DeviceFingerprint == "" || len(profile.LastSeenDevices) == 0 {
		return false
	}
	if profile.KnowsDevice(tx.DeviceFingerprint) {
		return false
	}
	t.add(FactorDevice, s.cfg.NewDeviceScore, "New device detected")
	return true
}

func clamp(score float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

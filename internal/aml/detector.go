// Package aml detects money-laundering patterns in a user's monthly
// transaction window: high volume, structuring below the reporting
// threshold, repeated identical amounts and a preference for round amounts.
//
// Amounts are summed and compared as exact decimals, so results do not
// depend on the order of the window.
package aml

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector analyzes transaction windows against a fixed configuration.
type Detector struct {
	cfg domain.AMLConfig
}

// NewDetector creates a detector.
func NewDetector(cfg domain.AMLConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() domain.AMLConfig {
	return d.cfg
}

type finding struct {
	flag     domain.AMLFlag
	delta    float64
	patterns []string
}

// Analyze inspects txns, the caller-selected window for userID. The caller
// owns windowing; every transaction passed in is counted. Transactions with
// a non-finite amount are skipped.
func (d *Detector) Analyze(userID string, txns []domain.Transaction) domain.AMLRisk {
	amounts := make([]decimal.Decimal, 0, len(txns))
	total := decimal.Zero
	for _, tx := range txns {
		if math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
			continue
		}
		a := decimal.NewFromFloat(tx.Amount)
		amounts = append(amounts, a)
		total = total.Add(a)
	}

	risk := domain.AMLRisk{
		UserID:             userID,
		Category:           domain.RiskLow,
		Flags:              []domain.AMLFlag{},
		SuspiciousPatterns: []string{},
		MonthlyVolume:      total.InexactFloat64(),
		TransactionCount:   len(amounts),
	}
	if len(amounts) == 0 {
		return risk
	}

	var findings []finding
	if d.cfg.EnableVolume {
		findings = appendFinding(findings, d.checkVolume(total))
	}
	if d.cfg.EnableStructuring {
		findings = appendFinding(findings, d.checkStructuring(amounts))
	}
	if d.cfg.EnableRepeated {
		findings = appendFinding(findings, d.checkRepeated(amounts))
	}
	if d.cfg.EnableRound {
		findings = appendFinding(findings, d.checkRound(amounts))
	}

	score := 0.0
	for _, f := range findings {
		score += f.delta
		risk.Flags = append(risk.Flags, f.flag)
		risk.SuspiciousPatterns = append(risk.SuspiciousPatterns, f.patterns...)
	}
	risk.RiskScore = math.Min(math.Max(score, 0), 100)
	risk.Category = d.category(risk.RiskScore)
	risk.RequiresManualReview = risk.Category == domain.RiskHigh ||
		(d.cfg.ManualReviewMinFlags > 0 && len(risk.Flags) >= d.cfg.ManualReviewMinFlags)

	return risk
}

func appendFinding(fs []finding, f *finding) []finding {
	if f == nil {
		return fs
	}
	return append(fs, *f)
}

// category maps a monthly score to LOW, MEDIUM or HIGH. These thresholds
// are independent of the per-transaction bands.
func (d *Detector) category(score float64) domain.RiskLevel {
	switch {
	case score >= d.cfg.MonthlyHighThreshold:
		return domain.RiskHigh
	case score >= d.cfg.MonthlyMediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func (d *Detector) checkVolume(total decimal.Decimal) *finding {
	threshold := decimal.NewFromFloat(d.cfg.MonthlyVolumeThreshold)
	if !threshold.IsPositive() || !total.GreaterThan(threshold) {
		return nil
	}

	excess := total.Div(threshold).InexactFloat64()
	return &finding{
		flag:  domain.FlagHighVolume,
		delta: math.Min(d.cfg.VolumeWeight*excess, d.cfg.VolumeMaxScore),
		patterns: []string{fmt.Sprintf("Monthly volume %s exceeds threshold %s",
			total.StringFixed(2), threshold.StringFixed(2))},
	}
}

// checkStructuring counts amounts in [threshold*lowerBound, threshold).
func (d *Detector) checkStructuring(amounts []decimal.Decimal) *finding {
	threshold := decimal.NewFromFloat(d.cfg.ReportingThreshold)
	lower := threshold.Mul(decimal.NewFromFloat(d.cfg.StructuringLowerBound))

	count := 0
	for _, a := range amounts {
		if a.GreaterThanOrEqual(lower) && a.LessThan(threshold) {
			count++
		}
	}
	if count == 0 || count < d.cfg.StructuringMinCount {
		return nil
	}

	return &finding{
		flag:  domain.FlagStructuring,
		delta: d.cfg.StructuringWeight,
		patterns: []string{fmt.Sprintf("%d transactions just below the %s reporting threshold",
			count, threshold.String())},
	}
}

// checkRepeated reports every exact amount seen at least the minimum
// number of times, in ascending amount order.
func (d *Detector) checkRepeated(amounts []decimal.Decimal) *finding {
	counts := make(map[string]int)
	values := make(map[string]decimal.Decimal)
	for _, a := range amounts {
		k := a.String()
		counts[k]++
		values[k] = a
	}

	var repeated []decimal.Decimal
	for k, n := range counts {
		if n >= d.cfg.RepeatedAmountMinCount && d.cfg.RepeatedAmountMinCount > 0 {
			repeated = append(repeated, values[k])
		}
	}
	if len(repeated) == 0 {
		return nil
	}
	sort.Slice(repeated, func(i, j int) bool { return repeated[i].LessThan(repeated[j]) })

	patterns := make([]string, len(repeated))
	for i, a := range repeated {
		patterns[i] = fmt.Sprintf("Amount %s repeated %d times", a.String(), counts[a.String()])
	}
	return &finding{flag: domain.FlagRepeatedAmounts, delta: d.cfg.RepeatedAmountWeight, patterns: patterns}
}

func (d *Detector) checkRound(amounts []decimal.Decimal) *finding {
	unit := decimal.NewFromFloat(d.cfg.RoundAmountUnit)
	if !unit.IsPositive() || len(amounts) < d.cfg.RoundAmountMinTransactions {
		return nil
	}

	round := 0
	for _, a := range amounts {
		if a.Mod(unit).IsZero() {
			round++
		}
	}

	share := float64(round) / float64(len(amounts))
	if round == 0 || share <= d.cfg.RoundAmountProportion {
		return nil
	}

	return &finding{
		flag:  domain.FlagRoundAmounts,
		delta: d.cfg.RoundAmountWeight,
		patterns: []string{fmt.Sprintf("%d of %d transactions are multiples of %s",
			round, len(amounts), unit.String())},
	}
}

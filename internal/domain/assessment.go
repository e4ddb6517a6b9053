package domain

import (
	"fmt"
	"strings"
)

// RiskLevel is a named score band. Levels are totally ordered, so they can
// be compared with < and >.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskLevelNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (l RiskLevel) String() string {
	if l < RiskLow || l > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(l))
	}
	return riskLevelNames[l]
}

// MarshalText encodes the level by name.
func (l RiskLevel) MarshalText() ([]byte, error) {
	if l < RiskLow || l > RiskCritical {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name, case-insensitively.
func (l *RiskLevel) UnmarshalText(text []byte) error {
	name := strings.ToUpper(string(text))
	for i, n := range riskLevelNames {
		if n == name {
			*l = RiskLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown risk level %q", string(text))
}

// RiskBands are the inclusive lower bounds of each level above LOW.
type RiskBands struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Level maps a score to its band.
func (b RiskBands) Level(score float64) RiskLevel {
	switch {
	case score >= b.Critical:
		return RiskCritical
	case score >= b.High:
		return RiskHigh
	case score >= b.Medium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// FactorScore records how much one factor contributed before clamping.
type FactorScore struct {
	Name  string  `json:"name"`
	Delta float64 `json:"delta"`
}

// Assessment is the verdict for a single transaction.
type Assessment struct {
	TxID           string        `json:"txId"`
	UserID         string        `json:"userId"`
	Score          float64       `json:"score"`
	Level          RiskLevel     `json:"riskLevel"`
	Reasons        []string      `json:"reasons"`
	Factors        []FactorScore `json:"factors,omitempty"`
	Blocked        bool          `json:"blocked"`
	RequiresReview bool          `json:"requiresReview"`
}

// NewAssessment derives level, blocked and review flags from the score.
func NewAssessment(tx Transaction, score float64, reasons []string, bands RiskBands) Assessment {
	level := bands.Level(score)
	if reasons == nil {
		reasons = []string{}
	}
	return Assessment{
		TxID:           tx.ID,
		UserID:         tx.UserID,
		Score:          score,
		Level:          level,
		Reasons:        reasons,
		Blocked:        level == RiskCritical,
		RequiresReview: level >= RiskHigh,
	}
}

// AMLFlag names a money-laundering pattern found in a monthly window.
type AMLFlag string

const (
	FlagHighVolume      AMLFlag = "HIGH_VOLUME"
	FlagStructuring     AMLFlag = "STRUCTURING"
	FlagRepeatedAmounts AMLFlag = "REPEATED_AMOUNTS"
	FlagRoundAmounts    AMLFlag = "ROUND_AMOUNTS"
)

// AMLRisk is the verdict for a user's monthly window. Category only takes
// the values RiskLow, RiskMedium and RiskHigh.
type AMLRisk struct {
	UserID               string    `json:"userId"`
	Category             RiskLevel `json:"category"`
	RiskScore            float64   `json:"riskScore"`
	Flags                []AMLFlag `json:"flags"`
	SuspiciousPatterns   []string  `json:"suspiciousPatterns"`
	MonthlyVolume        float64   `json:"monthlyVolume"`
	TransactionCount     int       `json:"transactionCount"`
	RequiresManualReview bool      `json:"requiresManualReview"`
}

// HasFlag reports whether f was raised.
func (r AMLRisk) HasFlag(f AMLFlag) bool {
	for _, x := range r.Flags {
		if x == f {
			return true
		}
	}
	return false
}

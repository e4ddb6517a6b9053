package domain

import (
	"math"
	"strings"
	"time"
)

// Profile summarises a user's historical behavior. It is maintained by an
// external aggregation job and is read-only here.
type Profile struct {
	UserID                   string  `json:"userId" validate:"required"`
	AverageTransactionAmount float64 `json:"averageTransactionAmount" validate:"gte=0"`

	CommonMerchants []string `json:"commonMerchants,omitempty"`
	CommonLocations []string `json:"commonLocations,omitempty"`

	// CommonTransactionTimes is an hour-of-day (0-23, UTC) to count histogram.
	CommonTransactionTimes map[int]int `json:"commonTransactionTimes,omitempty"`

	MaxSingleTransaction     float64  `json:"maxSingleTransaction" validate:"gte=0"`
	AverageDailyTransactions float64  `json:"averageDailyTransactions" validate:"gte=0"`
	LastSeenDevices          []string `json:"lastSeenDevices,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// NewProfile validates p and returns it.
func NewProfile(p Profile) (Profile, error) {
	errs := structErrors(p)

	for field, v := range map[string]float64{
		"averageTransactionAmount": p.AverageTransactionAmount,
		"maxSingleTransaction":     p.MaxSingleTransaction,
		"averageDailyTransactions": p.AverageDailyTransactions,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, ValidationError{Field: field, Message: "must be a finite number"})
		}
	}

	for hour, count := range p.CommonTransactionTimes {
		if hour < 0 || hour > 23 {
			errs = append(errs, ValidationError{Field: "commonTransactionTimes", Message: "hours must be within 0-23"})
			break
		}
		if count < 0 {
			errs = append(errs, ValidationError{Field: "commonTransactionTimes", Message: "counts must not be negative"})
			break
		}
	}

	if len(errs) > 0 {
		sortValidationErrors(errs)
		return Profile{}, errs
	}
	return p, nil
}

// EmptyProfile is the baseline used for users the aggregation job has not
// seen yet. Every data-dependent factor treats it as "no information".
func EmptyProfile(userID string) Profile {
	return Profile{UserID: userID}
}

// HasAmountBaseline reports whether the average amount can be used as a divisor.
func (p Profile) HasAmountBaseline() bool {
	return p.AverageTransactionAmount > 0 && !math.IsInf(p.AverageTransactionAmount, 0)
}

// HasTimeHistory reports whether any hour has been observed.
func (p Profile) HasTimeHistory() bool {
	for _, c := range p.CommonTransactionTimes {
		if c > 0 {
			return true
		}
	}
	return false
}

// HourCount returns how many past transactions fell in the given hour.
func (p Profile) HourCount(hour int) int {
	return p.CommonTransactionTimes[hour]
}

// KnowsMerchant matches case-insensitively, ignoring surrounding spaces.
func (p Profile) KnowsMerchant(merchant string) bool {
	return containsFold(p.CommonMerchants, merchant)
}

// KnowsLocation matches case-insensitively, ignoring surrounding spaces.
func (p Profile) KnowsLocation(location string) bool {
	return containsFold(p.CommonLocations, location)
}

// KnowsDevice matches fingerprints exactly.
func (p Profile) KnowsDevice(fingerprint string) bool {
	for _, d := range p.LastSeenDevices {
		if d == fingerprint {
			return true
		}
	}
	return false
}

func containsFold(set []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

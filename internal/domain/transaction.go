package domain

import (
	"math"
	"time"
)

// Transaction is a single payment submitted for risk evaluation.
// It is passed by value and never mutated once constructed.
type Transaction struct {
	ID       string  `json:"id" validate:"required"`
	UserID   string  `json:"userId" validate:"required"`
	Amount   float64 `json:"amount"`
	Merchant string  `json:"merchant" validate:"required"`

	// Location is optional (city, country or region code).
	Location string `json:"location,omitempty"`

	Timestamp     time.Time `json:"timestamp"`
	IPAddress     string    `json:"ipAddress" validate:"required,ip"`
	UserAgent     string    `json:"userAgent" validate:"required"`
	PaymentMethod string    `json:"paymentMethod" validate:"required"`

	// DeviceFingerprint is optional; an empty value means "not collected".
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`
}

// DefaultClockSkew is how far in the future a timestamp may be before it is
// rejected at the ingestion boundary.
const DefaultClockSkew = 2 * time.Minute

// NewTransaction validates tx against now and returns it. Scoring code
// assumes every Transaction it receives went through this constructor.
func NewTransaction(tx Transaction, now time.Time) (Transaction, error) {
	if err := tx.Validate(now, DefaultClockSkew); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Validate checks required fields, a finite positive amount and a timestamp
// no later than now+skew. All problems are reported together.
func (t Transaction) Validate(now time.Time, skew time.Duration) error {
	errs := structErrors(t)

	switch {
	case math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0):
		errs = append(errs, ValidationError{Field: "amount", Message: "must be a finite number"})
	case t.Amount <= 0:
		errs = append(errs, ValidationError{Field: "amount", Message: "must be greater than zero"})
	}

	if t.Timestamp.IsZero() {
		errs = append(errs, ValidationError{Field: "timestamp", Message: "is required"})
	} else if t.Timestamp.After(now.Add(skew)) {
		errs = append(errs, ValidationError{Field: "timestamp", Message: "must not be in the future"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Hour returns the hour of day (0-23) of the transaction in UTC.
func (t Transaction) Hour() int {
	return t.Timestamp.UTC().Hour()
}

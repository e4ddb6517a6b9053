package domain

import "math"

// RuleConfig defines an operator-supplied scoring rule. The CEL expression
// returns bool or a number; a hit adds at most Score to the risk score.
type RuleConfig struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`

	// CEL expression to evaluate
	Expression string `json:"expression" validate:"required"`

	// Score is the maximum delta the rule can add.
	Score float64 `json:"score" validate:"gt=0,lte=100"`

	// Reason is appended to the assessment when the rule fires.
	Reason string `json:"reason" validate:"required"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// Validate checks the rule's fields. It does not compile the expression.
func (r RuleConfig) Validate() error {
	errs := structErrors(r)
	if math.IsNaN(r.Score) {
		errs = append(errs, ValidationError{Field: "score", Message: "must be a finite number"})
	}
	if len(errs) > 0 {
		sortValidationErrors(errs)
		return errs
	}
	return nil
}

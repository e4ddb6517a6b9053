package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActivityType is a kind of suspicious event the monitor tallies.
type ActivityType string

const (
	ActivityHighRiskTransaction ActivityType = "HIGH_RISK_TRANSACTION"
	ActivityBlockedTransaction  ActivityType = "BLOCKED_TRANSACTION"
	ActivityAMLPattern          ActivityType = "AML_PATTERN"
	ActivityFailedLogin         ActivityType = "FAILED_LOGIN"
	ActivityIntegrityFailure    ActivityType = "INTEGRITY_FAILURE"
	ActivitySignatureFailure    ActivityType = "SIGNATURE_FAILURE"
)

// metadataKinds lists the typed metadata each activity accepts.
// DiagnosticMetadata is accepted for all of them.
var metadataKinds = map[ActivityType]MetadataKind{
	ActivityHighRiskTransaction: KindRisk,
	ActivityBlockedTransaction:  KindRisk,
	ActivityAMLPattern:          KindAML,
	ActivityFailedLogin:         KindAuth,
	ActivityIntegrityFailure:    KindIntegrity,
	ActivitySignatureFailure:    KindIntegrity,
}

// Valid reports whether a is one of the known activity types.
func (a ActivityType) Valid() bool {
	_, ok := metadataKinds[a]
	return ok
}

// Accepts reports whether m may be attached to an event of this type.
// A nil metadata is always accepted.
func (a ActivityType) Accepts(m ActivityMetadata) bool {
	if m == nil || m.Kind() == KindDiagnostic {
		return true
	}
	return metadataKinds[a] == m.Kind()
}

// MetadataKind tags the variants of ActivityMetadata.
type MetadataKind string

const (
	KindRisk       MetadataKind = "risk"
	KindAML        MetadataKind = "aml"
	KindAuth       MetadataKind = "auth"
	KindIntegrity  MetadataKind = "integrity"
	KindDiagnostic MetadataKind = "diagnostic"
)

// ActivityMetadata is a closed union; only the types in this file implement it.
type ActivityMetadata interface {
	Kind() MetadataKind
	sealed()
}

// RiskMetadata accompanies HIGH_RISK_TRANSACTION and BLOCKED_TRANSACTION.
type RiskMetadata struct {
	TxID    string    `json:"txId"`
	Score   float64   `json:"score"`
	Level   RiskLevel `json:"riskLevel"`
	Reasons []string  `json:"reasons,omitempty"`
}

// AMLMetadata accompanies AML_PATTERN.
type AMLMetadata struct {
	Flags         []AMLFlag `json:"flags"`
	RiskScore     float64   `json:"riskScore"`
	MonthlyVolume float64   `json:"monthlyVolume"`
}

// AuthMetadata accompanies FAILED_LOGIN.
type AuthMetadata struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// IntegrityMetadata accompanies INTEGRITY_FAILURE and SIGNATURE_FAILURE.
type IntegrityMetadata struct {
	TxID  string `json:"txId"`
	Check string `json:"check"` // "digest" or "signature"
}

// DiagnosticMetadata carries free-form diagnostic fields only.
type DiagnosticMetadata struct {
	Fields map[string]string `json:"fields"`
}

func (RiskMetadata) Kind() MetadataKind       { return KindRisk }
func (AMLMetadata) Kind() MetadataKind        { return KindAML }
func (AuthMetadata) Kind() MetadataKind       { return KindAuth }
func (IntegrityMetadata) Kind() MetadataKind  { return KindIntegrity }
func (DiagnosticMetadata) Kind() MetadataKind { return KindDiagnostic }

func (RiskMetadata) sealed()       {}
func (AMLMetadata) sealed()        {}
func (AuthMetadata) sealed()       {}
func (IntegrityMetadata) sealed()  {}
func (DiagnosticMetadata) sealed() {}

// MetadataEnvelope is the wire form of ActivityMetadata: {"kind": ..., "data": {...}}.
type MetadataEnvelope struct {
	Kind MetadataKind    `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeMetadata wraps m in an envelope. A nil m encodes as nil.
func EncodeMetadata(m ActivityMetadata) (*MetadataEnvelope, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s metadata: %w", m.Kind(), err)
	}
	return &MetadataEnvelope{Kind: m.Kind(), Data: data}, nil
}

// Decode returns the typed metadata held by the envelope.
func (e *MetadataEnvelope) Decode() (ActivityMetadata, error) {
	if e == nil {
		return nil, nil
	}

	var (
		m   ActivityMetadata
		err error
	)
	switch e.Kind {
	case KindRisk:
		var v RiskMetadata
		err = json.Unmarshal(e.Data, &v)
		m = v
	case KindAML:
		var v AMLMetadata
		err = json.Unmarshal(e.Data, &v)
		m = v
	case KindAuth:
		var v AuthMetadata
		err = json.Unmarshal(e.Data, &v)
		m = v
	case KindIntegrity:
		var v IntegrityMetadata
		err = json.Unmarshal(e.Data, &v)
		m = v
	case KindDiagnostic:
		var v DiagnosticMetadata
		err = json.Unmarshal(e.Data, &v)
		m = v
	default:
		return nil, ValidationError{Field: "metadata.kind", Message: fmt.Sprintf("unknown kind %q", e.Kind)}
	}
	if err != nil {
		return nil, ValidationError{Field: "metadata.data", Message: err.Error()}
	}
	return m, nil
}

// CounterKey identifies one monitor counter.
type CounterKey struct {
	UserID   string       `json:"userId"`
	Activity ActivityType `json:"activity"`
}

func (k CounterKey) String() string {
	return k.UserID + "/" + string(k.Activity)
}

// Alert is raised once when a counter reaches the alert threshold.
type Alert struct {
	ID       string           `json:"id"`
	UserID   string           `json:"userId"`
	Activity ActivityType     `json:"activity"`
	Count    int64            `json:"count"`
	Metadata ActivityMetadata `json:"-"`
	RaisedAt time.Time        `json:"raisedAt"`
}

// MarshalJSON writes Metadata as an envelope so the variant survives the trip.
func (a Alert) MarshalJSON() ([]byte, error) {
	env, err := EncodeMetadata(a.Metadata)
	if err != nil {
		return nil, err
	}
	type plain Alert
	return json.Marshal(struct {
		plain
		Metadata *MetadataEnvelope `json:"metadata,omitempty"`
	}{plain(a), env})
}

// UnmarshalJSON reads the envelope form written by MarshalJSON.
func (a *Alert) UnmarshalJSON(data []byte) error {
	type plain Alert
	var aux struct {
		plain
		Metadata *MetadataEnvelope `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m, err := aux.Metadata.Decode()
	if err != nil {
		return err
	}
	*a = Alert(aux.plain)
	a.Metadata = m
	return nil
}

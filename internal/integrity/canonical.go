// Package integrity computes and checks tamper-evidence for transaction
// records: a SHA-256 digest proves a record was not altered and an
// HMAC-SHA256 proves it was produced by a holder of the signing key.
package integrity

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version identifies the canonical serialization below. It is stored with
// every seal; changing any byte of the encoding requires a new version.
const Version = "v1"

// TimestampLayout is millisecond-precision UTC, identical to ECMAScript
// Date.prototype.toISOString.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Canonical returns the v1 serialization of tx:
//
//	{"id":…,"userId":…,"amount":…,"timestamp":…,"merchant":…,"paymentMethod":…}
//
// Compact JSON, exactly these keys in this order. Strings are not HTML
// escaped. The amount is the shortest decimal that round-trips the float64,
// never in exponent form. A non-finite amount is written as null; such
// transactions never pass domain.NewTransaction.
func Canonical(tx domain.Transaction) []byte {
	var buf bytes.Buffer
	buf.Grow(192)

	buf.WriteString(`{"id":`)
	writeString(&buf, tx.ID)
	buf.WriteString(`,"userId":`)
	writeString(&buf, tx.UserID)
	buf.WriteString(`,"amount":`)
	buf.WriteString(formatAmount(tx.Amount))
	buf.WriteString(`,"timestamp":`)
	writeString(&buf, tx.Timestamp.UTC().Format(TimestampLayout))
	buf.WriteString(`,"merchant":`)
	writeString(&buf, tx.Merchant)
	buf.WriteString(`,"paymentMethod":`)
	writeString(&buf, tx.PaymentMethod)
	buf.WriteByte('}')

	return buf.Bytes()
}

func formatAmount(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "null"
	}
	return decimal.NewFromFloat(v).String()
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(s)
	// Drop the newline Encode appends.
	buf.Truncate(buf.Len() - 1)
}

// FormatTimestamp renders t the way Canonical does.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

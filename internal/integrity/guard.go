package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrEmptyKey is returned when signing is attempted without a key.
var ErrEmptyKey = errors.New("integrity: signing key is empty")

// Hash returns the lower-case hex SHA-256 of the canonical serialization.
func Hash(tx domain.Transaction) string {
	sum := sha256.Sum256(Canonical(tx))
	return hex.EncodeToString(sum[:])
}

// VerifyIntegrity reports whether expected is the digest of tx.
// Malformed digests simply fail.
func VerifyIntegrity(tx domain.Transaction, expected string) bool {
	want, ok := decodeSum(expected)
	if !ok {
		return false
	}
	got := sha256.Sum256(Canonical(tx))
	return hmac.Equal(got[:], want)
}

// Sign returns the lower-case hex HMAC-SHA256 of the canonical serialization.
func Sign(tx domain.Transaction, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptyKey
	}
	return hex.EncodeToString(mac(tx, key)), nil
}

// VerifySignature reports whether sig is the HMAC of tx under key.
// An empty key or malformed signature fails.
func VerifySignature(tx domain.Transaction, sig string, key []byte) bool {
	if len(key) == 0 {
		return false
	}
	want, ok := decodeSum(sig)
	if !ok {
		return false
	}
	return hmac.Equal(mac(tx, key), want)
}

func mac(tx domain.Transaction, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(Canonical(tx))
	return h.Sum(nil)
}

func decodeSum(s string) ([]byte, bool) {
	if len(s) != 2*sha256.Size {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// Guard binds the service signing key. A Guard without a key still seals
// and checks digests; it just never produces or checks MACs.
type Guard struct {
	key []byte
}

// NewGuard creates a guard. An empty key disables signing.
func NewGuard(key string) *Guard {
	g := &Guard{}
	if key != "" {
		g.key = []byte(key)
	}
	return g
}

// Signing reports whether the guard holds a key.
func (g *Guard) Signing() bool {
	return len(g.key) > 0
}

// Seal computes the digest and, when a key is configured, the MAC.
func (g *Guard) Seal(tx domain.Transaction) domain.Seal {
	s := domain.Seal{Digest: Hash(tx), Version: Version}
	if g.Signing() {
		s.MAC = hex.EncodeToString(mac(tx, g.key))
	}
	return s
}

// Verdict is the outcome of checking a record against its seal.
type Verdict struct {
	IntegrityOK bool `json:"integrityOk"`

	// SignatureChecked is false when there was nothing to check against:
	// no key configured or no MAC stored.
	SignatureChecked bool `json:"signatureChecked"`
	SignatureOK      bool `json:"signatureOk"`
}

// OK reports whether every check that ran passed.
func (v Verdict) OK() bool {
	return v.IntegrityOK && (!v.SignatureChecked || v.SignatureOK)
}

// Check verifies tx against seal. Seals of an unknown version fail both checks.
func (g *Guard) Check(tx domain.Transaction, seal domain.Seal) Verdict {
	if seal.Version != Version {
		return Verdict{SignatureChecked: g.Signing(), SignatureOK: false}
	}

	v := Verdict{IntegrityOK: VerifyIntegrity(tx, seal.Digest)}
	if g.Signing() {
		v.SignatureChecked = true
		v.SignatureOK = seal.MAC != "" && VerifySignature(tx, seal.MAC, g.key)
	}
	return v
}

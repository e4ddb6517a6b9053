package domain

import "time"

// Seal is the tamper-evidence stored alongside a transaction record.
type Seal struct {
	Digest  string `json:"digest"`
	MAC     string `json:"mac,omitempty"`
	Version string `json:"version"`
}

// SealedTransaction is a transaction record as read back from storage.
type SealedTransaction struct {
	Transaction Transaction `json:"transaction"`
	Seal        Seal        `json:"seal"`
	StoredAt    time.Time   `json:"storedAt"`
}

package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status is the admission state of a key.
type Status int

const (
	Active Status = iota
	Cooldown
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Cooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as its lowercase name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the state kept for one credential.
//
// LastStatusChangeAt doubles as the LRU clock among Active keys and as the
// start of the cooldown window for Cooldown keys.
type Record struct {
	Secret             string
	Status             Status
	UsageCount         uint64
	ErrorCount         uint64
	LastStatusChangeAt time.Time
}

// ID returns the stable fingerprint of the record's secret.
func (r Record) ID() string { return Fingerprint(r.Secret) }

// Masked returns the display form of the record's secret.
func (r Record) Masked() string { return Mask(r.Secret) }

// Snapshot is the externally visible view of a Record. It never carries the
// secret itself.
type Snapshot struct {
	ID                 string    `json:"id"`
	Key                string    `json:"key"`
	Status             Status    `json:"status"`
	Usage              uint64    `json:"usage"`
	Errors             uint64    `json:"errors"`
	LastStatusChangeAt time.Time `json:"last_status_change_at"`
	CooldownRemaining  float64   `json:"cooldown_remaining_seconds"`
}

// Mask keeps only the last four characters of a secret, e.g. "...9xQa".
func Mask(secret string) string {
	if len(secret) <= 4 {
		return "..." + secret
	}
	return "..." + secret[len(secret)-4:]
}

// Fingerprint is a short, non-reversible identifier for a secret. Stats and
// logs use it instead of the secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

package model

import "time"

// Key status values. A key starts as issued, becomes active on a successful
// activation, and ends as expired. No transition leaves expired.
const (
	StatusIssued  = "issued"
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Key represents one issued license key. The plaintext key is never stored;
// only an Argon2id hash (for verification) and a SHA-256 lookup digest (for
// narrowing store queries) are persisted.
type Key struct {
	ID               string     `json:"id" db:"id"`
	CredentialHash   string     `json:"-" db:"credential_hash"` // Argon2id hash, never expose
	LookupDigest     string     `json:"-" db:"lookup_digest"`   // SHA-256 of the plaintext key
	KeyPrefix        string     `json:"key_prefix" db:"key_prefix"`
	EmailFingerprint string     `json:"-" db:"email_fingerprint"` // HMAC-SHA256 of the normalized email
	IssuedAt         time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at" db:"expires_at"`
	ActivatedAt      *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	Status           string     `json:"status" db:"status"`
}

// Expired reports whether the key is past its expiry at the given instant.
func (k *Key) Expired(now time.Time) bool {
	return !k.ExpiresAt.After(now)
}

// DailyUsage represents consumption for one key on one UTC calendar day.
// Both counters are monotonically non-decreasing within a day and never
// exceed the configured caps after a successful increment.
type DailyUsage struct {
	KeyID       string    `json:"key_id" db:"key_id"`
	UsageDate   string    `json:"usage_date" db:"usage_date"` // YYYY-MM-DD, UTC
	ImagesUsed  int       `json:"images_used" db:"images_used"`
	ARViewsUsed int       `json:"ar_views_used" db:"ar_views_used"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Audit outcome values for activation/validation attempts.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEntry is an append-only record of an activation or validation
// attempt. Entries are write-once; this core never mutates or deletes them.
type AuditEntry struct {
	ID               int64     `json:"id" db:"id"`
	KeyID            string    `json:"key_id" db:"key_id"`
	EmailFingerprint string    `json:"-" db:"email_fingerprint"`
	OTPRef           string    `json:"otp_ref,omitempty" db:"otp_ref"`
	Outcome          string    `json:"outcome" db:"outcome"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// UsageDate formats an instant as the UTC calendar day used for daily
// usage accounting. There is no rollover grace period.
func UsageDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UsageField selects which daily counter a capped increment targets. A
// closed type keeps column names out of caller hands.
type UsageField string

const (
	// FieldImages is the daily image-generation counter.
	FieldImages UsageField = "images_used"
	// FieldARViews is the daily AR-view counter.
	FieldARViews UsageField = "ar_views_used"
)

// Package license orchestrates the key lifecycle: issuance, activation,
// validation, and quota-checked usage recording.
//
// The state machine is issued -> active -> expired, and nothing leaves
// expired. All lifecycle outcomes are sentinel errors callers match with
// errors.Is; none of them are surprises worth a panic or a stack trace.
package license

import (
	"context"
	"errors"
	"time"

	"github.com/tattty/keygate/internal/model"
)

// Lifecycle outcomes. StoreError conditions surface as wrapped errors from
// the persistence layer instead of a sentinel of their own.
var (
	// ErrNotFound means no key matches the (key, email) pair. Callers must
	// not be able to tell "wrong email" from "wrong key".
	ErrNotFound = errors.New("key not found")
	// ErrMismatch means the key row was found but hash verification failed.
	ErrMismatch = errors.New("key mismatch")
	// ErrExpired means the key is past its expiry. Discovery of expiry also
	// transitions the stored status to expired.
	ErrExpired = errors.New("key expired")
	// ErrNotActive means usage was attempted on a key that was never
	// activated. An issued but unactivated key cannot consume quota.
	ErrNotActive = errors.New("key not active")
	// ErrCapReached means the atomic daily-cap increment was refused.
	ErrCapReached = errors.New("daily cap reached")
	// ErrMalformedKey means the key string failed structural or checksum
	// validation before any store access.
	ErrMalformedKey = errors.New("malformed key")
)

// Action selects which quota counter a usage request consumes.
type Action string

const (
	// ActionImage is one tattoo image generation.
	ActionImage Action = "image"
	// ActionAR is one AR try-on view.
	ActionAR Action = "ar"
)

// ParseAction validates a caller-supplied action string.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionImage, ActionAR:
		return Action(s), true
	default:
		return "", false
	}
}

// CredentialStore is the persistence surface the manager needs. The SQL
// implementation lives in internal/store; tests may substitute their own.
type CredentialStore interface {
	InsertKey(ctx context.Context, key *model.Key) error
	FindKeyByLookupAndEmailFingerprint(ctx context.Context, lookupDigest, emailFingerprint string) (*model.Key, error)
	UpdateKeyStatus(ctx context.Context, id, status string, activatedAt *time.Time) error
	InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error
	GetOrCreateUsageRow(ctx context.Context, keyID, usageDate string) error
	IncrementUsageIfUnderCap(ctx context.Context, keyID, usageDate string, field model.UsageField, cap int) (count int, ok bool, err error)
	ReadUsage(ctx context.Context, keyID, usageDate string) (imagesUsed, arViewsUsed int, err error)
}

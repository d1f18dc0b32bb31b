package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tattty/keygate/internal/credential"
	"github.com/tattty/keygate/internal/fingerprint"
	"github.com/tattty/keygate/internal/keycodec"
	"github.com/tattty/keygate/internal/model"
	"github.com/tattty/keygate/internal/store"
)

// keyTTL is the fixed issuance policy: every key expires 30 days after it
// is issued.
const keyTTL = 30 * 24 * time.Hour

// Caps holds the per-day quota configuration. Caps are process
// configuration, never stored per key.
type Caps struct {
	ImagesPerDay  int
	ARViewsPerDay int
}

// Config assembles a Manager.
type Config struct {
	// KeyPrefix is the product-identifying prefix on every issued key.
	KeyPrefix string
	Caps      Caps
}

// Manager composes the codec, fingerprinter, hasher, and store into the key
// lifecycle state machine. All dependencies are injected at construction;
// the Manager holds no connection state of its own.
type Manager struct {
	cfg    Config
	store  CredentialStore
	fp     *fingerprint.Fingerprinter
	hasher *credential.Hasher
	logger *slog.Logger

	// decoyHash is verified when a lookup misses so "not found" and
	// "mismatch" cost the same amount of hashing work. Anything else would
	// let a caller enumerate which (key, email) pairs exist by timing.
	decoyHash string
}

// NewManager creates a Manager. It pre-computes the decoy hash used to
// equalize verification timing on failed lookups.
func NewManager(cfg Config, st CredentialStore, fp *fingerprint.Fingerprinter, hasher *credential.Hasher, logger *slog.Logger) (*Manager, error) {
	if cfg.Caps.ImagesPerDay < 1 || cfg.Caps.ARViewsPerDay < 1 {
		return nil, fmt.Errorf("daily caps must be at least 1, got images=%d ar=%d",
			cfg.Caps.ImagesPerDay, cfg.Caps.ARViewsPerDay)
	}
	decoy, err := hasher.Hash("keygate-decoy-credential")
	if err != nil {
		return nil, fmt.Errorf("compute decoy hash: %w", err)
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		fp:        fp,
		hasher:    hasher,
		logger:    logger,
		decoyHash: decoy,
	}, nil
}

// IssueResult is returned by Issue. Plaintext is the only copy of the key
// that will ever exist; it cannot be retrieved again.
type IssueResult struct {
	Plaintext string
	KeyID     string
}

// Issue generates a key for the given email, persists its hashed record with
// a 30-day expiry, and returns the plaintext exactly once. Issuance has no
// observable side effect until the insert commits, so the caller may safely
// retry the whole operation on a store error.
func (m *Manager) Issue(ctx context.Context, email string) (*IssueResult, error) {
	plaintext, _, err := keycodec.Generate(m.cfg.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	hash, err := m.hasher.Hash(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &model.Key{
		CredentialHash:   hash,
		LookupDigest:     credential.LookupDigest(plaintext),
		KeyPrefix:        m.cfg.KeyPrefix,
		EmailFingerprint: m.fp.Fingerprint(email),
		IssuedAt:         now,
		ExpiresAt:        now.Add(keyTTL),
		Status:           model.StatusIssued,
	}
	if err := m.store.InsertKey(ctx, key); err != nil {
		return nil, fmt.Errorf("persist key: %w", err)
	}

	m.logger.Info("key issued", "key_id", key.ID, "expires_at", key.ExpiresAt)
	return &IssueResult{Plaintext: plaintext, KeyID: key.ID}, nil
}

// lookup resolves the (key, email) pair to a stored record and verifies the
// slow hash. On a lookup miss it burns a decoy verification before returning
// ErrNotFound, so a miss and a mismatch cost the same. Malformed keys are
// rejected without touching the store. On ErrMismatch the found record is
// returned alongside the error so the caller can audit the attempt.
func (m *Manager) lookup(ctx context.Context, rawKey, email string) (*model.Key, error) {
	canonical, _, _, ok := keycodec.Parse(m.cfg.KeyPrefix, rawKey)
	if !ok {
		return nil, ErrMalformedKey
	}

	key, err := m.store.FindKeyByLookupAndEmailFingerprint(ctx,
		credential.LookupDigest(canonical), m.fp.Fingerprint(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.hasher.Verify(m.decoyHash, canonical)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find key: %w", err)
	}

	if !m.hasher.Verify(key.CredentialHash, canonical) {
		return key, ErrMismatch
	}
	return key, nil
}

// expire transitions a key to expired. Called on discovery during Activate,
// Validate, and RecordUsage.
func (m *Manager) expire(ctx context.Context, key *model.Key) error {
	if key.Status == model.StatusExpired {
		return nil
	}
	if err := m.store.UpdateKeyStatus(ctx, key.ID, model.StatusExpired, nil); err != nil {
		return fmt.Errorf("mark key expired: %w", err)
	}
	key.Status = model.StatusExpired
	m.logger.Info("key expired", "key_id", key.ID)
	return nil
}

// audit appends an attempt record. Audit failures are logged, not
// surfaced: a lost audit row must not fail an otherwise valid activation.
func (m *Manager) audit(ctx context.Context, key *model.Key, email, otpRef, outcome string) {
	entry := &model.AuditEntry{
		KeyID:            key.ID,
		EmailFingerprint: m.fp.Fingerprint(email),
		OTPRef:           otpRef,
		Outcome:          outcome,
	}
	if err := m.store.InsertAuditEntry(ctx, entry); err != nil {
		m.logger.Error("audit write failed", "key_id", key.ID, "outcome", outcome, "error", err)
	}
}

// Activate transitions an issued key to active for the matching email,
// stamping activated_at. Activating an already-active key is idempotent: it
// succeeds without re-stamping activated_at or re-transitioning status.
//
// Failure outcomes: ErrMalformedKey (before any store access), ErrNotFound,
// ErrMismatch, ErrExpired. Every attempt that reached the store leaves an
// audit entry.
func (m *Manager) Activate(ctx context.Context, rawKey, email, otpRef string) error {
	key, err := m.lookup(ctx, rawKey, email)
	if err != nil {
		// A mismatch reached the store and has a row to audit against. A
		// miss has no key row, so there is nothing to attach an entry to.
		if errors.Is(err, ErrMismatch) && key != nil {
			m.audit(ctx, key, email, otpRef, model.OutcomeFailure)
		}
		return err
	}

	now := time.Now().UTC()
	if key.Expired(now) {
		if eerr := m.expire(ctx, key); eerr != nil {
			return eerr
		}
		m.audit(ctx, key, email, otpRef, model.OutcomeFailure)
		return ErrExpired
	}

	if key.Status == model.StatusActive {
		// Idempotent re-activation.
		m.audit(ctx, key, email, otpRef, model.OutcomeSuccess)
		return nil
	}

	if err := m.store.UpdateKeyStatus(ctx, key.ID, model.StatusActive, &now); err != nil {
		return fmt.Errorf("activate key: %w", err)
	}
	m.audit(ctx, key, email, otpRef, model.OutcomeSuccess)
	m.logger.Info("key activated", "key_id", key.ID)
	return nil
}

// ValidationResult reports the outcome of Validate. Status is one of
// "missing", "mismatch", "expired", or the key's stored status, so callers
// can render distinct user messages. Usage counts are for the current UTC
// day and default to zero when no usage row exists yet.
type ValidationResult struct {
	Valid       bool
	Status      string
	ImagesUsed  int
	ARViewsUsed int
}

// Validate checks a (key, email) pair and reports today's usage. It mutates
// nothing except flipping a discovered-expired key to expired.
func (m *Manager) Validate(ctx context.Context, rawKey, email string) (*ValidationResult, error) {
	key, err := m.lookup(ctx, rawKey, email)
	if err != nil {
		switch err {
		case ErrMalformedKey, ErrNotFound:
			return &ValidationResult{Status: "missing"}, nil
		case ErrMismatch:
			return &ValidationResult{Status: "mismatch"}, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	if key.Expired(now) {
		if eerr := m.expire(ctx, key); eerr != nil {
			return nil, eerr
		}
		return &ValidationResult{Status: model.StatusExpired}, nil
	}

	images, arViews, err := m.store.ReadUsage(ctx, key.ID, model.UsageDate(now))
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	return &ValidationResult{
		Valid:       true,
		Status:      key.Status,
		ImagesUsed:  images,
		ARViewsUsed: arViews,
	}, nil
}

// UsageResult reports both counters after a successful increment.
type UsageResult struct {
	KeyID       string
	ImagesUsed  int
	ARViewsUsed int
}

// RecordUsage consumes one unit of quota for the given action. The key must
// be active: issued-but-unactivated keys cannot consume quota. The cap check
// and increment are a single atomic store operation, so concurrent requests
// for the same key cannot breach the daily cap.
func (m *Manager) RecordUsage(ctx context.Context, rawKey, email string, action Action) (*UsageResult, error) {
	key, err := m.lookup(ctx, rawKey, email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if key.Expired(now) {
		if eerr := m.expire(ctx, key); eerr != nil {
			return nil, eerr
		}
		return nil, ErrExpired
	}
	if key.Status != model.StatusActive {
		return nil, ErrNotActive
	}

	date := model.UsageDate(now)
	if err := m.store.GetOrCreateUsageRow(ctx, key.ID, date); err != nil {
		return nil, fmt.Errorf("ensure usage row: %w", err)
	}

	field, cap := model.FieldImages, m.cfg.Caps.ImagesPerDay
	if action == ActionAR {
		field, cap = model.FieldARViews, m.cfg.Caps.ARViewsPerDay
	}

	_, ok, err := m.store.IncrementUsageIfUnderCap(ctx, key.ID, date, field, cap)
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	if !ok {
		return nil, ErrCapReached
	}

	images, arViews, err := m.store.ReadUsage(ctx, key.ID, date)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	return &UsageResult{KeyID: key.ID, ImagesUsed: images, ARViewsUsed: arViews}, nil
}

// Caps exposes the configured daily caps for response payloads.
func (m *Manager) Caps() Caps {
	return m.cfg.Caps
}

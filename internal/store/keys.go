package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tattty/keygate/internal/model"
)

// InsertKey persists a freshly issued key record. The ID field is assigned
// (UUIDv7) before the insert and populated on the passed record.
func (s *Store) InsertKey(ctx context.Context, key *model.Key) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}

	const body = `INTO license_keys
		(id, credential_hash, lookup_digest, key_prefix, email_fingerprint,
		 issued_at, expires_at, activated_at, status)
		VALUES (:id, :credential_hash, :lookup_digest, :key_prefix, :email_fingerprint,
		 :issued_at, :expires_at, :activated_at, :status)`

	if _, err := s.db.NamedExecContext(ctx, "INSERT "+body, key); err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	return nil
}

// FindKeyByLookupAndEmailFingerprint returns the single key record matching
// the (lookup digest, email fingerprint) pair, or ErrNotFound. The pair is
// unique by schema constraint.
func (s *Store) FindKeyByLookupAndEmailFingerprint(ctx context.Context, lookupDigest, emailFingerprint string) (*model.Key, error) {
	const q = `SELECT * FROM license_keys WHERE lookup_digest = ? AND email_fingerprint = ?`

	var key model.Key
	err := s.db.GetContext(ctx, &key, s.db.Rebind(q), lookupDigest, emailFingerprint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find key: %w", err)
	}
	return &key, nil
}

// UpdateKeyStatus transitions a key's status. A non-nil activatedAt stamps
// the activation time in the same statement; nil leaves it untouched.
func (s *Store) UpdateKeyStatus(ctx context.Context, id, status string, activatedAt *time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if activatedAt != nil {
		const q = `UPDATE license_keys SET status = ?, activated_at = ? WHERE id = ?`
		result, err = s.db.ExecContext(ctx, s.db.Rebind(q), status, activatedAt.UTC(), id)
	} else {
		const q = `UPDATE license_keys SET status = ? WHERE id = ?`
		result, err = s.db.ExecContext(ctx, s.db.Rebind(q), status, id)
	}
	if err != nil {
		return fmt.Errorf("update key status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update key status rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/tattty/keygate/internal/model"
)

// InsertAuditEntry appends an activation/validation attempt record. Entries
// are write-once; nothing in this package mutates or deletes them.
func (s *Store) InsertAuditEntry(ctx context.Context, entry *model.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const body = `INTO key_validations (key_id, email_fingerprint, otp_ref, outcome, created_at)
		VALUES (:key_id, :email_fingerprint, :otp_ref, :outcome, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, "INSERT "+body, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns the audit trail for one key, newest first. Used
// by the admin CLI for key inspection.
func (s *Store) ListAuditEntries(ctx context.Context, keyID string) ([]model.AuditEntry, error) {
	const q = `SELECT * FROM key_validations WHERE key_id = ? ORDER BY created_at DESC, id DESC`

	var entries []model.AuditEntry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), keyID); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

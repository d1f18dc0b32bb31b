package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tattty/keygate/internal/model"
)

// GetOrCreateUsageRow ensures a usage row exists for the given key and UTC
// calendar day. The insert is idempotent: concurrent first-of-day requests
// race to create the row and all of them succeed without erroring.
func (s *Store) GetOrCreateUsageRow(ctx context.Context, keyID, usageDate string) error {
	body := `INTO key_usage_daily (key_id, usage_date, images_used, ar_views_used, updated_at)
		VALUES (?, ?, 0, 0, ?)`

	q := s.db.Rebind(s.dialect.insertIgnore(body))
	if _, err := s.db.ExecContext(ctx, q, keyID, usageDate, time.Now().UTC()); err != nil {
		return fmt.Errorf("create usage row: %w", err)
	}
	return nil
}

// IncrementUsageIfUnderCap bumps one daily counter by exactly one, but only
// while it remains under the cap. The check and the increment are a single
// conditional UPDATE, so two concurrent callers can never both slip past the
// cap: the engine serializes the row mutation and re-evaluates the predicate
// against the current value.
//
// Returns ok=false when the increment was refused because the counter had
// already reached the cap. The returned count is the counter value after the
// operation (the capped value when refused).
func (s *Store) IncrementUsageIfUnderCap(ctx context.Context, keyID, usageDate string, field model.UsageField, cap int) (count int, ok bool, err error) {
	// field is a closed type, never caller input; interpolating the column
	// name is safe.
	q := s.db.Rebind(fmt.Sprintf(
		`UPDATE key_usage_daily SET %[1]s = %[1]s + 1, updated_at = ?
		 WHERE key_id = ? AND usage_date = ? AND %[1]s < ?`, string(field)))

	result, err := s.db.ExecContext(ctx, q, time.Now().UTC(), keyID, usageDate, cap)
	if err != nil {
		return 0, false, fmt.Errorf("increment usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("increment usage rows affected: %w", err)
	}

	sel := s.db.Rebind(fmt.Sprintf(
		`SELECT %s FROM key_usage_daily WHERE key_id = ? AND usage_date = ?`, string(field)))
	if err := s.db.GetContext(ctx, &count, sel, keyID, usageDate); err != nil {
		return 0, false, fmt.Errorf("read usage after increment: %w", err)
	}
	return count, n > 0, nil
}

// ReadUsage returns both counters for the given key and day. A missing row
// reads as zero usage; the row is created lazily on first use.
func (s *Store) ReadUsage(ctx context.Context, keyID, usageDate string) (imagesUsed, arViewsUsed int, err error) {
	const q = `SELECT images_used, ar_views_used FROM key_usage_daily
		WHERE key_id = ? AND usage_date = ?`

	var row struct {
		ImagesUsed  int `db:"images_used"`
		ARViewsUsed int `db:"ar_views_used"`
	}
	err = s.db.GetContext(ctx, &row, s.db.Rebind(q), keyID, usageDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("read usage: %w", err)
	}
	return row.ImagesUsed, row.ARViewsUsed, nil
}

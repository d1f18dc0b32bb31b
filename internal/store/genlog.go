package store

import (
	"context"
	"fmt"
	"time"
)

// GenerationEntry is one appended row of generation analytics.
type GenerationEntry struct {
	ID           int64     `db:"id"`
	KeyID        *string   `db:"key_id"` // nil for anonymous/trial requests
	ActionType   string    `db:"action_type"`
	ModelID      string    `db:"model_id"`
	CostCents    int       `db:"cost_cents"`
	DurationMs   int64     `db:"duration_ms"`
	Success      bool      `db:"success"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// InsertGenerationEntry appends a generation analytics row.
func (s *Store) InsertGenerationEntry(ctx context.Context, entry *GenerationEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const body = `INTO generation_log
		(key_id, action_type, model_id, cost_cents, duration_ms, success, error_message, created_at)
		VALUES (:key_id, :action_type, :model_id, :cost_cents, :duration_ms, :success, :error_message, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, "INSERT "+body, entry); err != nil {
		return fmt.Errorf("insert generation entry: %w", err)
	}
	return nil
}

// Stats holds aggregate counts reported by telemetry and the status CLI.
type Stats struct {
	TotalKeys   int `db:"-"`
	ActiveKeys  int `db:"-"`
	ExpiredKeys int `db:"-"`
	Admins      int `db:"-"`
	Audits      int `db:"-"`
}

// CollectStats gathers aggregate counts across the main tables.
func (s *Store) CollectStats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		q    string
		args []interface{}
		dst  *int
	}{
		{"SELECT COUNT(*) FROM license_keys", nil, &st.TotalKeys},
		{s.db.Rebind("SELECT COUNT(*) FROM license_keys WHERE status = ?"), []interface{}{"active"}, &st.ActiveKeys},
		{s.db.Rebind("SELECT COUNT(*) FROM license_keys WHERE status = ?"), []interface{}{"expired"}, &st.ExpiredKeys},
		{"SELECT COUNT(*) FROM admins", nil, &st.Admins},
		{"SELECT COUNT(*) FROM key_validations", nil, &st.Audits},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.q, c.args...); err != nil {
			return Stats{}, fmt.Errorf("collect stats: %w", err)
		}
	}
	return st, nil
}

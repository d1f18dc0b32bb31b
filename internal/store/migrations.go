package store

import (
	"fmt"
	"strings"
)

// migrate applies the schema. Statements are idempotent (CREATE ... IF NOT
// EXISTS) except for additive ALTERs, whose duplicate-column errors are
// tolerated, same as re-running them would be.
func (s *Store) migrate() error {
	for _, m := range s.statements() {
		if _, err := s.db.Exec(m); err != nil {
			if isDuplicateColumn(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nstatement: %s", err, m)
		}
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "duplicate key name")
}

func (s *Store) statements() []string {
	// Engine-specific column types.
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timestamp := "DATETIME"
	switch s.dialect.name {
	case driverPostgres:
		serial = "BIGSERIAL PRIMARY KEY"
		timestamp = "TIMESTAMPTZ"
	case driverMySQL:
		serial = "BIGINT PRIMARY KEY AUTO_INCREMENT"
		timestamp = "DATETIME(6)"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS license_keys (
			id VARCHAR(36) PRIMARY KEY,
			credential_hash TEXT NOT NULL,
			lookup_digest VARCHAR(64) NOT NULL,
			key_prefix VARCHAR(16) NOT NULL,
			email_fingerprint VARCHAR(64) NOT NULL,
			issued_at %[1]s NOT NULL,
			expires_at %[1]s NOT NULL,
			activated_at %[1]s,
			status VARCHAR(16) NOT NULL DEFAULT 'issued',
			UNIQUE(lookup_digest, email_fingerprint)
		)`, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS key_usage_daily (
			key_id VARCHAR(36) NOT NULL REFERENCES license_keys(id),
			usage_date VARCHAR(10) NOT NULL,
			images_used INTEGER NOT NULL DEFAULT 0,
			ar_views_used INTEGER NOT NULL DEFAULT 0,
			updated_at %[1]s NOT NULL,
			PRIMARY KEY (key_id, usage_date)
		)`, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS key_validations (
			id %[1]s,
			key_id VARCHAR(36) NOT NULL,
			email_fingerprint VARCHAR(64) NOT NULL,
			otp_ref VARCHAR(128) NOT NULL DEFAULT '',
			outcome VARCHAR(16) NOT NULL,
			created_at %[2]s NOT NULL
		)`, serial, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS admins (
			id %[1]s,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name VARCHAR(255) NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_login_at %[2]s,
			created_at %[2]s NOT NULL
		)`, serial, timestamp),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS generation_log (
			id %[1]s,
			key_id VARCHAR(36),
			action_type VARCHAR(32) NOT NULL,
			model_id VARCHAR(128) NOT NULL DEFAULT '',
			cost_cents INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT TRUE,
			error_message TEXT NOT NULL,
			created_at %[2]s NOT NULL
		)`, serial, timestamp),

		`CREATE TABLE IF NOT EXISTS settings (
			setting_key VARCHAR(64) PRIMARY KEY,
			setting_value TEXT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_license_keys_lookup ON license_keys(lookup_digest, email_fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_key_validations_key ON key_validations(key_id)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_log_key ON generation_log(key_id)`,
	}

	if s.dialect.name == driverMySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS; duplicate-index errors
		// surface as duplicate key name, tolerated the same way.
		for i, stmt := range stmts {
			stmts[i] = strings.Replace(stmt, "CREATE INDEX IF NOT EXISTS", "CREATE INDEX", 1)
		}
	}
	return stmts
}

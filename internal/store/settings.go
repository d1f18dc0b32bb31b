package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSetting returns a process setting by key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	q := s.db.Rebind("SELECT setting_value FROM settings WHERE setting_key = ?")
	if err := s.db.GetContext(ctx, &value, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting stores a process setting, overwriting any previous value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	var q string
	if s.dialect.name == driverMySQL {
		q = `INSERT INTO settings (setting_key, setting_value) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE setting_value = VALUES(setting_value)`
	} else {
		q = `INSERT INTO settings (setting_key, setting_value) VALUES (?, ?)
			ON CONFLICT (setting_key) DO UPDATE SET setting_value = excluded.setting_value`
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

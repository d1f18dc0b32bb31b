package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tattty/keygate/internal/model"
)

// CreateAdmin inserts a new operator account. The ID and CreatedAt fields
// are populated after a successful insert.
func (s *Store) CreateAdmin(ctx context.Context, admin *model.Admin) error {
	admin.CreatedAt = time.Now().UTC()

	const body = `INSERT INTO admins (email, password_hash, name, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)`

	if s.dialect.returningID {
		q := s.db.Rebind(body + " RETURNING id")
		err := s.db.QueryRowxContext(ctx, q,
			admin.Email, admin.PasswordHash, admin.Name, admin.IsActive, admin.CreatedAt).Scan(&admin.ID)
		if err != nil {
			return fmt.Errorf("insert admin: %w", err)
		}
		return nil
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(body),
		admin.Email, admin.PasswordHash, admin.Name, admin.IsActive, admin.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert admin: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get admin id: %w", err)
	}
	admin.ID = id
	return nil
}

// GetAdminByEmail returns an admin account by email.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var admin model.Admin
	err := s.db.GetContext(ctx, &admin, s.db.Rebind("SELECT * FROM admins WHERE email = ?"), email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &admin, nil
}

// ListAdmins returns all operator accounts ordered by email.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var admins []model.Admin
	if err := s.db.SelectContext(ctx, &admins, "SELECT * FROM admins ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return admins, nil
}

// HasAnyAdmin reports whether at least one admin account exists. Used at
// startup to warn about an unbootstrapped instance.
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM admins"); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return count > 0, nil
}

// UpdateAdminLastLogin stamps the last successful login time.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	q := s.db.Rebind("UPDATE admins SET last_login_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, q, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return nil
}

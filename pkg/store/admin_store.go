package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AdminUser is a human operator able to approve plans and manage agents.
type AdminUser struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// CreateAdminUser inserts an admin. Duplicate usernames return ErrDuplicateName.
func (s *Store) CreateAdminUser(ctx context.Context, username, passwordHash string) (*AdminUser, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, formatTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("admin %q: %w", username, ErrDuplicateName)
		}
		return nil, fmt.Errorf("create admin user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &AdminUser{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

// GetAdminUser fetches an admin by id.
func (s *Store) GetAdminUser(ctx context.Context, id int64) (*AdminUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM admin_users WHERE id = ?`, id)
	return scanAdmin(row)
}

// GetAdminUserByUsername fetches an admin by username.
func (s *Store) GetAdminUserByUsername(ctx context.Context, username string) (*AdminUser, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM admin_users WHERE username = ?`, username)
	return scanAdmin(row)
}

// CountAdminUsers reports how many admins exist (bootstrap check).
func (s *Store) CountAdminUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_users`).Scan(&n)
	return n, err
}

func scanAdmin(row rowScanner) (*AdminUser, error) {
	var (
		a         AdminUser
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

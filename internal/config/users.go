package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ---------------------------------------------------------------------------
// User CRUD
// ---------------------------------------------------------------------------

// CreateUser inserts a new user account. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert. A duplicate email yields
// ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.count(ctx, tx, "SELECT COUNT(*) FROM users WHERE email = ?", user.Email)
		if err != nil {
			return fmt.Errorf("check user email: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("user %s already exists: %w", user.Email, ErrConflict)
		}

		const q = `INSERT INTO users
			(email, name, password_hash, role, is_active, created_at, updated_at)
			VALUES
			(:email, :name, :password_hash, :role, :is_active, :created_at, :updated_at)`

		id, err := s.insert(ctx, tx, q, user)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		user.ID = id
		return nil
	})
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var user model.User
	if err := s.get(ctx, s.db, &user, "SELECT * FROM users WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := s.get(ctx, s.db, &user, "SELECT * FROM users WHERE email = ?", email); err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &user, nil
}

// ListUsers returns all user accounts.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	users := []model.User{}
	if err := s.db.SelectContext(ctx, &users, "SELECT * FROM users ORDER BY email"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// UpdateUser saves the mutable profile fields (name, role, active flag).
func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()

	const q = `UPDATE users SET
		name = :name, role = :role, is_active = :is_active, updated_at = :updated_at
		WHERE id = :id`

	if err := s.namedExec(ctx, s.db, q, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// HasAnyUser reports whether at least one user account exists. The first
// registered account is made an admin.
func (s *Store) HasAnyUser(ctx context.Context) (bool, error) {
	n, err := s.count(ctx, s.db, "SELECT COUNT(*) FROM users")
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return n > 0, nil
}

// UpdateUserLastLogin sets the last_login_at timestamp for a user.
func (s *Store) UpdateUserLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	if err := s.exec(ctx, s.db,
		"UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?", now, now, id); err != nil {
		return fmt.Errorf("update user last login: %w", err)
	}
	return nil
}

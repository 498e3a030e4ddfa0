package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// CreateAPIKey inserts a new API key record. The key_hash must already be set
// (use HashAPIKey). The ID, CreatedAt and UpdatedAt fields are populated after
// insert.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, client_name, client_email, company, is_active, expires_at,
		 created_by, notes, created_at, updated_at)
		VALUES
		(:key_hash, :key_prefix, :client_name, :client_email, :company, :is_active, :expires_at,
		 :created_by, :notes, :created_at, :updated_at)`

	id, err := s.insert(ctx, s.db, q, key)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	key.ID = id
	return nil
}

// GetAPIKey returns an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.get(ctx, s.db, &key, "SELECT * FROM api_keys WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &key, nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var key model.APIKey
	if err := s.get(ctx, s.db, &key, "SELECT * FROM api_keys WHERE key_hash = ?", hash); err != nil {
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	return &key, nil
}

// ListAPIKeys returns all API keys in insertion order.
func (s *Store) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	keys := []model.APIKey{}
	if err := s.db.SelectContext(ctx, &keys, "SELECT * FROM api_keys ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// ListAPIKeysByCreator returns the keys issued by a user.
func (s *Store) ListAPIKeysByCreator(ctx context.Context, userID int64) ([]model.APIKey, error) {
	keys := []model.APIKey{}
	if err := s.db.SelectContext(ctx, &keys,
		s.db.Rebind("SELECT * FROM api_keys WHERE created_by = ? ORDER BY id"), userID); err != nil {
		return nil, fmt.Errorf("list api keys by creator: %w", err)
	}
	return keys, nil
}

// UpdateAPIKey saves the key's client details, expiry, notes and active flag.
// The key hash and prefix are immutable.
func (s *Store) UpdateAPIKey(ctx context.Context, key *model.APIKey) error {
	key.UpdatedAt = time.Now().UTC()

	const q = `UPDATE api_keys SET
		client_name = :client_name, client_email = :client_email, company = :company,
		is_active = :is_active, expires_at = :expires_at, notes = :notes, updated_at = :updated_at
		WHERE id = :id`

	if err := s.namedExec(ctx, s.db, q, key); err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	return nil
}

// ToggleAPIKey flips the key's active flag and returns the updated key.
func (s *Store) ToggleAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	key, err := s.GetAPIKey(ctx, id)
	if err != nil {
		return nil, err
	}
	key.IsActive = !key.IsActive
	if err := s.UpdateAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RevokeAPIKeyByPrefix marks the active API key with prefix as inactive.
// Prefixes are short enough to collide, so it fails with ErrConflict and
// revokes nothing when more than one active key matches.
func (s *Store) RevokeAPIKeyByPrefix(ctx context.Context, prefix string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := s.count(ctx, tx,
			"SELECT COUNT(*) FROM api_keys WHERE key_prefix = ? AND is_active = ?", prefix, true)
		if err != nil {
			return fmt.Errorf("revoke api key by prefix: %w", err)
		}
		switch {
		case n == 0:
			return fmt.Errorf("revoke api key by prefix: %w", ErrNotFound)
		case n > 1:
			return fmt.Errorf("%d active keys share prefix %s; revoke by id instead: %w", n, prefix, ErrConflict)
		}
		if err := s.exec(ctx, tx,
			"UPDATE api_keys SET is_active = ?, updated_at = ? WHERE key_prefix = ? AND is_active = ?",
			false, time.Now().UTC(), prefix, true); err != nil {
			return fmt.Errorf("revoke api key by prefix: %w", err)
		}
		return nil
	})
}

// UpdateAPIKeyLastUsed sets the last_used timestamp for an API key.
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id int64) error {
	if err := s.exec(ctx, s.db,
		"UPDATE api_keys SET last_used = ? WHERE id = ?", time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// DeleteAPIKey removes an API key. It fails with ErrConflict while any active
// rate-limit record references the key; inactive references are deleted in
// the same transaction.
func (s *Store) DeleteAPIKey(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.deleteReferenced(ctx, tx, "api_keys", "api_key_id", id)
	})
}

// APIKeyExists reports whether a key with id exists, whatever its status.
func (s *Store) APIKeyExists(ctx context.Context, id int64) (bool, error) {
	n, err := s.count(ctx, s.db, "SELECT COUNT(*) FROM api_keys WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	return n > 0, nil
}

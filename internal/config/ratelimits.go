package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ---------------------------------------------------------------------------
// Rate limit CRUD
// ---------------------------------------------------------------------------

// checkRateLimitRefs fails with ErrInvalid when the record points at a key or
// route that does not exist.
func (s *Store) checkRateLimitRefs(ctx context.Context, tx *sqlx.Tx, rl *model.RateLimit) error {
	if rl.APIKeyID != nil {
		n, err := s.count(ctx, tx, "SELECT COUNT(*) FROM api_keys WHERE id = ?", *rl.APIKeyID)
		if err != nil {
			return fmt.Errorf("check api key: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("api key %d does not exist: %w", *rl.APIKeyID, ErrInvalid)
		}
	}
	if rl.ServiceRouteID != nil {
		n, err := s.count(ctx, tx, "SELECT COUNT(*) FROM service_routes WHERE id = ?", *rl.ServiceRouteID)
		if err != nil {
			return fmt.Errorf("check service route: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("service route %d does not exist: %w", *rl.ServiceRouteID, ErrInvalid)
		}
	}
	return nil
}

// checkActiveScope fails with ErrConflict when another active record already
// covers the same (api key, service route) scope.
func (s *Store) checkActiveScope(ctx context.Context, tx *sqlx.Tx, rl *model.RateLimit) error {
	keyClause, keyArgs := scopeClause("api_key_id", rl.APIKeyID)
	routeClause, routeArgs := scopeClause("service_route_id", rl.ServiceRouteID)

	q := "SELECT COUNT(*) FROM rate_limits WHERE " + keyClause + " AND " + routeClause +
		" AND is_active = ? AND id <> ?"
	args := append(append(keyArgs, routeArgs...), true, rl.ID)

	n, err := s.count(ctx, tx, q, args...)
	if err != nil {
		return fmt.Errorf("check rate limit scope: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("an active %s rate limit already exists for this scope: %w", rl.Scope(), ErrConflict)
	}
	return nil
}

// CreateRateLimit inserts a new rate-limit record. The ID, CreatedAt, and
// UpdatedAt fields are populated after a successful insert.
func (s *Store) CreateRateLimit(ctx context.Context, rl *model.RateLimit) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.createRateLimit(ctx, tx, rl)
	})
}

func (s *Store) createRateLimit(ctx context.Context, tx *sqlx.Tx, rl *model.RateLimit) error {
	if err := s.checkRateLimit(ctx, tx, rl); err != nil {
		return err
	}
	now := time.Now().UTC()
	rl.CreatedAt = now
	rl.UpdatedAt = now

	const q = `INSERT INTO rate_limits
		(name, api_key_id, service_route_id, requests_per_minute, requests_per_hour, requests_per_day,
		 algorithm, burst_enabled, burst_size, is_active, notes, created_at, updated_at)
		VALUES
		(:name, :api_key_id, :service_route_id, :requests_per_minute, :requests_per_hour, :requests_per_day,
		 :algorithm, :burst_enabled, :burst_size, :is_active, :notes, :created_at, :updated_at)`

	id, err := s.insert(ctx, tx, q, rl)
	if err != nil {
		return fmt.Errorf("insert rate limit: %w", err)
	}
	rl.ID = id
	return nil
}

// checkRateLimit runs the value, reference and scope checks shared by
// inserts and updates.
func (s *Store) checkRateLimit(ctx context.Context, tx *sqlx.Tx, rl *model.RateLimit) error {
	if err := ValidateRateLimit(rl); err != nil {
		return err
	}
	if err := s.checkRateLimitRefs(ctx, tx, rl); err != nil {
		return err
	}
	if rl.IsActive {
		return s.checkActiveScope(ctx, tx, rl)
	}
	return nil
}

// GetRateLimit returns a rate-limit record by ID.
func (s *Store) GetRateLimit(ctx context.Context, id int64) (*model.RateLimit, error) {
	var rl model.RateLimit
	if err := s.get(ctx, s.db, &rl, "SELECT * FROM rate_limits WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get rate limit: %w", err)
	}
	return &rl, nil
}

// ListRateLimits returns all rate-limit records in insertion order.
func (s *Store) ListRateLimits(ctx context.Context) ([]model.RateLimit, error) {
	limits := []model.RateLimit{}
	if err := s.db.SelectContext(ctx, &limits, "SELECT * FROM rate_limits ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return limits, nil
}

// ListRateLimitsByAPIKey returns the records scoped to an API key.
func (s *Store) ListRateLimitsByAPIKey(ctx context.Context, keyID int64) ([]model.RateLimit, error) {
	limits := []model.RateLimit{}
	if err := s.db.SelectContext(ctx, &limits,
		s.db.Rebind("SELECT * FROM rate_limits WHERE api_key_id = ? ORDER BY id"), keyID); err != nil {
		return nil, fmt.Errorf("list rate limits by api key: %w", err)
	}
	return limits, nil
}

// ListRateLimitsByRoute returns the records scoped to a service route.
func (s *Store) ListRateLimitsByRoute(ctx context.Context, routeID int64) ([]model.RateLimit, error) {
	limits := []model.RateLimit{}
	if err := s.db.SelectContext(ctx, &limits,
		s.db.Rebind("SELECT * FROM rate_limits WHERE service_route_id = ? ORDER BY id"), routeID); err != nil {
		return nil, fmt.Errorf("list rate limits by service route: %w", err)
	}
	return limits, nil
}

// UpdateRateLimit saves a rate-limit record. The same checks as
// CreateRateLimit apply.
func (s *Store) UpdateRateLimit(ctx context.Context, rl *model.RateLimit) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.updateRateLimit(ctx, tx, rl)
	})
}

func (s *Store) updateRateLimit(ctx context.Context, tx *sqlx.Tx, rl *model.RateLimit) error {
	if err := s.checkRateLimit(ctx, tx, rl); err != nil {
		return err
	}
	rl.UpdatedAt = time.Now().UTC()

	const q = `UPDATE rate_limits SET
		name = :name, api_key_id = :api_key_id, service_route_id = :service_route_id,
		requests_per_minute = :requests_per_minute, requests_per_hour = :requests_per_hour,
		requests_per_day = :requests_per_day, algorithm = :algorithm,
		burst_enabled = :burst_enabled, burst_size = :burst_size,
		is_active = :is_active, notes = :notes, updated_at = :updated_at
		WHERE id = :id`

	if err := s.namedExec(ctx, tx, q, rl); err != nil {
		return fmt.Errorf("update rate limit: %w", err)
	}
	return nil
}

// ToggleRateLimit flips the record's active flag and returns the updated
// record.
func (s *Store) ToggleRateLimit(ctx context.Context, id int64) (*model.RateLimit, error) {
	rl, err := s.GetRateLimit(ctx, id)
	if err != nil {
		return nil, err
	}
	rl.IsActive = !rl.IsActive
	if err := s.UpdateRateLimit(ctx, rl); err != nil {
		return nil, err
	}
	return rl, nil
}

// DeleteRateLimit removes a rate-limit record by ID.
func (s *Store) DeleteRateLimit(ctx context.Context, id int64) error {
	if err := s.exec(ctx, s.db, "DELETE FROM rate_limits WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete rate limit: %w", err)
	}
	return nil
}

// FindActiveRateLimit returns the lowest-id active record whose scope is
// exactly (apiKeyID, serviceRouteID); a nil id matches only NULL. It returns
// ErrNotFound when no such record exists.
func (s *Store) FindActiveRateLimit(ctx context.Context, apiKeyID, serviceRouteID *int64) (*model.RateLimit, error) {
	return s.findActiveRateLimit(ctx, s.db, apiKeyID, serviceRouteID)
}

func (s *Store) findActiveRateLimit(ctx context.Context, q sqlx.QueryerContext, apiKeyID, serviceRouteID *int64) (*model.RateLimit, error) {
	keyClause, keyArgs := scopeClause("api_key_id", apiKeyID)
	routeClause, routeArgs := scopeClause("service_route_id", serviceRouteID)

	query := "SELECT * FROM rate_limits WHERE " + keyClause + " AND " + routeClause +
		" AND is_active = ? ORDER BY id LIMIT 1"
	args := append(append(keyArgs, routeArgs...), true)

	var rl model.RateLimit
	if err := s.get(ctx, q, &rl, query, args...); err != nil {
		return nil, fmt.Errorf("find %s rate limit: %w", model.ScopeOf(apiKeyID, serviceRouteID), err)
	}
	return &rl, nil
}

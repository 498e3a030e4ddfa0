// Package resolver computes the effective rate limit for an (API key,
// service route) pair from the stored rate-limit records.
//
// Records are matched in four tiers, most specific first:
//
//	SPECIFIC        key = K and route = R
//	ROUTE_DEFAULT   key IS NULL and route = R
//	KEY_GLOBAL      key = K and route IS NULL
//	SYSTEM_DEFAULT  key IS NULL and route IS NULL
//
// Each tier is its own lookup and the first active match wins outright; the
// values of different tiers are never merged. When no tier matches, the
// configured fallback limits are returned.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/metrics"
	"github.com/nexusgate/nexusgate/internal/model"
)

// Source is the read side of the store the resolver needs. *config.Store
// implements it.
type Source interface {
	RouteExists(ctx context.Context, id int64) (bool, error)
	APIKeyExists(ctx context.Context, id int64) (bool, error)
	// FindActiveRateLimit returns the lowest-id active record whose scope is
	// exactly (apiKeyID, serviceRouteID), a nil id meaning IS NULL, or an
	// error wrapping config.ErrNotFound.
	FindActiveRateLimit(ctx context.Context, apiKeyID, serviceRouteID *int64) (*model.RateLimit, error)
}

// Query identifies what to resolve. Either id may be nil.
type Query struct {
	APIKeyID       *int64
	ServiceRouteID *int64
}

// Resolver answers Query lookups. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	source   Source
	fallback model.Limits
}

// New returns a Resolver reading from source. fallback is used when no
// SYSTEM_DEFAULT record is active.
func New(source Source, fallback model.Limits) *Resolver {
	return &Resolver{source: source, fallback: fallback}
}

// Fallback returns the limits used when nothing matches.
func (r *Resolver) Fallback() model.Limits {
	return r.fallback
}

type tier struct {
	source  model.Source
	keyID   *int64
	routeID *int64
	skip    bool
}

// Resolve returns the effective limits for q. It fails with an error wrapping
// config.ErrNotFound when q names a route or key that does not exist, whether
// or not that route or key is active.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*model.RateLimitCheckResult, error) {
	if q.ServiceRouteID != nil {
		ok, err := r.source.RouteExists(ctx, *q.ServiceRouteID)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("service route %d: %w", *q.ServiceRouteID, config.ErrNotFound)
		}
	}
	if q.APIKeyID != nil {
		ok, err := r.source.APIKeyExists(ctx, *q.APIKeyID)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("api key %d: %w", *q.APIKeyID, config.ErrNotFound)
		}
	}

	hasKey, hasRoute := q.APIKeyID != nil, q.ServiceRouteID != nil
	tiers := []tier{
		{source: model.SourceSpecific, keyID: q.APIKeyID, routeID: q.ServiceRouteID, skip: !hasKey || !hasRoute},
		{source: model.SourceRouteDefault, routeID: q.ServiceRouteID, skip: !hasRoute},
		{source: model.SourceKeyGlobal, keyID: q.APIKeyID, skip: !hasKey},
		{source: model.SourceSystemDefault},
	}

	for _, t := range tiers {
		if t.skip {
			continue
		}
		rl, err := r.source.FindActiveRateLimit(ctx, t.keyID, t.routeID)
		if errors.Is(err, config.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", t.source, err)
		}
		metrics.ResolutionsTotal.WithLabelValues(string(t.source)).Inc()
		return resultFrom(q, t.source, rl), nil
	}

	metrics.ResolutionsTotal.WithLabelValues(string(model.SourceSystemDefault)).Inc()
	return &model.RateLimitCheckResult{
		RequestsPerMinute: r.fallback.RequestsPerMinute,
		RequestsPerHour:   r.fallback.RequestsPerHour,
		RequestsPerDay:    r.fallback.RequestsPerDay,
		Source:            model.SourceSystemDefault,
		APIKeyID:          q.APIKeyID,
		ServiceRouteID:    q.ServiceRouteID,
	}, nil
}

func resultFrom(q Query, src model.Source, rl *model.RateLimit) *model.RateLimitCheckResult {
	id := rl.ID
	return &model.RateLimitCheckResult{
		RequestsPerMinute: rl.RequestsPerMinute,
		RequestsPerHour:   rl.RequestsPerHour,
		RequestsPerDay:    rl.RequestsPerDay,
		Source:            src,
		RateLimitID:       &id,
		APIKeyID:          q.APIKeyID,
		ServiceRouteID:    q.ServiceRouteID,
	}
}

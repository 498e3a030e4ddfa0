package resolver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/metrics"
	"github.com/nexusgate/nexusgate/internal/model"
)

// Cache tags. Every rate-limit write invalidates TagLimits; route and key
// writes invalidate their own tag.
const TagLimits = "limits"

// RouteTag is the tag carried by every cached result that names route id.
func RouteTag(id int64) string { return "route:" + strconv.FormatInt(id, 10) }

// KeyTag is the tag carried by every cached result that names key id.
func KeyTag(id int64) string { return "key:" + strconv.FormatInt(id, 10) }

// Cached memoizes a Resolver's results. Lookup errors are not cached, so a
// NotFound for a route that is created later clears itself.
type Cached struct {
	inner  *Resolver
	loader *cache.Loader
}

// NewCached wraps r with loader.
func NewCached(r *Resolver, loader *cache.Loader) *Cached {
	return &Cached{inner: r, loader: loader}
}

// Resolve returns the cached result for q or resolves and stores it.
func (c *Cached) Resolve(ctx context.Context, q Query) (*model.RateLimitCheckResult, error) {
	key := "check:" + idPart(q.APIKeyID) + ":" + idPart(q.ServiceRouteID)
	tags := []string{TagLimits}
	if q.APIKeyID != nil {
		tags = append(tags, KeyTag(*q.APIKeyID))
	}
	if q.ServiceRouteID != nil {
		tags = append(tags, RouteTag(*q.ServiceRouteID))
	}

	hit := true
	res, err := cache.Fetch(ctx, c.loader, key, tags, func(ctx context.Context) (*model.RateLimitCheckResult, error) {
		hit = false
		return c.inner.Resolve(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	if hit {
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
	return res, nil
}

// InvalidateRoute drops cached results naming route id.
func (c *Cached) InvalidateRoute(ctx context.Context, id int64) error {
	return c.invalidate(ctx, RouteTag(id))
}

// InvalidateKey drops cached results naming key id.
func (c *Cached) InvalidateKey(ctx context.Context, id int64) error {
	return c.invalidate(ctx, KeyTag(id))
}

// InvalidateLimits drops every cached result.
func (c *Cached) InvalidateLimits(ctx context.Context) error {
	return c.invalidate(ctx, TagLimits)
}

func (c *Cached) invalidate(ctx context.Context, tag string) error {
	if err := c.loader.Invalidate(ctx, tag); err != nil {
		return fmt.Errorf("invalidate %s: %w", tag, err)
	}
	return nil
}

func idPart(id *int64) string {
	if id == nil {
		return "-"
	}
	return strconv.FormatInt(*id, 10)
}

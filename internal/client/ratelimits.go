package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nexusgate/nexusgate/internal/model"
)

// CreateRateLimitInput creates a rate-limit record. Nil ids widen the scope.
type CreateRateLimitInput struct {
	Name              string `json:"name"`
	APIKeyID          *int64 `json:"apiKeyId,omitempty"`
	ServiceRouteID    *int64 `json:"serviceRouteId,omitempty"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	RequestsPerHour   int    `json:"requestsPerHour"`
	RequestsPerDay    int    `json:"requestsPerDay"`
	Algorithm         string `json:"algorithm,omitempty"`
	BurstEnabled      bool   `json:"burstEnabled,omitempty"`
	BurstSize         int    `json:"burstSize,omitempty"`
	IsActive          *bool  `json:"isActive,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// UpdateRateLimitInput changes a record. Nil fields are left unchanged; the
// Clear flags widen the scope by dropping a binding.
type UpdateRateLimitInput struct {
	Name              *string `json:"name,omitempty"`
	APIKeyID          *int64  `json:"apiKeyId,omitempty"`
	ServiceRouteID    *int64  `json:"serviceRouteId,omitempty"`
	ClearAPIKey       bool    `json:"clearApiKey,omitempty"`
	ClearServiceRoute bool    `json:"clearServiceRoute,omitempty"`
	RequestsPerMinute *int    `json:"requestsPerMinute,omitempty"`
	RequestsPerHour   *int    `json:"requestsPerHour,omitempty"`
	RequestsPerDay    *int    `json:"requestsPerDay,omitempty"`
	Algorithm         *string `json:"algorithm,omitempty"`
	BurstEnabled      *bool   `json:"burstEnabled,omitempty"`
	BurstSize         *int    `json:"burstSize,omitempty"`
	IsActive          *bool   `json:"isActive,omitempty"`
	Notes             *string `json:"notes,omitempty"`
}

// ListRateLimits returns every record.
func (c *Client) ListRateLimits(ctx context.Context) ([]model.RateLimit, error) {
	return get[[]model.RateLimit](ctx, c, "limits:list", []string{tagLimits}, "/rate-limits", nil)
}

// ListRateLimitsByAPIKey returns the records bound to a key.
func (c *Client) ListRateLimitsByAPIKey(ctx context.Context, keyID int64) ([]model.RateLimit, error) {
	return get[[]model.RateLimit](ctx, c, idTag("limits:key", keyID), []string{tagLimits}, idPath("/rate-limits/by-api-key", keyID), nil)
}

// ListRateLimitsByRoute returns the records bound to a route.
func (c *Client) ListRateLimitsByRoute(ctx context.Context, routeID int64) ([]model.RateLimit, error) {
	return get[[]model.RateLimit](ctx, c, idTag("limits:route", routeID), []string{tagLimits}, idPath("/rate-limits/by-service-route", routeID), nil)
}

// GetRateLimit returns one record.
func (c *Client) GetRateLimit(ctx context.Context, id int64) (*model.RateLimit, error) {
	rl, err := get[model.RateLimit](ctx, c, idTag("limit", id), []string{tagLimits, idTag("limit", id)}, idPath("/rate-limits", id), nil)
	if err != nil {
		return nil, err
	}
	return &rl, nil
}

// CreateRateLimit creates a record.
func (c *Client) CreateRateLimit(ctx context.Context, in CreateRateLimitInput) (*model.RateLimit, error) {
	var rl model.RateLimit
	if err := c.mutate(ctx, http.MethodPost, "/rate-limits", in, &rl, tagLimits, tagChecks); err != nil {
		return nil, err
	}
	return &rl, nil
}

// UpdateRateLimit changes a record.
func (c *Client) UpdateRateLimit(ctx context.Context, id int64, in UpdateRateLimitInput) (*model.RateLimit, error) {
	var rl model.RateLimit
	if err := c.mutate(ctx, http.MethodPut, idPath("/rate-limits", id), in, &rl, limitTags(id)...); err != nil {
		return nil, err
	}
	return &rl, nil
}

// ToggleRateLimit flips a record's active flag.
func (c *Client) ToggleRateLimit(ctx context.Context, id int64) (*model.RateLimit, error) {
	var rl model.RateLimit
	if err := c.mutate(ctx, http.MethodPatch, idPath("/rate-limits", id)+"/toggle", nil, &rl, limitTags(id)...); err != nil {
		return nil, err
	}
	return &rl, nil
}

// DeleteRateLimit removes a record.
func (c *Client) DeleteRateLimit(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodDelete, idPath("/rate-limits", id), nil, nil, limitTags(id)...)
}

// CheckRateLimit returns the effective limit for a key/route pair. Either id
// may be nil.
func (c *Client) CheckRateLimit(ctx context.Context, keyID, routeID *int64) (*model.RateLimitCheckResult, error) {
	q := url.Values{}
	key := "check"
	tags := []string{tagChecks}
	for _, p := range []struct {
		name string
		id   *int64
		kind string
	}{{"apiKeyId", keyID, "key"}, {"serviceRouteId", routeID, "route"}} {
		if p.id == nil {
			key += ":-"
			continue
		}
		q.Set(p.name, strconv.FormatInt(*p.id, 10))
		key += ":" + strconv.FormatInt(*p.id, 10)
		tags = append(tags, idTag(p.kind, *p.id))
	}

	res, err := get[model.RateLimitCheckResult](ctx, c, key, tags, "/rate-limits/check", q)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func limitTags(id int64) []string {
	return []string{tagLimits, idTag("limit", id), tagChecks}
}

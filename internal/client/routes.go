package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nexusgate/nexusgate/internal/model"
)

// CreateRouteInput registers a service route. Zero limits take the server's
// defaults; nil IsActive means active.
type CreateRouteInput struct {
	Name              string   `json:"name"`
	Path              string   `json:"path"`
	TargetURL         string   `json:"targetUrl"`
	AllowedMethods    []string `json:"allowedMethods,omitempty"`
	RequestsPerMinute int      `json:"requestsPerMinute,omitempty"`
	RequestsPerHour   int      `json:"requestsPerHour,omitempty"`
	IsActive          *bool    `json:"isActive,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// UpdateRouteInput changes a route. Nil fields are left unchanged.
type UpdateRouteInput struct {
	Name              *string  `json:"name,omitempty"`
	Path              *string  `json:"path,omitempty"`
	TargetURL         *string  `json:"targetUrl,omitempty"`
	AllowedMethods    []string `json:"allowedMethods,omitempty"`
	RequestsPerMinute *int     `json:"requestsPerMinute,omitempty"`
	RequestsPerHour   *int     `json:"requestsPerHour,omitempty"`
	IsActive          *bool    `json:"isActive,omitempty"`
	Notes             *string  `json:"notes,omitempty"`
}

// ListRoutes returns service routes, optionally only active ones.
func (c *Client) ListRoutes(ctx context.Context, activeOnly bool) ([]model.ServiceRoute, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("activeOnly", "true")
	}
	key := "routes:list:" + strconv.FormatBool(activeOnly)
	return get[[]model.ServiceRoute](ctx, c, key, []string{tagRoutes}, "/service-routes", q)
}

// GetRoute returns one route.
func (c *Client) GetRoute(ctx context.Context, id int64) (*model.ServiceRoute, error) {
	r, err := get[model.ServiceRoute](ctx, c, idTag("route", id), []string{tagRoutes, idTag("route", id)}, idPath("/service-routes", id), nil)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRouteByPath returns the active route registered at path. When method is
// non-empty the route must also allow it.
func (c *Client) GetRouteByPath(ctx context.Context, path, method string) (*model.ServiceRoute, error) {
	q := url.Values{"path": {path}}
	if method != "" {
		q.Set("method", method)
	}
	r, err := get[model.ServiceRoute](ctx, c, "route:path:"+method+":"+path, []string{tagRoutes}, "/service-routes/by-path", q)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRoute registers a new route.
func (c *Client) CreateRoute(ctx context.Context, in CreateRouteInput) (*model.ServiceRoute, error) {
	var r model.ServiceRoute
	if err := c.mutate(ctx, http.MethodPost, "/service-routes", in, &r, tagRoutes, tagChecks); err != nil {
		return nil, err
	}
	return &r, nil
}

// UpdateRoute changes a route.
func (c *Client) UpdateRoute(ctx context.Context, id int64, in UpdateRouteInput) (*model.ServiceRoute, error) {
	var r model.ServiceRoute
	if err := c.mutate(ctx, http.MethodPut, idPath("/service-routes", id), in, &r, routeTags(id)...); err != nil {
		return nil, err
	}
	return &r, nil
}

// ToggleRoute flips a route's active flag.
func (c *Client) ToggleRoute(ctx context.Context, id int64) (*model.ServiceRoute, error) {
	var r model.ServiceRoute
	if err := c.mutate(ctx, http.MethodPatch, idPath("/service-routes", id)+"/toggle", nil, &r, routeTags(id)...); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportTelemetry records a health sample for a route.
func (c *Client) ReportTelemetry(ctx context.Context, id int64, t model.RouteTelemetry) (*model.ServiceRoute, error) {
	var r model.ServiceRoute
	if err := c.mutate(ctx, http.MethodPut, idPath("/service-routes", id)+"/telemetry", t, &r, tagRoutes, idTag("route", id)); err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoute removes a route. Inactive rate limits bound to it go with it.
func (c *Client) DeleteRoute(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodDelete, idPath("/service-routes", id), nil, nil, append(routeTags(id), tagLimits)...)
}

func routeTags(id int64) []string {
	return []string{tagRoutes, idTag("route", id), tagChecks}
}

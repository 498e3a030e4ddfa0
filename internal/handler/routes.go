package handler

import (
	"net/http"
	"strings"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/server/middleware"
)

// RouteHandler manages service routes.
type RouteHandler struct {
	store *config.Store
	inval Invalidator
}

// NewRouteHandler creates a new RouteHandler. inval may be nil.
func NewRouteHandler(store *config.Store, inval Invalidator) *RouteHandler {
	return &RouteHandler{store: store, inval: orNoop(inval)}
}

type createRouteRequest struct {
	Name              string   `json:"name" validate:"required,max=200"`
	Path              string   `json:"path" validate:"required,route_path"`
	TargetURL         string   `json:"targetUrl" validate:"required,http_url"`
	AllowedMethods    []string `json:"allowedMethods" validate:"omitempty,dive,http_method"`
	RequestsPerMinute int      `json:"requestsPerMinute" validate:"gte=0"`
	RequestsPerHour   int      `json:"requestsPerHour" validate:"gte=0"`
	IsActive          *bool    `json:"isActive"`
	Notes             string   `json:"notes" validate:"max=2000"`
}

type updateRouteRequest struct {
	Name              *string  `json:"name" validate:"omitempty,min=1,max=200"`
	Path              *string  `json:"path" validate:"omitempty,route_path"`
	TargetURL         *string  `json:"targetUrl" validate:"omitempty,http_url"`
	AllowedMethods    []string `json:"allowedMethods" validate:"omitempty,dive,http_method"`
	RequestsPerMinute *int     `json:"requestsPerMinute" validate:"omitempty,gt=0"`
	RequestsPerHour   *int     `json:"requestsPerHour" validate:"omitempty,gt=0"`
	IsActive          *bool    `json:"isActive"`
	Notes             *string  `json:"notes" validate:"omitempty,max=2000"`
}

func (req *createRouteRequest) trim() {
	req.Name = strings.TrimSpace(req.Name)
	req.Path = strings.TrimSpace(req.Path)
	req.TargetURL = strings.TrimSpace(req.TargetURL)
}

func (req *updateRouteRequest) trim() {
	trimPtr(req.Name)
	trimPtr(req.Path)
	trimPtr(req.TargetURL)
}

// ListRoutes returns routes in creation order. ?activeOnly=true hides
// inactive ones.
// GET /service-routes
func (h *RouteHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.store.ListRoutes(r.Context(), queryBool(r, "activeOnly"))
	if err != nil {
		writeStoreError(w, r, err, "Failed to list service routes")
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

// GetRoute returns one route.
// GET /service-routes/{id}
func (h *RouteHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load service route")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// GetRouteByPath looks a route up by its public path. With ?method= the route
// must also allow that method.
// GET /service-routes/by-path
func (h *RouteHandler) GetRouteByPath(w http.ResponseWriter, r *http.Request) {
	path := queryString(r, "path")
	if path == "" {
		writeError(w, r, http.StatusBadRequest, "path query parameter is required")
		return
	}
	route, err := h.store.GetRouteByPath(r.Context(), path)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load service route")
		return
	}
	if m := strings.ToUpper(queryString(r, "method")); m != "" && !route.AllowsMethod(m) {
		writeError(w, r, http.StatusNotFound, "Route "+path+" does not allow "+m)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// CreateRoute registers a route. Quotas default to the system fallback and
// methods to GET.
// POST /service-routes
func (h *RouteHandler) CreateRoute(w http.ResponseWriter, r *http.Request) {
	var req createRouteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	route := &model.ServiceRoute{
		Name:              req.Name,
		Path:              req.Path,
		TargetURL:         req.TargetURL,
		AllowedMethods:    normalizeMethods(req.AllowedMethods),
		RequestsPerMinute: req.RequestsPerMinute,
		RequestsPerHour:   req.RequestsPerHour,
		IsActive:          req.IsActive == nil || *req.IsActive,
		Notes:             req.Notes,
	}
	if len(route.AllowedMethods) == 0 {
		route.AllowedMethods = []string{http.MethodGet}
	}
	defaults := model.DefaultLimits()
	if route.RequestsPerMinute == 0 {
		route.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if route.RequestsPerHour == 0 {
		route.RequestsPerHour = defaults.RequestsPerHour
	}
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		route.CreatedBy = &p.UserID
	}

	if err := h.store.CreateRoute(r.Context(), route); err != nil {
		writeStoreError(w, r, err, "Failed to create service route")
		return
	}
	writeJSON(w, http.StatusCreated, route)
}

// UpdateRoute applies a partial update.
// PUT /service-routes/{id}
func (h *RouteHandler) UpdateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRouteRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.AllowedMethods != nil && len(normalizeMethods(req.AllowedMethods)) == 0 {
		writeError(w, r, http.StatusBadRequest, "allowedMethods must contain at least one HTTP method")
		return
	}

	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load service route")
		return
	}
	if req.Name != nil {
		route.Name = *req.Name
	}
	if req.Path != nil {
		route.Path = *req.Path
	}
	if req.TargetURL != nil {
		route.TargetURL = *req.TargetURL
	}
	if req.AllowedMethods != nil {
		route.AllowedMethods = normalizeMethods(req.AllowedMethods)
	}
	if req.RequestsPerMinute != nil {
		route.RequestsPerMinute = *req.RequestsPerMinute
	}
	if req.RequestsPerHour != nil {
		route.RequestsPerHour = *req.RequestsPerHour
	}
	if req.IsActive != nil {
		route.IsActive = *req.IsActive
	}
	if req.Notes != nil {
		route.Notes = *req.Notes
	}

	if err := h.store.UpdateRoute(r.Context(), route); err != nil {
		writeStoreError(w, r, err, "Failed to update service route")
		return
	}
	if err := h.inval.InvalidateRoute(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// ToggleRoute flips a route between active and inactive.
// PATCH /service-routes/{id}/toggle
func (h *RouteHandler) ToggleRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	route, err := h.store.ToggleRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to toggle service route")
		return
	}
	if err := h.inval.InvalidateRoute(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// UpdateTelemetry records a health sample for a route.
// PUT /service-routes/{id}/telemetry
func (h *RouteHandler) UpdateTelemetry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req model.RouteTelemetry
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.store.UpdateRouteTelemetry(r.Context(), id, req); err != nil {
		writeStoreError(w, r, err, "Failed to record telemetry")
		return
	}
	route, err := h.store.GetRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load service route")
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// DeleteRoute removes a route. Routes still referenced by an active rate
// limit cannot be deleted.
// DELETE /service-routes/{id}
func (h *RouteHandler) DeleteRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteRoute(r.Context(), id); err != nil {
		writeStoreError(w, r, err, "Failed to delete service route")
		return
	}
	if err := h.inval.InvalidateRoute(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

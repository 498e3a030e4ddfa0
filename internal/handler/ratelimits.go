package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/resolver"
)

// Checker resolves the effective limit for a key/route pair.
type Checker interface {
	Resolve(ctx context.Context, q resolver.Query) (*model.RateLimitCheckResult, error)
}

// RateLimitHandler manages rate-limit records and answers limit checks.
type RateLimitHandler struct {
	store   *config.Store
	checker Checker
	inval   Invalidator
}

// NewRateLimitHandler creates a new RateLimitHandler. inval may be nil.
func NewRateLimitHandler(store *config.Store, checker Checker, inval Invalidator) *RateLimitHandler {
	return &RateLimitHandler{store: store, checker: checker, inval: orNoop(inval)}
}

type createRateLimitRequest struct {
	Name              string `json:"name" validate:"required,max=200"`
	APIKeyID          *int64 `json:"apiKeyId" validate:"omitempty,gt=0"`
	ServiceRouteID    *int64 `json:"serviceRouteId" validate:"omitempty,gt=0"`
	RequestsPerMinute int    `json:"requestsPerMinute" validate:"required,gt=0"`
	RequestsPerHour   int    `json:"requestsPerHour" validate:"required,gt=0"`
	RequestsPerDay    int    `json:"requestsPerDay" validate:"required,gt=0"`
	Algorithm         string `json:"algorithm" validate:"omitempty,algorithm"`
	BurstEnabled      bool   `json:"burstEnabled"`
	BurstSize         int    `json:"burstSize" validate:"gte=0"`
	IsActive          *bool  `json:"isActive"`
	Notes             string `json:"notes" validate:"max=2000"`
}

// updateRateLimitRequest patches a record. The scope ids are replaced only
// when the matching clear flag or a new id is sent, since null cannot be told
// apart from absent.
type updateRateLimitRequest struct {
	Name              *string `json:"name" validate:"omitempty,min=1,max=200"`
	APIKeyID          *int64  `json:"apiKeyId" validate:"omitempty,gt=0"`
	ServiceRouteID    *int64  `json:"serviceRouteId" validate:"omitempty,gt=0"`
	ClearAPIKey       bool    `json:"clearApiKey"`
	ClearServiceRoute bool    `json:"clearServiceRoute"`
	RequestsPerMinute *int    `json:"requestsPerMinute" validate:"omitempty,gt=0"`
	RequestsPerHour   *int    `json:"requestsPerHour" validate:"omitempty,gt=0"`
	RequestsPerDay    *int    `json:"requestsPerDay" validate:"omitempty,gt=0"`
	Algorithm         *string `json:"algorithm" validate:"omitempty,algorithm"`
	BurstEnabled      *bool   `json:"burstEnabled"`
	BurstSize         *int    `json:"burstSize" validate:"omitempty,gte=0"`
	IsActive          *bool   `json:"isActive"`
	Notes             *string `json:"notes" validate:"omitempty,max=2000"`
}

func (req *createRateLimitRequest) trim() {
	req.Name = strings.TrimSpace(req.Name)
}

func (req *updateRateLimitRequest) trim() {
	trimPtr(req.Name)
}

// burstError reports a burst setting the store would reject.
func burstError(rl *model.RateLimit) string {
	if rl.BurstEnabled && rl.BurstSize <= 0 {
		return "burstSize must be greater than 0 when burstEnabled is set"
	}
	return ""
}

// ListRateLimits returns every record in creation order.
// GET /rate-limits
func (h *RateLimitHandler) ListRateLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := h.store.ListRateLimits(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "Failed to list rate limits")
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// GetRateLimit returns one record.
// GET /rate-limits/{id}
func (h *RateLimitHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rl, err := h.store.GetRateLimit(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load rate limit")
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// ListByAPIKey returns the records scoped to one key.
// GET /rate-limits/by-api-key/{id}
func (h *RateLimitHandler) ListByAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limits, err := h.store.ListRateLimitsByAPIKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list rate limits")
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// ListByRoute returns the records scoped to one service route.
// GET /rate-limits/by-service-route/{id}
func (h *RateLimitHandler) ListByRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limits, err := h.store.ListRateLimitsByRoute(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list rate limits")
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

// CreateRateLimit adds a record. The algorithm defaults to token-bucket.
// POST /rate-limits
func (h *RateLimitHandler) CreateRateLimit(w http.ResponseWriter, r *http.Request) {
	var req createRateLimitRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	rl := &model.RateLimit{
		Name:              req.Name,
		APIKeyID:          req.APIKeyID,
		ServiceRouteID:    req.ServiceRouteID,
		RequestsPerMinute: req.RequestsPerMinute,
		RequestsPerHour:   req.RequestsPerHour,
		RequestsPerDay:    req.RequestsPerDay,
		Algorithm:         req.Algorithm,
		BurstEnabled:      req.BurstEnabled,
		BurstSize:         req.BurstSize,
		IsActive:          req.IsActive == nil || *req.IsActive,
		Notes:             req.Notes,
	}
	if rl.Algorithm == "" {
		rl.Algorithm = model.AlgorithmTokenBucket
	}
	if msg := burstError(rl); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	if err := h.store.CreateRateLimit(r.Context(), rl); err != nil {
		writeStoreError(w, r, err, "Failed to create rate limit")
		return
	}
	if err := h.inval.InvalidateLimits(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rl)
}

// UpdateRateLimit applies a partial update.
// PUT /rate-limits/{id}
func (h *RateLimitHandler) UpdateRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateRateLimitRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	rl, err := h.store.GetRateLimit(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load rate limit")
		return
	}
	if req.Name != nil {
		rl.Name = *req.Name
	}
	switch {
	case req.ClearAPIKey:
		rl.APIKeyID = nil
	case req.APIKeyID != nil:
		rl.APIKeyID = req.APIKeyID
	}
	switch {
	case req.ClearServiceRoute:
		rl.ServiceRouteID = nil
	case req.ServiceRouteID != nil:
		rl.ServiceRouteID = req.ServiceRouteID
	}
	if req.RequestsPerMinute != nil {
		rl.RequestsPerMinute = *req.RequestsPerMinute
	}
	if req.RequestsPerHour != nil {
		rl.RequestsPerHour = *req.RequestsPerHour
	}
	if req.RequestsPerDay != nil {
		rl.RequestsPerDay = *req.RequestsPerDay
	}
	if req.Algorithm != nil {
		rl.Algorithm = *req.Algorithm
	}
	if req.BurstEnabled != nil {
		rl.BurstEnabled = *req.BurstEnabled
	}
	if req.BurstSize != nil {
		rl.BurstSize = *req.BurstSize
	}
	if req.IsActive != nil {
		rl.IsActive = *req.IsActive
	}
	if req.Notes != nil {
		rl.Notes = *req.Notes
	}
	if msg := burstError(rl); msg != "" {
		writeError(w, r, http.StatusBadRequest, msg)
		return
	}

	if err := h.store.UpdateRateLimit(r.Context(), rl); err != nil {
		writeStoreError(w, r, err, "Failed to update rate limit")
		return
	}
	if err := h.inval.InvalidateLimits(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// ToggleRateLimit flips a record between active and inactive. Activating a
// record whose scope already has an active record is a conflict.
// PATCH /rate-limits/{id}/toggle
func (h *RateLimitHandler) ToggleRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rl, err := h.store.ToggleRateLimit(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to toggle rate limit")
		return
	}
	if err := h.inval.InvalidateLimits(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rl)
}

// DeleteRateLimit removes a record.
// DELETE /rate-limits/{id}
func (h *RateLimitHandler) DeleteRateLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteRateLimit(r.Context(), id); err != nil {
		writeStoreError(w, r, err, "Failed to delete rate limit")
		return
	}
	if err := h.inval.InvalidateLimits(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckRateLimit returns the effective limit for the given key and route.
// Either id may be omitted; an id that names nothing is a 404.
// GET /rate-limits/check
func (h *RateLimitHandler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	keyID, err := queryID(r, "apiKeyId")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	routeID, err := queryID(r, "serviceRouteId")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.checker.Resolve(r.Context(), resolver.Query{APIKeyID: keyID, ServiceRouteID: routeID})
	if err != nil {
		writeStoreError(w, r, err, "Failed to check rate limit")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/server/middleware"
	"github.com/nexusgate/nexusgate/internal/service"
)

// APIKeyHandler manages client API keys.
type APIKeyHandler struct {
	store   *config.Store
	authSvc *service.AuthService
	inval   Invalidator
}

// NewAPIKeyHandler creates a new APIKeyHandler. inval may be nil.
func NewAPIKeyHandler(store *config.Store, authSvc *service.AuthService, inval Invalidator) *APIKeyHandler {
	return &APIKeyHandler{store: store, authSvc: authSvc, inval: orNoop(inval)}
}

type createAPIKeyRequest struct {
	ClientName  string     `json:"clientName" validate:"required,max=200"`
	ClientEmail string     `json:"clientEmail" validate:"omitempty,email"`
	Company     string     `json:"company" validate:"max=200"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	Notes       string     `json:"notes" validate:"max=2000"`
}

type updateAPIKeyRequest struct {
	ClientName  *string    `json:"clientName" validate:"omitempty,min=1,max=200"`
	ClientEmail *string    `json:"clientEmail" validate:"omitempty,email"`
	Company     *string    `json:"company" validate:"omitempty,max=200"`
	IsActive    *bool      `json:"isActive"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	ClearExpiry bool       `json:"clearExpiry"`
	Notes       *string    `json:"notes" validate:"omitempty,max=2000"`
}

func (req *createAPIKeyRequest) trim() {
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientEmail = strings.TrimSpace(req.ClientEmail)
	req.Company = strings.TrimSpace(req.Company)
}

func (req *updateAPIKeyRequest) trim() {
	trimPtr(req.ClientName)
	trimPtr(req.ClientEmail)
	trimPtr(req.Company)
}

// ListAPIKeys returns every key. Hashes are never serialized.
// GET /api/keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// ListAPIKeysByUser returns the keys created by a user.
// GET /api/keys/user/{userId}
func (h *APIKeyHandler) ListAPIKeysByUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userId")
	if !ok {
		return
	}
	keys, err := h.store.ListAPIKeysByCreator(r.Context(), userID)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

// GetAPIKey returns one key.
// GET /api/keys/{id}
func (h *APIKeyHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load API key")
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// CreateAPIKey issues a new key. The raw key is returned in this response
// only; afterwards just its prefix is known.
// POST /api/keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeError(w, r, http.StatusBadRequest, "expiresAt must be in the future")
		return
	}

	raw, prefix, err := service.GenerateAPIKey()
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	key := &model.APIKey{
		KeyHash:     config.HashAPIKey(raw),
		KeyPrefix:   prefix,
		ClientName:  req.ClientName,
		ClientEmail: req.ClientEmail,
		Company:     req.Company,
		IsActive:    true,
		Notes:       req.Notes,
	}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		key.ExpiresAt = &t
	}
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		key.CreatedBy = &p.UserID
	}

	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		writeStoreError(w, r, err, "Failed to create API key")
		return
	}

	key.Key = raw
	writeJSON(w, http.StatusCreated, key)
}

// UpdateAPIKey applies a partial update. Fields absent from the body are
// left as they are.
// PUT /api/keys/{id}
func (h *APIKeyHandler) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateAPIKeyRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load API key")
		return
	}
	if req.ClientName != nil {
		key.ClientName = *req.ClientName
	}
	if req.ClientEmail != nil {
		key.ClientEmail = *req.ClientEmail
	}
	if req.Company != nil {
		key.Company = *req.Company
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if req.Notes != nil {
		key.Notes = *req.Notes
	}
	switch {
	case req.ClearExpiry:
		key.ExpiresAt = nil
	case req.ExpiresAt != nil:
		t := req.ExpiresAt.UTC()
		key.ExpiresAt = &t
	}

	if err := h.store.UpdateAPIKey(r.Context(), key); err != nil {
		writeStoreError(w, r, err, "Failed to update API key")
		return
	}
	if err := h.inval.InvalidateKey(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// ToggleAPIKey flips a key between active and revoked.
// PATCH /api/keys/{id}/toggle
func (h *APIKeyHandler) ToggleAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	key, err := h.store.ToggleAPIKey(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to toggle API key")
		return
	}
	if err := h.inval.InvalidateKey(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// DeleteAPIKey removes a key. Keys still referenced by an active rate limit
// cannot be deleted.
// DELETE /api/keys/{id}
func (h *APIKeyHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.DeleteAPIKey(r.Context(), id); err != nil {
		writeStoreError(w, r, err, "Failed to delete API key")
		return
	}
	if err := h.inval.InvalidateKey(r.Context(), id); err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateAPIKey reports whether a raw key is usable. The key may be passed
// as ?key= or ?keyValue=.
// GET /api/keys/validate
func (h *APIKeyHandler) ValidateAPIKey(w http.ResponseWriter, r *http.Request) {
	raw := queryString(r, "key")
	if raw == "" {
		raw = queryString(r, "keyValue")
	}
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "key query parameter is required")
		return
	}

	v, err := h.authSvc.ValidateAPIKey(r.Context(), raw)
	if err != nil {
		writeStoreError(w, r, err, "Failed to validate API key")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

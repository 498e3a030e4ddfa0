package handler

import (
	"errors"
	"net/http"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/server/middleware"
	"github.com/nexusgate/nexusgate/internal/service"
)

// UserHandler serves registration, sign-in and user administration.
type UserHandler struct {
	store   *config.Store
	authSvc *service.AuthService
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(store *config.Store, authSvc *service.AuthService) *UserHandler {
	return &UserHandler{store: store, authSvc: authSvc}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8"`
}

type signInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type updateUserRequest struct {
	Name     *string `json:"name" validate:"omitempty,max=200"`
	Role     *string `json:"role" validate:"omitempty,role"`
	IsActive *bool   `json:"isActive"`
}

func (h *UserHandler) authResponse(user *model.User, token string) model.AuthResponse {
	return model.AuthResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(h.authSvc.TokenTTL().Seconds()),
		User:      *user,
	}
}

// Register creates an account and signs it in.
// POST /api/users/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.authSvc.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		writeStoreError(w, r, err, "Failed to register user")
		return
	}
	token, err := h.authSvc.IssueJWT(r.Context(), user)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "Failed to issue token: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, h.authResponse(user, token))
}

// SignIn exchanges credentials for a bearer token.
// POST /api/users/signin
func (h *UserHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, token, err := h.authSvc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, r, http.StatusUnauthorized, "Invalid email or password")
		case errors.Is(err, service.ErrUserDisabled):
			writeError(w, r, http.StatusUnauthorized, "Account is disabled")
		default:
			writeError(w, r, http.StatusInternalServerError, "Authentication error: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, h.authResponse(user, token))
}

// Me returns the signed-in user.
// GET /api/users/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p == nil {
		writeError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}
	user, err := h.store.GetUser(r.Context(), p.UserID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			// The token outlived its account.
			writeError(w, r, http.StatusUnauthorized, "User no longer exists")
			return
		}
		writeStoreError(w, r, err, "Failed to load user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// ListUsers returns every account.
// GET /api/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "Failed to list users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// UpdateUser changes a user's name, role or active flag.
// PUT /api/users/{id}
func (h *UserHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	user, err := h.store.GetUser(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err, "Failed to load user")
		return
	}
	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	// Keep at least the caller able to administer the instance.
	if p := middleware.GetPrincipal(r.Context()); p != nil && p.UserID == id && (!user.IsAdmin() || !user.IsActive) {
		writeError(w, r, http.StatusBadRequest, "Admins cannot demote or disable themselves")
		return
	}

	if err := h.store.UpdateUser(r.Context(), user); err != nil {
		writeStoreError(w, r, err, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

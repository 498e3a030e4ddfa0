package client

import (
	"context"
	"net/http"
	"time"

	"github.com/nexusgate/nexusgate/internal/model"
)

// UpdateUserInput changes a user's profile. Nil fields are left unchanged.
type UpdateUserInput struct {
	Name     *string `json:"name,omitempty"`
	Role     *string `json:"role,omitempty"`
	IsActive *bool   `json:"isActive,omitempty"`
}

// Register creates an account and signs in as it.
func (c *Client) Register(ctx context.Context, email, name, password string) (*model.AuthResponse, error) {
	body := map[string]string{"email": email, "name": name, "password": password}
	return c.authenticate(ctx, "/api/users/register", body)
}

// SignIn exchanges credentials for a token and stores it in the session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, "/api/users/signin", body)
}

func (c *Client) authenticate(ctx context.Context, path string, body interface{}) (*model.AuthResponse, error) {
	var resp model.AuthResponse
	if err := c.do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	// Reads cached under a previous identity are not reused.
	if err := c.invalidate(ctx, tagSession); err != nil {
		return nil, err
	}
	expires := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	user := resp.User
	if err := c.session.Set(resp.Token, &user, expires); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignOut clears the local session. Tokens are stateless, so the server is
// not contacted.
func (c *Client) SignOut(ctx context.Context) error {
	if err := c.session.Clear(); err != nil {
		return err
	}
	return c.invalidate(ctx, tagSession)
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/api/users/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns every user (admin only).
func (c *Client) ListUsers(ctx context.Context) ([]model.User, error) {
	return get[[]model.User](ctx, c, "users:list", []string{tagUsers}, "/api/users", nil)
}

// UpdateUser changes a user's name, role or active flag (admin only).
func (c *Client) UpdateUser(ctx context.Context, id int64, in UpdateUserInput) (*model.User, error) {
	var u model.User
	if err := c.mutate(ctx, http.MethodPut, idPath("/api/users", id), in, &u, tagUsers); err != nil {
		return nil, err
	}
	return &u, nil
}

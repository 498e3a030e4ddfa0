package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/nexusgate/nexusgate/internal/model"
)

// CreateAPIKeyInput issues a key. The raw value is only present in the
// response to the create.
type CreateAPIKeyInput struct {
	ClientName  string     `json:"clientName"`
	ClientEmail string     `json:"clientEmail,omitempty"`
	Company     string     `json:"company,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// UpdateAPIKeyInput changes a key. Nil fields are left unchanged;
// ClearExpiry removes the expiry.
type UpdateAPIKeyInput struct {
	ClientName  *string    `json:"clientName,omitempty"`
	ClientEmail *string    `json:"clientEmail,omitempty"`
	Company     *string    `json:"company,omitempty"`
	IsActive    *bool      `json:"isActive,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	ClearExpiry bool       `json:"clearExpiry,omitempty"`
	Notes       *string    `json:"notes,omitempty"`
}

// ListAPIKeys returns every key.
func (c *Client) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	return get[[]model.APIKey](ctx, c, "keys:list", []string{tagKeys}, "/api/keys", nil)
}

// ListAPIKeysByUser returns the keys a user issued.
func (c *Client) ListAPIKeysByUser(ctx context.Context, userID int64) ([]model.APIKey, error) {
	return get[[]model.APIKey](ctx, c, idTag("keys:user", userID), []string{tagKeys}, idPath("/api/keys/user", userID), nil)
}

// GetAPIKey returns one key.
func (c *Client) GetAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	k, err := get[model.APIKey](ctx, c, idTag("key", id), []string{tagKeys, idTag("key", id)}, idPath("/api/keys", id), nil)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey issues a key and returns it with its raw value.
func (c *Client) CreateAPIKey(ctx context.Context, in CreateAPIKeyInput) (*model.APIKey, error) {
	var k model.APIKey
	if err := c.mutate(ctx, http.MethodPost, "/api/keys", in, &k, tagKeys); err != nil {
		return nil, err
	}
	return &k, nil
}

// UpdateAPIKey changes a key.
func (c *Client) UpdateAPIKey(ctx context.Context, id int64, in UpdateAPIKeyInput) (*model.APIKey, error) {
	var k model.APIKey
	if err := c.mutate(ctx, http.MethodPut, idPath("/api/keys", id), in, &k, keyTags(id)...); err != nil {
		return nil, err
	}
	return &k, nil
}

// ToggleAPIKey flips a key between active and revoked.
func (c *Client) ToggleAPIKey(ctx context.Context, id int64) (*model.APIKey, error) {
	var k model.APIKey
	if err := c.mutate(ctx, http.MethodPatch, idPath("/api/keys", id)+"/toggle", nil, &k, keyTags(id)...); err != nil {
		return nil, err
	}
	return &k, nil
}

// DeleteAPIKey removes a key. Inactive rate limits bound to it go with it.
func (c *Client) DeleteAPIKey(ctx context.Context, id int64) error {
	return c.mutate(ctx, http.MethodDelete, idPath("/api/keys", id), nil, nil, append(keyTags(id), tagLimits)...)
}

// ValidateAPIKey reports whether a raw key is usable. It is never cached.
func (c *Client) ValidateAPIKey(ctx context.Context, raw string) (*model.KeyValidation, error) {
	var v model.KeyValidation
	if err := c.do(ctx, http.MethodGet, "/api/keys/validate", url.Values{"key": {raw}}, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func keyTags(id int64) []string {
	return []string{tagKeys, idTag("key", id), tagChecks}
}

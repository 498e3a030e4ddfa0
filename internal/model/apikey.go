package model

import (
	"encoding/json"
	"time"
)

// KeyStatus is the derived lifecycle state of an API key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusRevoked KeyStatus = "revoked"
	KeyStatusExpired KeyStatus = "expired"
)

// APIKey is a credential issued to a calling client. The raw key is never
// stored; only a SHA-256 hash and a short prefix for identification are
// persisted. Key carries the raw value only in the response to a create.
type APIKey struct {
	ID          int64      `json:"id" db:"id"`
	Key         string     `json:"key,omitempty" db:"-"`
	KeyHash     string     `json:"-" db:"key_hash"` // SHA-256 hash, never expose
	KeyPrefix   string     `json:"keyPrefix" db:"key_prefix"`
	ClientName  string     `json:"clientName" db:"client_name"`
	ClientEmail string     `json:"clientEmail" db:"client_email"`
	Company     string     `json:"company" db:"company"`
	IsActive    bool       `json:"isActive" db:"is_active"`
	ExpiresAt   *time.Time `json:"expiresAt" db:"expires_at"`
	LastUsed    *time.Time `json:"lastUsed,omitempty" db:"last_used"`
	CreatedBy   *int64     `json:"createdBy,omitempty" db:"created_by"`
	Notes       string     `json:"notes" db:"notes"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time  `json:"updatedAt" db:"updated_at"`
}

// Status derives the key's state from its active flag and expiry. It is
// never persisted.
func (k *APIKey) Status(now time.Time) KeyStatus {
	if !k.IsActive {
		return KeyStatusRevoked
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return KeyStatusExpired
	}
	return KeyStatusActive
}

// MarshalJSON adds the derived status to the serialized key.
func (k APIKey) MarshalJSON() ([]byte, error) {
	type plain APIKey
	return json.Marshal(struct {
		plain
		Status KeyStatus `json:"status"`
	}{plain(k), k.Status(time.Now())})
}

// KeyValidation is the result of checking a raw key value.
type KeyValidation struct {
	Valid     bool      `json:"valid"`
	Status    KeyStatus `json:"status,omitempty"`
	KeyID     int64     `json:"keyId,omitempty"`
	KeyPrefix string    `json:"keyPrefix,omitempty"`
}

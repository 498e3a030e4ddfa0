package model

import (
	"encoding/json"
	"time"
)

// Source identifies the precedence tier that produced an effective limit.
type Source string

const (
	SourceSpecific      Source = "SPECIFIC"
	SourceRouteDefault  Source = "ROUTE_DEFAULT"
	SourceKeyGlobal     Source = "KEY_GLOBAL"
	SourceSystemDefault Source = "SYSTEM_DEFAULT"
)

// Algorithm labels shown by the console. They are stored, never executed.
const (
	AlgorithmTokenBucket   = "token-bucket"
	AlgorithmFixedWindow   = "fixed-window"
	AlgorithmSlidingWindow = "sliding-window"
	AlgorithmLeakyBucket   = "leaky-bucket"
)

// Algorithms lists every accepted algorithm label.
var Algorithms = []string{
	AlgorithmTokenBucket,
	AlgorithmFixedWindow,
	AlgorithmSlidingWindow,
	AlgorithmLeakyBucket,
}

// RateLimit is a quota record optionally scoped to an API key and/or a
// service route. A nil APIKeyID or ServiceRouteID widens the scope.
type RateLimit struct {
	ID                int64     `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	APIKeyID          *int64    `json:"apiKeyId" db:"api_key_id"`
	ServiceRouteID    *int64    `json:"serviceRouteId" db:"service_route_id"`
	RequestsPerMinute int       `json:"requestsPerMinute" db:"requests_per_minute"`
	RequestsPerHour   int       `json:"requestsPerHour" db:"requests_per_hour"`
	RequestsPerDay    int       `json:"requestsPerDay" db:"requests_per_day"`
	Algorithm         string    `json:"algorithm" db:"algorithm"`
	BurstEnabled      bool      `json:"burstEnabled" db:"burst_enabled"`
	BurstSize         int       `json:"burstSize" db:"burst_size"`
	IsActive          bool      `json:"isActive" db:"is_active"`
	Notes             string    `json:"notes" db:"notes"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// ScopeOf returns the tier a record with the given key and route ids sits in.
func ScopeOf(apiKeyID, serviceRouteID *int64) Source {
	switch {
	case apiKeyID != nil && serviceRouteID != nil:
		return SourceSpecific
	case serviceRouteID != nil:
		return SourceRouteDefault
	case apiKeyID != nil:
		return SourceKeyGlobal
	default:
		return SourceSystemDefault
	}
}

// Scope returns the tier this record belongs to.
func (l *RateLimit) Scope() Source {
	return ScopeOf(l.APIKeyID, l.ServiceRouteID)
}

// Limits returns the record's quota triple.
func (l *RateLimit) Limits() Limits {
	return Limits{
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
		RequestsPerDay:    l.RequestsPerDay,
	}
}

// MarshalJSON adds the derived scope to the serialized record.
func (l RateLimit) MarshalJSON() ([]byte, error) {
	type plain RateLimit
	return json.Marshal(struct {
		plain
		Scope Source `json:"scope"`
	}{plain(l), l.Scope()})
}

// ValidAlgorithm reports whether name is a known algorithm label.
func ValidAlgorithm(name string) bool {
	for _, a := range Algorithms {
		if a == name {
			return true
		}
	}
	return false
}

// Limits is a quota triple.
type Limits struct {
	RequestsPerMinute int `json:"requestsPerMinute" mapstructure:"per_minute" yaml:"per_minute"`
	RequestsPerHour   int `json:"requestsPerHour" mapstructure:"per_hour" yaml:"per_hour"`
	RequestsPerDay    int `json:"requestsPerDay" mapstructure:"per_day" yaml:"per_day"`
}

// DefaultLimits is the built-in system default used when no global
// rate-limit record exists.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		RequestsPerDay:    10000,
	}
}

// RateLimitCheckResult is the effective limit for a key/route pair together
// with the tier and record that produced it. RateLimitID is nil when the
// built-in default was used.
type RateLimitCheckResult struct {
	RequestsPerMinute int    `json:"requestsPerMinute"`
	RequestsPerHour   int    `json:"requestsPerHour"`
	RequestsPerDay    int    `json:"requestsPerDay"`
	Source            Source `json:"source"`
	RateLimitID       *int64 `json:"rateLimitId"`
	APIKeyID          *int64 `json:"apiKeyId"`
	ServiceRouteID    *int64 `json:"serviceRouteId"`
}

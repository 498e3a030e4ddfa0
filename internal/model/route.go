package model

import (
	"encoding/json"
	"time"
)

// HealthStatus is the derived health of a service route.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
	HealthInactive HealthStatus = "inactive"
)

// HTTPMethods lists the methods a route may allow.
var HTTPMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// ServiceRoute maps a public gateway path to an upstream target. The
// telemetry fields are reported by the enforcement layer.
type ServiceRoute struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Path              string    `json:"path"`
	TargetURL         string    `json:"targetUrl"`
	AllowedMethods    []string  `json:"allowedMethods"`
	RequestsPerMinute int       `json:"requestsPerMinute"`
	RequestsPerHour   int       `json:"requestsPerHour"`
	IsActive          bool      `json:"isActive"`
	CreatedBy         *int64    `json:"createdBy,omitempty"`
	Notes             string    `json:"notes"`
	P95LatencyMs      float64   `json:"p95LatencyMs"`
	ErrorRate         float64   `json:"errorRate"`
	RequestsObserved  int64     `json:"requestsObserved"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HealthStatus derives route health from the last reported telemetry.
func (r *ServiceRoute) HealthStatus() HealthStatus {
	switch {
	case !r.IsActive:
		return HealthInactive
	case r.ErrorRate < 0.01 && r.P95LatencyMs < 500:
		return HealthHealthy
	case r.ErrorRate < 0.05 && r.P95LatencyMs < 2000:
		return HealthDegraded
	default:
		return HealthDown
	}
}

// AllowsMethod reports whether method is in the route's allowed set.
func (r *ServiceRoute) AllowsMethod(method string) bool {
	for _, m := range r.AllowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// MarshalJSON adds the derived health status to the serialized route.
func (r ServiceRoute) MarshalJSON() ([]byte, error) {
	type plain ServiceRoute
	return json.Marshal(struct {
		plain
		HealthStatus HealthStatus `json:"healthStatus"`
	}{plain(r), r.HealthStatus()})
}

// RouteTelemetry is the health sample reported for a route.
type RouteTelemetry struct {
	P95LatencyMs     float64 `json:"p95LatencyMs" validate:"gte=0"`
	ErrorRate        float64 `json:"errorRate" validate:"gte=0,lte=1"`
	RequestsObserved int64   `json:"requestsObserved" validate:"gte=0"`
}

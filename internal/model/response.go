package model

import "time"

// ErrorResponse is the envelope returned with every non-2xx response.
type ErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Status    int       `json:"status"`
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Path      string    `json:"path"`
}

// AuthResponse is returned by register and sign-in.
type AuthResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int    `json:"expiresIn"`
	User      User   `json:"user"`
}

// Overview summarizes the gateway for the dashboard landing page.
type Overview struct {
	Routes          int                  `json:"routes"`
	ActiveRoutes    int                  `json:"activeRoutes"`
	RoutesByHealth  map[HealthStatus]int `json:"routesByHealth"`
	APIKeys         int                  `json:"apiKeys"`
	KeysByStatus    map[KeyStatus]int    `json:"keysByStatus"`
	RateLimits      int                  `json:"rateLimits"`
	ActiveLimits    int                  `json:"activeLimits"`
	Violations24h   int64                `json:"violations24h"`
	AvgP95LatencyMs float64              `json:"avgP95LatencyMs"`
	AvgErrorRate    float64              `json:"avgErrorRate"`
}

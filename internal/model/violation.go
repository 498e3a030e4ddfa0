package model

import "time"

// Violation types reported by the enforcement layer.
const (
	ViolationRateLimit    = "rate_limit"
	ViolationAuthFailure  = "auth_failure"
	ViolationTimeout      = "timeout"
	ViolationCircuitBreak = "circuit_break"
)

// ViolationTypes lists every accepted violation type.
var ViolationTypes = []string{
	ViolationRateLimit,
	ViolationAuthFailure,
	ViolationTimeout,
	ViolationCircuitBreak,
}

// LogEntry is one recorded policy violation.
type LogEntry struct {
	ID            int64     `json:"id" db:"id"`
	Timestamp     time.Time `json:"timestamp" db:"occurred_at"`
	APIName       string    `json:"apiName" db:"api_name"`
	Endpoint      string    `json:"endpoint" db:"endpoint"`
	ViolationType string    `json:"violationType" db:"violation_type"`
	Source        string    `json:"source" db:"source"`
	StatusCode    int       `json:"statusCode" db:"status_code"`
	Details       string    `json:"details" db:"details"`
	RequestID     string    `json:"requestId,omitempty" db:"request_id"`
}

// ValidViolationType reports whether t is a known violation type.
func ValidViolationType(t string) bool {
	for _, v := range ViolationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// LogFilter narrows a violation log listing. Search is a case-insensitive
// substring match over api name, source and endpoint.
type LogFilter struct {
	ViolationType string
	Search        string
	Since         *time.Time
	Limit         int
	Offset        int
}

// LogSummary counts violations per type since a point in time.
type LogSummary struct {
	Since  time.Time        `json:"since"`
	Total  int64            `json:"total"`
	ByType map[string]int64 `json:"byType"`
}

package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ValidRoutePath reports whether p can be a gateway path: absolute, with no
// whitespace, query or fragment.
func ValidRoutePath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.ContainsAny(p, " \t\r\n?#")
}

// ValidTargetURL reports whether raw is an absolute http(s) URL with a host.
func ValidTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

// ValidateRoute checks what every stored route must satisfy. Methods are
// expected upper-cased.
func ValidateRoute(r *model.ServiceRoute) error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return invalid("route name is required")
	case !ValidRoutePath(r.Path):
		return invalid("route path %q must be an absolute path starting with /", r.Path)
	case !ValidTargetURL(r.TargetURL):
		return invalid("route target %q must be an absolute http(s) URL", r.TargetURL)
	case len(r.AllowedMethods) == 0:
		return invalid("route %s must allow at least one method", r.Path)
	case r.RequestsPerMinute <= 0 || r.RequestsPerHour <= 0:
		return invalid("route %s quotas must be positive", r.Path)
	}
	for _, m := range r.AllowedMethods {
		if !slices.Contains(model.HTTPMethods, m) {
			return invalid("route %s: unknown method %q", r.Path, m)
		}
	}
	return nil
}

// ValidateRateLimit checks the record's quotas, algorithm and burst settings.
func ValidateRateLimit(rl *model.RateLimit) error {
	switch {
	case rl.RequestsPerMinute <= 0 || rl.RequestsPerHour <= 0 || rl.RequestsPerDay <= 0:
		return invalid("rate limit quotas must be positive")
	case !model.ValidAlgorithm(rl.Algorithm):
		return invalid("unknown rate limit algorithm %q", rl.Algorithm)
	case rl.BurstSize < 0:
		return invalid("burstSize must not be negative")
	case rl.BurstEnabled && rl.BurstSize == 0:
		return invalid("burstSize must be greater than 0 when burstEnabled is set")
	}
	return nil
}

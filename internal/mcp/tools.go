package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
)

const (
	defaultViolationLimit = 50
	maxViolationLimit     = 500
)

// registerTools registers all NexusGate MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Inventory tools -----

	srv.AddTool(
		mcp.NewTool("list_service_routes",
			mcp.WithDescription(
				"List the service routes registered in NexusGate. Returns each route's "+
					"path, upstream target, allowed methods, route-level limits and derived "+
					"health status. Use this first to discover route ids.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithBoolean("activeOnly",
				mcp.Description("Only return active routes"),
			),
		),
		s.handleListRoutes,
	)

	srv.AddTool(
		mcp.NewTool("list_api_keys",
			mcp.WithDescription(
				"List the API keys issued by NexusGate. Raw key values are never returned; "+
					"each key is identified by id and prefix and carries a derived status "+
					"(active, revoked or expired).",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("status",
				mcp.Description("Only return keys in this status"),
				mcp.Enum(string(model.KeyStatusActive), string(model.KeyStatusRevoked), string(model.KeyStatusExpired)),
			),
		),
		s.handleListAPIKeys,
	)

	srv.AddTool(
		mcp.NewTool("list_rate_limits",
			mcp.WithDescription(
				"List rate-limit records with their scope (specific, route default, key "+
					"global or system default). Optionally narrow to one API key or one "+
					"service route.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("apiKeyId",
				mcp.Description("Only return records bound to this API key"),
			),
			mcp.WithNumber("serviceRouteId",
				mcp.Description("Only return records bound to this service route"),
			),
		),
		s.handleListRateLimits,
	)

	// ----- Resolution -----

	srv.AddTool(
		mcp.NewTool("check_rate_limit",
			mcp.WithDescription(
				"Resolve the effective rate limit for an API key and service route pair. "+
					"Both ids are optional. The most specific active record wins: key+route, "+
					"then route default, then key global, then the system default. The "+
					"result names the tier and the record that produced it.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithNumber("apiKeyId",
				mcp.Description("API key id to resolve for"),
			),
			mcp.WithNumber("serviceRouteId",
				mcp.Description("Service route id to resolve for"),
			),
		),
		s.handleCheckRateLimit,
	)

	// ----- Violations -----

	srv.AddTool(
		mcp.NewTool("list_violations",
			mcp.WithDescription(
				"List recent policy violations (rate_limit, auth_failure, timeout, "+
					"circuit_break), newest first. Search matches api name, source and "+
					"endpoint case-insensitively.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("violationType",
				mcp.Description("Only return violations of this type"),
				mcp.Enum(model.ViolationTypes...),
			),
			mcp.WithString("search",
				mcp.Description("Case-insensitive substring filter"),
			),
			mcp.WithNumber("sinceMinutes",
				mcp.Description("Only return violations from the last N minutes"),
			),
			mcp.WithNumber("limit",
				mcp.Description(fmt.Sprintf("Maximum entries to return (default %d, max %d)", defaultViolationLimit, maxViolationLimit)),
			),
		),
		s.handleListViolations,
	)
}

// ---------------------------------------------------------------------------
// Tool handlers
// ---------------------------------------------------------------------------

func (s *MCPServer) handleListRoutes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	routes, err := s.store.ListRoutes(ctx, request.GetBool("activeOnly", false))
	if err != nil {
		return errorResult("Failed to list service routes: %v", err)
	}
	return listResult("routes", routes, len(routes))
}

func (s *MCPServer) handleListAPIKeys(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return errorResult("Failed to list API keys: %v", err)
	}

	if status := request.GetString("status", ""); status != "" {
		now := time.Now()
		filtered := keys[:0]
		for _, k := range keys {
			if string(k.Status(now)) == status {
				filtered = append(filtered, k)
			}
		}
		keys = filtered
	}
	return listResult("keys", keys, len(keys))
}

func (s *MCPServer) handleListRateLimits(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := scopeArgs(request)
	if err != nil {
		return errorResult("%v", err)
	}

	var limits []model.RateLimit
	switch {
	case q.APIKeyID != nil:
		limits, err = s.store.ListRateLimitsByAPIKey(ctx, *q.APIKeyID)
	case q.ServiceRouteID != nil:
		limits, err = s.store.ListRateLimitsByRoute(ctx, *q.ServiceRouteID)
	default:
		limits, err = s.store.ListRateLimits(ctx)
	}
	if err != nil {
		return errorResult("Failed to list rate limits: %v", err)
	}

	// Both filters given: keep records bound to both.
	if q.APIKeyID != nil && q.ServiceRouteID != nil {
		filtered := limits[:0]
		for _, rl := range limits {
			if rl.ServiceRouteID != nil && *rl.ServiceRouteID == *q.ServiceRouteID {
				filtered = append(filtered, rl)
			}
		}
		limits = filtered
	}
	return listResult("rateLimits", limits, len(limits))
}

func (s *MCPServer) handleCheckRateLimit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, err := scopeArgs(request)
	if err != nil {
		return errorResult("%v", err)
	}

	result, err := s.checker.Resolve(ctx, q)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return errorResult("Cannot resolve: %v. Use list_service_routes or list_api_keys to find valid ids.", err)
		}
		return errorResult("Resolution failed: %v", err)
	}
	return jsonResult(result)
}

func (s *MCPServer) handleListViolations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := model.LogFilter{
		ViolationType: request.GetString("violationType", ""),
		Search:        strings.TrimSpace(request.GetString("search", "")),
		Limit:         clamp(request.GetInt("limit", defaultViolationLimit), 1, maxViolationLimit),
	}
	if filter.ViolationType != "" && !model.ValidViolationType(filter.ViolationType) {
		return errorResult("Unknown violation type %q. Valid types: %s",
			filter.ViolationType, strings.Join(model.ViolationTypes, ", "))
	}
	if minutes := request.GetInt("sinceMinutes", 0); minutes > 0 {
		since := time.Now().Add(-time.Duration(minutes) * time.Minute)
		filter.Since = &since
	}

	entries, err := s.store.ListLogEntries(ctx, filter)
	if err != nil {
		return errorResult("Failed to list violations: %v", err)
	}
	return listResult("violations", entries, len(entries))
}

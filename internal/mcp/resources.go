package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nexusgate/nexusgate/internal/resolver"
)

const (
	routesURI         = "nexusgate://routes"
	routeURIPrefix    = "nexusgate://routes/"
	routeLimitsSuffix = "/limits"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// nexusgate://routes: every registered service route
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			routesURI,
			"Service Routes",
			mcp.WithResourceDescription(
				"All service routes registered in NexusGate, including their "+
					"upstream targets, route-level limits and health status.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleRoutesResource,
	)

	// -------------------------------------------------------------------
	// nexusgate://routes/{id}/limits: a route with its rate-limit records
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"nexusgate://routes/{id}/limits",
			"Route Rate Limits",
			mcp.WithTemplateDescription(
				"One service route together with every rate-limit record bound to it "+
					"and the limit that applies when no API key is presented.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleRouteLimitsResource,
	)
}

func (s *MCPServer) handleRoutesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	routes, err := s.store.ListRoutes(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to list service routes: %w", err)
	}
	return jsonContents(routesURI, routes)
}

func (s *MCPServer) handleRouteLimitsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	id, err := routeIDFromURI(uri)
	if err != nil {
		return nil, err
	}

	route, err := s.store.GetRoute(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service route %d: %w", id, err)
	}
	limits, err := s.store.ListRateLimitsByRoute(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list rate limits: %w", err)
	}
	effective, err := s.checker.Resolve(ctx, resolver.Query{ServiceRouteID: &id})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve route default: %w", err)
	}

	return jsonContents(uri, map[string]interface{}{
		"route":      route,
		"rateLimits": limits,
		"effective":  effective,
	})
}

// routeIDFromURI extracts {id} from "nexusgate://routes/{id}/limits".
func routeIDFromURI(uri string) (int64, error) {
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, routeURIPrefix), routeLimitsSuffix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || raw == uri {
		return 0, fmt.Errorf("invalid route URI %q: expected nexusgate://routes/{id}/limits", uri)
	}
	return id, nil
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

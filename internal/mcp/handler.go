package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nexusgate/nexusgate/internal/resolver"
)

// scopeArgs reads the optional apiKeyId and serviceRouteId arguments. Zero
// or absent means unbound; negative ids are rejected.
func scopeArgs(request mcp.CallToolRequest) (resolver.Query, error) {
	var q resolver.Query
	for _, arg := range []struct {
		name string
		dst  **int64
	}{
		{"apiKeyId", &q.APIKeyID},
		{"serviceRouteId", &q.ServiceRouteID},
	} {
		v := request.GetInt(arg.name, 0)
		if v < 0 {
			return q, fmt.Errorf("parameter %q must be a positive id", arg.name)
		}
		if v > 0 {
			id := int64(v)
			*arg.dst = &id
		}
	}
	return q, nil
}

// jsonResult returns v as indented JSON text.
func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// listResult wraps a listing as {<field>: items, count: n}.
func listResult(field string, items interface{}, n int) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]interface{}{field: items, "count": n})
}

// errorResult reports a failure to the agent without ending the session, so
// it can correct its arguments and retry.
func errorResult(format string, args ...interface{}) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, args...)), nil
}

func clamp(val, lo, hi int) int {
	return min(max(val, lo), hi)
}

package handler

import (
	"net/http"
	"time"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
)

// OverviewHandler serves the dashboard landing summary.
type OverviewHandler struct {
	store *config.Store
}

// NewOverviewHandler creates a new OverviewHandler.
func NewOverviewHandler(store *config.Store) *OverviewHandler {
	return &OverviewHandler{store: store}
}

// Overview aggregates routes, keys, limits and the last day of violations.
// Latency and error rate are averaged over active routes that have reported
// telemetry.
// GET /overview
func (h *OverviewHandler) Overview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	routes, err := h.store.ListRoutes(ctx, false)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list service routes")
		return
	}
	keys, err := h.store.ListAPIKeys(ctx)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list API keys")
		return
	}
	limits, err := h.store.ListRateLimits(ctx)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list rate limits")
		return
	}
	summary, err := h.store.SummarizeLogs(ctx, now.Add(-summaryWindow))
	if err != nil {
		writeStoreError(w, r, err, "Failed to summarize logs")
		return
	}

	writeJSON(w, http.StatusOK, buildOverview(routes, keys, limits, summary, now))
}

func buildOverview(routes []model.ServiceRoute, keys []model.APIKey, limits []model.RateLimit, summary *model.LogSummary, now time.Time) model.Overview {
	ov := model.Overview{
		Routes:         len(routes),
		RoutesByHealth: make(map[model.HealthStatus]int),
		APIKeys:        len(keys),
		KeysByStatus:   make(map[model.KeyStatus]int),
		RateLimits:     len(limits),
		Violations24h:  summary.Total,
	}

	var reporting int
	for i := range routes {
		rt := &routes[i]
		ov.RoutesByHealth[rt.HealthStatus()]++
		if !rt.IsActive {
			continue
		}
		ov.ActiveRoutes++
		if rt.RequestsObserved > 0 {
			reporting++
			ov.AvgP95LatencyMs += rt.P95LatencyMs
			ov.AvgErrorRate += rt.ErrorRate
		}
	}
	if reporting > 0 {
		ov.AvgP95LatencyMs /= float64(reporting)
		ov.AvgErrorRate /= float64(reporting)
	}

	for i := range keys {
		ov.KeysByStatus[keys[i].Status(now)]++
	}
	for i := range limits {
		if limits[i].IsActive {
			ov.ActiveLimits++
		}
	}
	return ov
}

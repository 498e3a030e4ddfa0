package handler

import (
	"net/http"
	"time"

	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/metrics"
	"github.com/nexusgate/nexusgate/internal/model"
	"github.com/nexusgate/nexusgate/internal/server/middleware"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
	summaryWindow   = 24 * time.Hour
)

// LogHandler serves the violation log.
type LogHandler struct {
	store *config.Store
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(store *config.Store) *LogHandler {
	return &LogHandler{store: store}
}

type createLogRequest struct {
	Timestamp     *time.Time `json:"timestamp"`
	APIName       string     `json:"apiName" validate:"required,max=200"`
	Endpoint      string     `json:"endpoint" validate:"required,max=2000"`
	ViolationType string     `json:"violationType" validate:"required,violation_type"`
	Source        string     `json:"source" validate:"max=200"`
	StatusCode    int        `json:"statusCode" validate:"omitempty,gte=100,lte=599"`
	Details       string     `json:"details" validate:"max=4000"`
	RequestID     string     `json:"requestId" validate:"max=100"`
}

// ListLogs returns violations newest first.
// GET /logs?violationType=&search=&since=&limit=&offset=
func (h *LogHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	filter := model.LogFilter{
		ViolationType: queryString(r, "violationType"),
		Search:        queryString(r, "search"),
		Limit:         clampInt(queryInt(r, "limit", defaultLogLimit), 1, maxLogLimit),
		Offset:        max(queryInt(r, "offset", 0), 0),
	}
	if filter.ViolationType != "" && !model.ValidViolationType(filter.ViolationType) {
		writeError(w, r, http.StatusBadRequest, "Unknown violationType: "+filter.ViolationType)
		return
	}
	if raw := queryString(r, "since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = &since
	}

	entries, err := h.store.ListLogEntries(r.Context(), filter)
	if err != nil {
		writeStoreError(w, r, err, "Failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Summary counts violations per type over the last 24 hours.
// GET /logs/summary
func (h *LogHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.store.SummarizeLogs(r.Context(), time.Now().UTC().Add(-summaryWindow))
	if err != nil {
		writeStoreError(w, r, err, "Failed to summarize logs")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CreateLog ingests one violation reported by the enforcement layer. The
// request id defaults to the id of the ingesting request.
// POST /logs
func (h *LogHandler) CreateLog(w http.ResponseWriter, r *http.Request) {
	var req createLogRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	entry := &model.LogEntry{
		APIName:       req.APIName,
		Endpoint:      req.Endpoint,
		ViolationType: req.ViolationType,
		Source:        req.Source,
		StatusCode:    req.StatusCode,
		Details:       req.Details,
		RequestID:     req.RequestID,
	}
	if req.Timestamp != nil {
		entry.Timestamp = req.Timestamp.UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(r.Context())
	}

	if err := h.store.CreateLogEntry(r.Context(), entry); err != nil {
		writeStoreError(w, r, err, "Failed to record violation")
		return
	}
	metrics.ViolationsTotal.WithLabelValues(entry.ViolationType).Inc()
	writeJSON(w, http.StatusCreated, entry)
}

package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nexusgate/nexusgate/internal/loadtest"
	"github.com/nexusgate/nexusgate/internal/model"
)

// LogQuery narrows a violation log listing.
type LogQuery struct {
	ViolationType string
	Search        string
	Since         time.Time
	Limit         int
	Offset        int
}

func (q LogQuery) values() url.Values {
	v := url.Values{}
	if q.ViolationType != "" {
		v.Set("violationType", q.ViolationType)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if !q.Since.IsZero() {
		v.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// ListLogs returns violations newest first.
func (c *Client) ListLogs(ctx context.Context, q LogQuery) ([]model.LogEntry, error) {
	v := q.values()
	return get[[]model.LogEntry](ctx, c, "logs:"+v.Encode(), []string{tagLogs}, "/logs", v)
}

// LogSummary counts the last day's violations per type.
func (c *Client) LogSummary(ctx context.Context) (*model.LogSummary, error) {
	s, err := get[model.LogSummary](ctx, c, "logs:summary", []string{tagLogs}, "/logs/summary", nil)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RecordViolation appends a violation to the log (admin only).
func (c *Client) RecordViolation(ctx context.Context, entry model.LogEntry) (*model.LogEntry, error) {
	var out model.LogEntry
	if err := c.mutate(ctx, http.MethodPost, "/logs", entry, &out, tagLogs); err != nil {
		return nil, err
	}
	return &out, nil
}

// Overview returns the dashboard counters.
func (c *Client) Overview(ctx context.Context) (*model.Overview, error) {
	o, err := get[model.Overview](ctx, c, "overview", []string{tagRoutes, tagKeys, tagLimits, tagLogs}, "/overview", nil)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ---------------------------------------------------------------------------
// Load tests (never cached; status changes while a run is in progress)
// ---------------------------------------------------------------------------

// StartLoadTest starts a run on the server.
func (c *Client) StartLoadTest(ctx context.Context, cfg loadtest.Config) (*loadtest.Status, error) {
	var st loadtest.Status
	if err := c.do(ctx, http.MethodPost, "/load-test/start", nil, cfg, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LoadTestStatus returns a run's progress.
func (c *Client) LoadTestStatus(ctx context.Context, id string) (*loadtest.Status, error) {
	var st loadtest.Status
	if err := c.do(ctx, http.MethodGet, "/load-test/status/"+url.PathEscape(id), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LoadTestResults returns a run's measurements so far.
func (c *Client) LoadTestResults(ctx context.Context, id string) (*loadtest.Results, error) {
	var res loadtest.Results
	if err := c.do(ctx, http.MethodGet, "/load-test/results/"+url.PathEscape(id), nil, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StopLoadTest cancels a run.
func (c *Client) StopLoadTest(ctx context.Context, id string) (*loadtest.Status, error) {
	var st loadtest.Status
	if err := c.do(ctx, http.MethodPost, "/load-test/stop/"+url.PathEscape(id), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

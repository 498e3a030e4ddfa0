package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ---------------------------------------------------------------------------
// Violation logs
// ---------------------------------------------------------------------------

// CreateLogEntry records a violation. A zero Timestamp is set to now.
func (s *Store) CreateLogEntry(ctx context.Context, entry *model.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	const q = `INSERT INTO violation_logs
		(occurred_at, api_name, endpoint, violation_type, source, status_code, details, request_id)
		VALUES
		(:occurred_at, :api_name, :endpoint, :violation_type, :source, :status_code, :details, :request_id)`

	id, err := s.insert(ctx, s.db, q, entry)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	entry.ID = id
	return nil
}

// ListLogEntries returns violations newest first, narrowed by filter.
func (s *Store) ListLogEntries(ctx context.Context, filter model.LogFilter) ([]model.LogEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ViolationType != "" {
		where = append(where, "violation_type = ?")
		args = append(args, filter.ViolationType)
	}
	if filter.Search != "" {
		like := "%" + strings.ToLower(filter.Search) + "%"
		where = append(where, "(LOWER(api_name) LIKE ? OR LOWER(source) LIKE ? OR LOWER(endpoint) LIKE ?)")
		args = append(args, like, like, like)
	}
	if filter.Since != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	q := "SELECT * FROM violation_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	entries := []model.LogEntry{}
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	return entries, nil
}

// SummarizeLogs counts violations per type since the given time.
func (s *Store) SummarizeLogs(ctx context.Context, since time.Time) (*model.LogSummary, error) {
	var rows []struct {
		ViolationType string `db:"violation_type"`
		N             int64  `db:"n"`
	}
	const q = `SELECT violation_type, COUNT(*) AS n FROM violation_logs
		WHERE occurred_at >= ? GROUP BY violation_type`
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), since.UTC()); err != nil {
		return nil, fmt.Errorf("summarize log entries: %w", err)
	}

	summary := &model.LogSummary{Since: since.UTC(), ByType: make(map[string]int64, len(model.ViolationTypes))}
	for _, t := range model.ViolationTypes {
		summary.ByType[t] = 0
	}
	for _, r := range rows {
		summary.ByType[r.ViolationType] = r.N
		summary.Total += r.N
	}
	return summary, nil
}

// PruneLogEntries deletes violations recorded before cutoff and returns how
// many were removed.
func (s *Store) PruneLogEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM violation_logs WHERE occurred_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune log entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune log entries rows affected: %w", err)
	}
	return n, nil
}

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusgate/nexusgate/internal/model"
)

// ---------------------------------------------------------------------------
// Service route CRUD
// ---------------------------------------------------------------------------

// routeRow is a flat struct that maps 1:1 to the service_routes table. The
// allowed_methods column stores the JSON-encoded method list.
type routeRow struct {
	ID                 int64     `db:"id"`
	Name               string    `db:"name"`
	Path               string    `db:"path"`
	TargetURL          string    `db:"target_url"`
	AllowedMethodsJSON string    `db:"allowed_methods"`
	RequestsPerMinute  int       `db:"requests_per_minute"`
	RequestsPerHour    int       `db:"requests_per_hour"`
	IsActive           bool      `db:"is_active"`
	CreatedBy          *int64    `db:"created_by"`
	Notes              string    `db:"notes"`
	P95LatencyMs       float64   `db:"p95_latency_ms"`
	ErrorRate          float64   `db:"error_rate"`
	RequestsObserved   int64     `db:"requests_observed"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

func routeRowFromModel(r *model.ServiceRoute) (routeRow, error) {
	methods := r.AllowedMethods
	if methods == nil {
		methods = []string{}
	}
	methodsJSON, err := json.Marshal(methods)
	if err != nil {
		return routeRow{}, fmt.Errorf("marshal allowed methods: %w", err)
	}
	return routeRow{
		ID:                 r.ID,
		Name:               r.Name,
		Path:               r.Path,
		TargetURL:          r.TargetURL,
		AllowedMethodsJSON: string(methodsJSON),
		RequestsPerMinute:  r.RequestsPerMinute,
		RequestsPerHour:    r.RequestsPerHour,
		IsActive:           r.IsActive,
		CreatedBy:          r.CreatedBy,
		Notes:              r.Notes,
		P95LatencyMs:       r.P95LatencyMs,
		ErrorRate:          r.ErrorRate,
		RequestsObserved:   r.RequestsObserved,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}, nil
}

func (r routeRow) toModel() (model.ServiceRoute, error) {
	var methods []string
	if r.AllowedMethodsJSON != "" {
		if err := json.Unmarshal([]byte(r.AllowedMethodsJSON), &methods); err != nil {
			return model.ServiceRoute{}, fmt.Errorf("unmarshal allowed methods: %w", err)
		}
	}
	if methods == nil {
		methods = []string{}
	}
	return model.ServiceRoute{
		ID:                r.ID,
		Name:              r.Name,
		Path:              r.Path,
		TargetURL:         r.TargetURL,
		AllowedMethods:    methods,
		RequestsPerMinute: r.RequestsPerMinute,
		RequestsPerHour:   r.RequestsPerHour,
		IsActive:          r.IsActive,
		CreatedBy:         r.CreatedBy,
		Notes:             r.Notes,
		P95LatencyMs:      r.P95LatencyMs,
		ErrorRate:         r.ErrorRate,
		RequestsObserved:  r.RequestsObserved,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func routesFromRows(rows []routeRow) ([]model.ServiceRoute, error) {
	routes := make([]model.ServiceRoute, 0, len(rows))
	for _, r := range rows {
		route, err := r.toModel()
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// checkActivePath fails with ErrConflict when another active route already
// uses path.
func (s *Store) checkActivePath(ctx context.Context, tx *sqlx.Tx, path string, exceptID int64) error {
	n, err := s.count(ctx, tx,
		"SELECT COUNT(*) FROM service_routes WHERE path = ? AND is_active = ? AND id <> ?",
		path, true, exceptID)
	if err != nil {
		return fmt.Errorf("check route path: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("path %s is already used by an active route: %w", path, ErrConflict)
	}
	return nil
}

// CreateRoute inserts a new service route. The ID, CreatedAt, and UpdatedAt
// fields are populated after a successful insert.
func (s *Store) CreateRoute(ctx context.Context, route *model.ServiceRoute) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.createRoute(ctx, tx, route)
	})
}

func (s *Store) createRoute(ctx context.Context, tx *sqlx.Tx, route *model.ServiceRoute) error {
	if err := ValidateRoute(route); err != nil {
		return err
	}
	now := time.Now().UTC()
	route.CreatedAt = now
	route.UpdatedAt = now

	row, err := routeRowFromModel(route)
	if err != nil {
		return err
	}
	if route.IsActive {
		if err := s.checkActivePath(ctx, tx, route.Path, 0); err != nil {
			return err
		}
	}

	const q = `INSERT INTO service_routes
		(name, path, target_url, allowed_methods, requests_per_minute, requests_per_hour,
		 is_active, created_by, notes, p95_latency_ms, error_rate, requests_observed,
		 created_at, updated_at)
		VALUES
		(:name, :path, :target_url, :allowed_methods, :requests_per_minute, :requests_per_hour,
		 :is_active, :created_by, :notes, :p95_latency_ms, :error_rate, :requests_observed,
		 :created_at, :updated_at)`

	id, err := s.insert(ctx, tx, q, row)
	if err != nil {
		return fmt.Errorf("insert service route: %w", err)
	}
	route.ID = id
	return nil
}

// GetRoute returns a service route by ID.
func (s *Store) GetRoute(ctx context.Context, id int64) (*model.ServiceRoute, error) {
	var row routeRow
	if err := s.get(ctx, s.db, &row, "SELECT * FROM service_routes WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("get service route: %w", err)
	}
	route, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// GetRouteByPath returns the route registered at path, preferring the active
// one when inactive routes share the path.
func (s *Store) GetRouteByPath(ctx context.Context, path string) (*model.ServiceRoute, error) {
	return s.routeByPath(ctx, s.db, path)
}

func (s *Store) routeByPath(ctx context.Context, q sqlx.QueryerContext, path string) (*model.ServiceRoute, error) {
	var row routeRow
	const query = `SELECT * FROM service_routes WHERE path = ?
		ORDER BY CASE WHEN is_active = ? THEN 0 ELSE 1 END, id LIMIT 1`
	if err := s.get(ctx, q, &row, query, path, true); err != nil {
		return nil, fmt.Errorf("get service route by path: %w", err)
	}
	route, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &route, nil
}

// ListRoutes returns service routes in insertion order, optionally only the
// active ones.
func (s *Store) ListRoutes(ctx context.Context, activeOnly bool) ([]model.ServiceRoute, error) {
	var rows []routeRow
	var err error
	if activeOnly {
		err = s.db.SelectContext(ctx, &rows,
			s.db.Rebind("SELECT * FROM service_routes WHERE is_active = ? ORDER BY id"), true)
	} else {
		err = s.db.SelectContext(ctx, &rows, "SELECT * FROM service_routes ORDER BY id")
	}
	if err != nil {
		return nil, fmt.Errorf("list service routes: %w", err)
	}
	return routesFromRows(rows)
}

// UpdateRoute saves the route's configuration fields. Telemetry columns are
// left untouched; see UpdateRouteTelemetry.
func (s *Store) UpdateRoute(ctx context.Context, route *model.ServiceRoute) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.updateRoute(ctx, tx, route)
	})
}

func (s *Store) updateRoute(ctx context.Context, tx *sqlx.Tx, route *model.ServiceRoute) error {
	if err := ValidateRoute(route); err != nil {
		return err
	}
	route.UpdatedAt = time.Now().UTC()
	row, err := routeRowFromModel(route)
	if err != nil {
		return err
	}
	if route.IsActive {
		if err := s.checkActivePath(ctx, tx, route.Path, route.ID); err != nil {
			return err
		}
	}

	const q = `UPDATE service_routes SET
		name = :name, path = :path, target_url = :target_url, allowed_methods = :allowed_methods,
		requests_per_minute = :requests_per_minute, requests_per_hour = :requests_per_hour,
		is_active = :is_active, notes = :notes, updated_at = :updated_at
		WHERE id = :id`

	if err := s.namedExec(ctx, tx, q, row); err != nil {
		return fmt.Errorf("update service route: %w", err)
	}
	return nil
}

// ToggleRoute flips the route's active flag and returns the updated route.
// Re-activating a route whose path is now taken fails with ErrConflict.
func (s *Store) ToggleRoute(ctx context.Context, id int64) (*model.ServiceRoute, error) {
	route, err := s.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	route.IsActive = !route.IsActive
	if err := s.UpdateRoute(ctx, route); err != nil {
		return nil, err
	}
	return route, nil
}

// UpdateRouteTelemetry records the latest health sample for a route.
func (s *Store) UpdateRouteTelemetry(ctx context.Context, id int64, t model.RouteTelemetry) error {
	const q = `UPDATE service_routes SET
		p95_latency_ms = ?, error_rate = ?, requests_observed = ?
		WHERE id = ?`
	if err := s.exec(ctx, s.db, q, t.P95LatencyMs, t.ErrorRate, t.RequestsObserved, id); err != nil {
		return fmt.Errorf("update route telemetry: %w", err)
	}
	return nil
}

// DeleteRoute removes a service route. It fails with ErrConflict while any
// active rate-limit record references the route; inactive references are
// deleted in the same transaction.
func (s *Store) DeleteRoute(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return s.deleteReferenced(ctx, tx, "service_routes", "service_route_id", id)
	})
}

// RouteExists reports whether a route with id exists, active or not.
func (s *Store) RouteExists(ctx context.Context, id int64) (bool, error) {
	n, err := s.count(ctx, s.db, "SELECT COUNT(*) FROM service_routes WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("check service route: %w", err)
	}
	return n > 0, nil
}

// deleteReferenced deletes row id from table after clearing inactive
// rate-limit records that point at it through refCol.
func (s *Store) deleteReferenced(ctx context.Context, tx *sqlx.Tx, table, refCol string, id int64) error {
	n, err := s.count(ctx, tx, "SELECT COUNT(*) FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	active, err := s.count(ctx, tx,
		"SELECT COUNT(*) FROM rate_limits WHERE "+refCol+" = ? AND is_active = ?", id, true)
	if err != nil {
		return fmt.Errorf("check rate limit references: %w", err)
	}
	if active > 0 {
		return fmt.Errorf("%d active rate limit(s) reference this record: %w", active, ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, s.db.Rebind("DELETE FROM rate_limits WHERE "+refCol+" = ?"), id); err != nil {
		return fmt.Errorf("delete inactive rate limits: %w", err)
	}
	if err := s.exec(ctx, tx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

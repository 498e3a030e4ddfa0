package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/config"
	"github.com/nexusgate/nexusgate/internal/model"
)

// fakeSource is an in-memory Source that records every tier lookup.
type fakeSource struct {
	routes  map[int64]bool
	keys    map[int64]bool
	records []model.RateLimit
	lookups []model.Source
	failOn  model.Source
}

func newFakeSource() *fakeSource {
	return &fakeSource{routes: map[int64]bool{}, keys: map[int64]bool{}}
}

func (f *fakeSource) RouteExists(_ context.Context, id int64) (bool, error) { return f.routes[id], nil }
func (f *fakeSource) APIKeyExists(_ context.Context, id int64) (bool, error) { return f.keys[id], nil }

func (f *fakeSource) FindActiveRateLimit(_ context.Context, keyID, routeID *int64) (*model.RateLimit, error) {
	scope := model.ScopeOf(keyID, routeID)
	f.lookups = append(f.lookups, scope)
	if scope == f.failOn {
		return nil, errors.New("database is on fire")
	}

	var matches []model.RateLimit
	for _, rl := range f.records {
		if rl.IsActive && sameID(rl.APIKeyID, keyID) && sameID(rl.ServiceRouteID, routeID) {
			matches = append(matches, rl)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("find %s: %w", scope, config.ErrNotFound)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return &matches[0], nil
}

func (f *fakeSource) add(id int64, keyID, routeID *int64, rpm int, active bool) {
	f.records = append(f.records, rec(id, keyID, routeID, rpm, active))
}

func rec(id int64, keyID, routeID *int64, rpm int, active bool) model.RateLimit {
	return model.RateLimit{
		ID:                id,
		APIKeyID:          keyID,
		ServiceRouteID:    routeID,
		RequestsPerMinute: rpm,
		RequestsPerHour:   rpm * 10,
		RequestsPerDay:    rpm * 100,
		IsActive:          active,
	}
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func ptr(v int64) *int64 { return &v }

var testFallback = model.Limits{RequestsPerMinute: 60, RequestsPerHour: 1000, RequestsPerDay: 10000}

// ---------------------------------------------------------------------------
// Precedence
// ---------------------------------------------------------------------------

func TestResolvePrecedence(t *testing.T) {
	const k1, k2, r1, r2 = 1, 2, 10, 20

	tests := []struct {
		name     string
		records  []model.RateLimit
		query    Query
		wantSrc  model.Source
		wantRPM  int
		wantRLID *int64
	}{
		{
			name:    "specific beats every lower tier",
			records: []model.RateLimit{rec(1, nil, nil, 5, true), rec(2, ptr(k1), nil, 6, true), rec(3, nil, ptr(r1), 7, true), rec(4, ptr(k1), ptr(r1), 8, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceSpecific, wantRPM: 8, wantRLID: ptr(4),
		},
		{
			name:    "route default beats key global",
			records: []model.RateLimit{rec(1, nil, nil, 5, true), rec(2, ptr(k1), nil, 6, true), rec(3, nil, ptr(r1), 7, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceRouteDefault, wantRPM: 7, wantRLID: ptr(3),
		},
		{
			name:    "key global beats system default",
			records: []model.RateLimit{rec(1, nil, nil, 5, true), rec(2, ptr(k1), nil, 6, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceKeyGlobal, wantRPM: 6, wantRLID: ptr(2),
		},
		{
			name:    "system default record",
			records: []model.RateLimit{rec(1, nil, nil, 5, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceSystemDefault, wantRPM: 5, wantRLID: ptr(1),
		},
		{
			name:    "hard-coded fallback",
			records: nil,
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceSystemDefault, wantRPM: 60,
		},
		{
			name:    "records for other pairs are ignored",
			records: []model.RateLimit{rec(1, ptr(k2), ptr(r1), 1, true), rec(2, ptr(k1), ptr(r2), 2, true), rec(3, nil, ptr(r2), 3, true), rec(4, ptr(k2), nil, 4, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceSystemDefault, wantRPM: 60,
		},
		{
			name:    "inactive specific falls through",
			records: []model.RateLimit{rec(1, ptr(k1), ptr(r1), 10, false), rec(2, nil, ptr(r1), 100, true)},
			query:   Query{APIKeyID: ptr(k1), ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceRouteDefault, wantRPM: 100, wantRLID: ptr(2),
		},
		{
			name:    "inactive system default uses fallback",
			records: []model.RateLimit{rec(1, nil, nil, 5, false)},
			query:   Query{},
			wantSrc: model.SourceSystemDefault, wantRPM: 60,
		},
		{
			name:    "lowest id wins within a tier",
			records: []model.RateLimit{rec(9, nil, ptr(r1), 90, true), rec(3, nil, ptr(r1), 30, true), rec(5, nil, ptr(r1), 50, true)},
			query:   Query{ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceRouteDefault, wantRPM: 30, wantRLID: ptr(3),
		},
		{
			name:    "route only query skips key tiers",
			records: []model.RateLimit{rec(1, ptr(k1), nil, 6, true)},
			query:   Query{ServiceRouteID: ptr(r1)},
			wantSrc: model.SourceSystemDefault, wantRPM: 60,
		},
		{
			name:    "key only query uses key global",
			records: []model.RateLimit{rec(1, nil, ptr(r1), 7, true), rec(2, ptr(k1), nil, 6, true)},
			query:   Query{APIKeyID: ptr(k1)},
			wantSrc: model.SourceKeyGlobal, wantRPM: 6, wantRLID: ptr(2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSource()
			f.keys[k1], f.keys[k2] = true, true
			f.routes[r1], f.routes[r2] = true, true
			f.records = tt.records

			got, err := New(f, testFallback).Resolve(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Source != tt.wantSrc {
				t.Errorf("source = %s, want %s", got.Source, tt.wantSrc)
			}
			if got.RequestsPerMinute != tt.wantRPM {
				t.Errorf("rpm = %d, want %d", got.RequestsPerMinute, tt.wantRPM)
			}
			if !sameID(got.RateLimitID, tt.wantRLID) {
				t.Errorf("rate limit id = %v, want %v", got.RateLimitID, tt.wantRLID)
			}
		})
	}
}

func TestResolveReturnsOneTierNeverMerged(t *testing.T) {
	f := newFakeSource()
	f.keys[1], f.routes[1] = true, true
	f.records = []model.RateLimit{
		{ID: 1, RequestsPerMinute: 1, RequestsPerHour: 1111, RequestsPerDay: 11111, IsActive: true},
		{ID: 2, APIKeyID: ptr(1), ServiceRouteID: ptr(1), RequestsPerMinute: 2, RequestsPerHour: 22, RequestsPerDay: 222, IsActive: true},
	}

	got, err := New(f, testFallback).Resolve(context.Background(), Query{APIKeyID: ptr(1), ServiceRouteID: ptr(1)})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.RequestsPerMinute != 2 || got.RequestsPerHour != 22 || got.RequestsPerDay != 222 {
		t.Errorf("got %+v, want exactly the SPECIFIC record's values", got)
	}
}

func TestResolveTierLookups(t *testing.T) {
	tests := []struct {
		name  string
		query Query
		setup func(f *fakeSource)
		want  []model.Source
	}{
		{
			name:  "short-circuits on first match",
			query: Query{APIKeyID: ptr(1), ServiceRouteID: ptr(1)},
			setup: func(f *fakeSource) { f.add(1, ptr(1), ptr(1), 1, true) },
			want:  []model.Source{model.SourceSpecific},
		},
		{
			name:  "walks all four tiers in order",
			query: Query{APIKeyID: ptr(1), ServiceRouteID: ptr(1)},
			setup: func(f *fakeSource) {},
			want:  []model.Source{model.SourceSpecific, model.SourceRouteDefault, model.SourceKeyGlobal, model.SourceSystemDefault},
		},
		{
			name:  "no key skips specific and key global",
			query: Query{ServiceRouteID: ptr(1)},
			setup: func(f *fakeSource) {},
			want:  []model.Source{model.SourceRouteDefault, model.SourceSystemDefault},
		},
		{
			name:  "no route skips specific and route default",
			query: Query{APIKeyID: ptr(1)},
			setup: func(f *fakeSource) {},
			want:  []model.Source{model.SourceKeyGlobal, model.SourceSystemDefault},
		},
		{
			name:  "empty query asks for the global record only",
			query: Query{},
			setup: func(f *fakeSource) {},
			want:  []model.Source{model.SourceSystemDefault},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSource()
			f.keys[1], f.routes[1] = true, true
			tt.setup(f)

			if _, err := New(f, testFallback).Resolve(context.Background(), tt.query); err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if fmt.Sprint(f.lookups) != fmt.Sprint(tt.want) {
				t.Errorf("lookups = %v, want %v", f.lookups, tt.want)
			}
		})
	}
}

func TestResolveUnknownRouteOrKey(t *testing.T) {
	f := newFakeSource()
	f.keys[1], f.routes[1] = true, true
	r := New(f, testFallback)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, Query{APIKeyID: ptr(1), ServiceRouteID: ptr(99)}); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("unknown route: got %v, want ErrNotFound", err)
	}
	if _, err := r.Resolve(ctx, Query{APIKeyID: ptr(99), ServiceRouteID: ptr(1)}); !errors.Is(err, config.ErrNotFound) {
		t.Errorf("unknown key: got %v, want ErrNotFound", err)
	}
	if len(f.lookups) != 0 {
		t.Errorf("no tier should be queried for unknown ids, got %v", f.lookups)
	}
}

func TestResolvePropagatesSourceErrors(t *testing.T) {
	f := newFakeSource()
	f.routes[1] = true
	f.failOn = model.SourceRouteDefault

	_, err := New(f, testFallback).Resolve(context.Background(), Query{ServiceRouteID: ptr(1)})
	if err == nil || errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected a non-NotFound error, got %v", err)
	}
}

// TestResolveRandomized checks the tier rules against a brute-force oracle
// over random record sets.
func TestResolveRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ids := []*int64{nil, ptr(1), ptr(2)}

	for iter := 0; iter < 200; iter++ {
		f := newFakeSource()
		f.keys[1], f.keys[2], f.routes[1], f.routes[2] = true, true, true, true
		perm := rng.Perm(50)
		n := rng.Intn(8)
		for i := 0; i < n; i++ {
			f.add(int64(perm[i]+1), ids[rng.Intn(3)], ids[rng.Intn(3)], rng.Intn(500)+1, rng.Intn(3) > 0)
		}
		q := Query{APIKeyID: ids[rng.Intn(3)], ServiceRouteID: ids[rng.Intn(3)]}

		got, err := New(f, testFallback).Resolve(context.Background(), q)
		if err != nil {
			t.Fatalf("iter %d: Resolve: %v", iter, err)
		}
		again, _ := New(f, testFallback).Resolve(context.Background(), q)
		if got.Source != again.Source || !sameID(got.RateLimitID, again.RateLimitID) || got.RequestsPerMinute != again.RequestsPerMinute {
			t.Fatalf("iter %d: resolution not idempotent: %+v vs %+v", iter, got, again)
		}

		wantSrc, wantRL := oracle(f.records, q)
		if got.Source != wantSrc {
			t.Fatalf("iter %d: source = %s, want %s (records %+v, query %+v)", iter, got.Source, wantSrc, f.records, q)
		}
		if wantRL == nil {
			if got.RateLimitID != nil || got.RequestsPerMinute != testFallback.RequestsPerMinute {
				t.Fatalf("iter %d: expected fallback, got %+v", iter, got)
			}
		} else if got.RateLimitID == nil || *got.RateLimitID != wantRL.ID || got.RequestsPerMinute != wantRL.RequestsPerMinute {
			t.Fatalf("iter %d: got %+v, want record %+v", iter, got, wantRL)
		}
	}
}

// oracle resolves by scanning tiers over the full record list.
func oracle(records []model.RateLimit, q Query) (model.Source, *model.RateLimit) {
	type tierSpec struct {
		src                model.Source
		key, route         *int64
		needKey, needRoute bool
	}
	tiers := []tierSpec{
		{model.SourceSpecific, q.APIKeyID, q.ServiceRouteID, true, true},
		{model.SourceRouteDefault, nil, q.ServiceRouteID, false, true},
		{model.SourceKeyGlobal, q.APIKeyID, nil, true, false},
		{model.SourceSystemDefault, nil, nil, false, false},
	}
	for _, t := range tiers {
		if (t.needKey && q.APIKeyID == nil) || (t.needRoute && q.ServiceRouteID == nil) {
			continue
		}
		var best *model.RateLimit
		for i := range records {
			rl := &records[i]
			if rl.IsActive && sameID(rl.APIKeyID, t.key) && sameID(rl.ServiceRouteID, t.route) {
				if best == nil || rl.ID < best.ID {
					best = rl
				}
			}
		}
		if best != nil {
			return t.src, best
		}
	}
	return model.SourceSystemDefault, nil
}

// ---------------------------------------------------------------------------
// Against the real store
// ---------------------------------------------------------------------------

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	s, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRoute(t *testing.T, s *config.Store, path string) int64 {
	t.Helper()
	r := &model.ServiceRoute{Name: path, Path: path, TargetURL: "http://upstream" + path,
		AllowedMethods: []string{"GET"}, RequestsPerMinute: 60, RequestsPerHour: 1000, IsActive: true}
	if err := s.CreateRoute(context.Background(), r); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	return r.ID
}

func mustKey(t *testing.T, s *config.Store, name string) int64 {
	t.Helper()
	k := &model.APIKey{KeyHash: config.HashAPIKey(name), KeyPrefix: name, ClientName: name, IsActive: true}
	if err := s.CreateAPIKey(context.Background(), k); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}
	return k.ID
}

func mustLimit(t *testing.T, s *config.Store, keyID, routeID *int64, rpm int) *model.RateLimit {
	t.Helper()
	rl := &model.RateLimit{APIKeyID: keyID, ServiceRouteID: routeID, RequestsPerMinute: rpm,
		RequestsPerHour: rpm * 60, RequestsPerDay: rpm * 1440, Algorithm: model.AlgorithmTokenBucket, IsActive: true}
	if err := s.CreateRateLimit(context.Background(), rl); err != nil {
		t.Fatalf("CreateRateLimit: %v", err)
	}
	return rl
}

func TestScenarios(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := New(s, model.DefaultLimits())

	r1 := mustRoute(t, s, "/orders")
	k1 := mustKey(t, s, "k1")
	k2 := mustKey(t, s, "k2")

	check := func(key, route int64) *model.RateLimitCheckResult {
		t.Helper()
		res, err := r.Resolve(ctx, Query{APIKeyID: &key, ServiceRouteID: &route})
		if err != nil {
			t.Fatalf("Resolve(%d,%d): %v", key, route, err)
		}
		return res
	}

	// 1. No records at all.
	res := check(k1, r1)
	if res.Source != model.SourceSystemDefault || res.RequestsPerMinute != 60 || res.RateLimitID != nil {
		t.Fatalf("scenario 1: got %+v", res)
	}

	// 2. Route default.
	routeDefault := mustLimit(t, s, nil, &r1, 100)
	res = check(k1, r1)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 2: got %+v", res)
	}

	// 3. Specific for K1 only.
	specific := mustLimit(t, s, &k1, &r1, 10)
	res = check(k1, r1)
	if res.Source != model.SourceSpecific || res.RequestsPerMinute != 10 {
		t.Fatalf("scenario 3 (K1): got %+v", res)
	}
	res = check(k2, r1)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 3 (K2): got %+v", res)
	}
	if first, second := check(k1, r1), check(k1, r1); *first.RateLimitID != *second.RateLimitID {
		t.Fatalf("resolution not idempotent: %+v vs %+v", first, second)
	}

	// 4. Specific switched off.
	if _, err := s.ToggleRateLimit(ctx, specific.ID); err != nil {
		t.Fatalf("ToggleRateLimit: %v", err)
	}
	res = check(k1, r1)
	if res.Source != model.SourceRouteDefault || res.RequestsPerMinute != 100 {
		t.Fatalf("scenario 4: got %+v", res)
	}

	// 5. Route deletion.
	if err := s.DeleteRoute(ctx, r1); !errors.Is(err, config.ErrConflict) {
		t.Fatalf("scenario 5: delete with active route default: got %v, want ErrConflict", err)
	}
	if _, err := s.ToggleRateLimit(ctx, routeDefault.ID); err != nil {
		t.Fatalf("ToggleRateLimit: %v", err)
	}
	if err := s.DeleteRoute(ctx, r1); err != nil {
		t.Fatalf("scenario 5: delete after deactivation: %v", err)
	}
	if _, err := r.Resolve(ctx, Query{APIKeyID: &k1, ServiceRouteID: &r1}); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("scenario 5: check after delete: got %v, want ErrNotFound", err)
	}
}

func TestInactiveRouteStillResolves(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := mustRoute(t, s, "/orders")
	mustLimit(t, s, nil, &r1, 100)
	if _, err := s.ToggleRoute(ctx, r1); err != nil {
		t.Fatalf("ToggleRoute: %v", err)
	}

	res, err := New(s, model.DefaultLimits()).Resolve(ctx, Query{ServiceRouteID: &r1})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != model.SourceRouteDefault {
		t.Errorf("source = %s, want ROUTE_DEFAULT", res.Source)
	}
}

// ---------------------------------------------------------------------------
// Cached
// ---------------------------------------------------------------------------

func TestCachedInvalidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := mustRoute(t, s, "/orders")
	k1 := mustKey(t, s, "k1")
	c := NewCached(New(s, model.DefaultLimits()), cache.NewLoader(cache.NewMemory(100), time.Minute))
	q := Query{APIKeyID: &k1, ServiceRouteID: &r1}

	res, err := c.Resolve(ctx, q)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != model.SourceSystemDefault {
		t.Fatalf("source = %s, want SYSTEM_DEFAULT", res.Source)
	}

	// A write without invalidation is not visible yet.
	rl := mustLimit(t, s, nil, &r1, 100)
	res, _ = c.Resolve(ctx, q)
	if res.Source != model.SourceSystemDefault {
		t.Fatalf("expected cached SYSTEM_DEFAULT, got %s", res.Source)
	}

	if err := c.InvalidateLimits(ctx); err != nil {
		t.Fatalf("InvalidateLimits: %v", err)
	}
	res, _ = c.Resolve(ctx, q)
	if res.Source != model.SourceRouteDefault || res.RateLimitID == nil || *res.RateLimitID != rl.ID {
		t.Fatalf("after invalidation: got %+v", res)
	}

	// Route tag invalidation clears results naming the route.
	if _, err := s.ToggleRateLimit(ctx, rl.ID); err != nil {
		t.Fatalf("ToggleRateLimit: %v", err)
	}
	if err := c.InvalidateRoute(ctx, r1); err != nil {
		t.Fatalf("InvalidateRoute: %v", err)
	}
	res, _ = c.Resolve(ctx, q)
	if res.Source != model.SourceSystemDefault {
		t.Fatalf("after route invalidation: got %s", res.Source)
	}
}

func TestCachedDoesNotCacheNotFound(t *testing.T) {
	f := newFakeSource()
	c := NewCached(New(f, testFallback), cache.NewLoader(cache.NewMemory(10), time.Minute))
	ctx := context.Background()
	q := Query{ServiceRouteID: ptr(7)}

	if _, err := c.Resolve(ctx, q); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	f.routes[7] = true
	if _, err := c.Resolve(ctx, q); err != nil {
		t.Fatalf("after route appears: %v", err)
	}
}

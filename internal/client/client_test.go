package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/nexusgate/internal/cache"
	"github.com/nexusgate/nexusgate/internal/model"
)

// fakeAPI is a scripted control plane that counts hits per path.
type fakeAPI struct {
	mu     sync.Mutex
	hits   map[string]int
	routes []model.ServiceRoute
	srv    *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		hits:   map[string]int{},
		routes: []model.ServiceRoute{{ID: 1, Name: "Orders", Path: "/orders", IsActive: true}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/service-routes", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			routes := append([]model.ServiceRoute(nil), f.routes...)
			f.mu.Unlock()
			writeJSON(w, http.StatusOK, routes)
		case http.MethodPost:
			var in CreateRouteInput
			_ = json.NewDecoder(r.Body).Decode(&in)
			f.mu.Lock()
			route := model.ServiceRoute{ID: int64(len(f.routes) + 1), Name: in.Name, Path: in.Path, IsActive: true}
			f.routes = append(f.routes, route)
			f.mu.Unlock()
			writeJSON(w, http.StatusCreated, route)
		}
	})
	mux.HandleFunc("/service-routes/99", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeEnvelope(w, r, http.StatusNotFound, "Service route not found")
	})
	mux.HandleFunc("/rate-limits", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeEnvelope(w, r, http.StatusConflict, "an active rate limit already covers this scope")
	})
	mux.HandleFunc("/rate-limits/check", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		writeJSON(w, http.StatusOK, model.RateLimitCheckResult{RequestsPerMinute: 60, Source: model.SourceSystemDefault})
	})
	mux.HandleFunc("/api/users/signin", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["password"] != "correct-horse" {
			writeEnvelope(w, r, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		writeJSON(w, http.StatusOK, model.AuthResponse{
			Token: "token-1", TokenType: "Bearer", ExpiresIn: 3600,
			User: model.User{ID: 1, Email: body["email"], Role: model.RoleAdmin},
		})
	})
	mux.HandleFunc("/api/users/me", func(w http.ResponseWriter, r *http.Request) {
		f.hit(r)
		if r.Header.Get("Authorization") != "Bearer token-1" {
			writeEnvelope(w, r, http.StatusUnauthorized, "Invalid token")
			return
		}
		writeJSON(w, http.StatusOK, model.User{ID: 1, Email: "admin@example.com", Role: model.RoleAdmin})
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) hit(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.Method+" "+r.URL.Path]++
}

func (f *fakeAPI) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Error:     http.StatusText(status),
		Message:   msg,
		Path:      r.URL.Path,
	})
}

func TestReadsAreCached(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		routes, err := c.ListRoutes(ctx, false)
		require.NoError(t, err)
		assert.Len(t, routes, 1)
	}
	assert.Equal(t, 1, api.count("GET /service-routes"))

	// A different query key is a separate entry.
	_, err := c.ListRoutes(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("GET /service-routes"))
}

func TestMutationInvalidatesDependentReads(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL)
	ctx := context.Background()

	_, err := c.ListRoutes(ctx, false)
	require.NoError(t, err)
	_, err = c.CheckRateLimit(ctx, nil, nil)
	require.NoError(t, err)

	created, err := c.CreateRoute(ctx, CreateRouteInput{Name: "Users", Path: "/users", TargetURL: "http://users.internal"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), created.ID)

	routes, err := c.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, routes, 2, "list must reflect the create")
	assert.Equal(t, 2, api.count("GET /service-routes"))

	_, err = c.CheckRateLimit(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("GET /rate-limits/check"), "checks are dropped by route writes")
}

func TestFailedMutationKeepsCache(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL)
	ctx := context.Background()

	_, err := c.CheckRateLimit(ctx, nil, nil)
	require.NoError(t, err)

	_, err = c.CreateRateLimit(ctx, CreateRateLimitInput{Name: "dup", RequestsPerMinute: 1, RequestsPerHour: 1, RequestsPerDay: 1})
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	_, err = c.CheckRateLimit(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("GET /rate-limits/check"))
}

func TestConcurrentReadsShareOneLoad(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, []model.ServiceRoute{})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ListRoutes(context.Background(), false)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestAPIErrorEnvelope(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL)

	_, err := c.GetRoute(context.Background(), 99)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "Not Found", apiErr.Reason)
	assert.Equal(t, "Service route not found", apiErr.Message)
	assert.Equal(t, "/service-routes/99", apiErr.Path)
	assert.False(t, apiErr.Timestamp.IsZero())
	assert.True(t, IsNotFound(err))
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	// Errors are never cached.
	_, err = c.GetRoute(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, 2, api.count("GET /service-routes/99"))
}

func TestNonEnvelopeError(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL)

	err := c.do(context.Background(), http.MethodGet, "/plain", nil, nil, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Reason)
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.Equal(t, "/plain", apiErr.Path)
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c := New(addr, WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.ListRoutes(context.Background(), false)
	require.Error(t, err)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.MethodGet, netErr.Method)
	assert.Equal(t, 0, StatusCode(err))
}

func TestSignInPersistsSession(t *testing.T) {
	api := newFakeAPI(t)
	path := filepath.Join(t.TempDir(), "session.json")
	sess, err := LoadSession(path)
	require.NoError(t, err)
	assert.False(t, sess.Authenticated())

	c := New(api.srv.URL, WithSession(sess))
	ctx := context.Background()

	_, err = c.SignIn(ctx, "admin@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.NoFileExists(t, path)

	resp, err := c.SignIn(ctx, "admin@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "token-1", resp.Token)
	assert.FileExists(t, path)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", me.Email)

	// A second process picks the session up from disk.
	reloaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.Equal(t, "token-1", reloaded.Token())
	require.NotNil(t, reloaded.User())
	assert.Equal(t, model.RoleAdmin, reloaded.User().Role)

	require.NoError(t, c.SignOut(ctx))
	assert.False(t, sess.Authenticated())
	assert.NoFileExists(t, path)
}

func TestUnauthorizedClearsSession(t *testing.T) {
	api := newFakeAPI(t)
	path := filepath.Join(t.TempDir(), "session.json")
	sess, err := LoadSession(path)
	require.NoError(t, err)
	require.NoError(t, sess.Set("stale-token", &model.User{ID: 1}, time.Now().Add(time.Hour)))

	c := New(api.srv.URL, WithSession(sess))
	ctx := context.Background()

	_, err = c.ListRoutes(ctx, false)
	require.NoError(t, err)

	_, err = c.Me(ctx)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, sess.Authenticated())
	assert.Nil(t, sess.User())
	assert.NoFileExists(t, path)

	// Reads cached under the dropped session are refetched.
	_, err = c.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("GET /service-routes"))
}

func TestLoadSessionDiscardsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	sess, err := LoadSession(path)
	require.NoError(t, err)
	require.NoError(t, sess.Set("old", &model.User{ID: 1}, time.Now().Add(-time.Minute)))

	reloaded, err := LoadSession(path)
	require.NoError(t, err)
	assert.False(t, reloaded.Authenticated())
}

func TestSharedRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	api := newFakeAPI(t)

	newClient := func() *Client {
		rc, err := cache.NewRedis(ctx, "redis://"+mr.Addr())
		require.NoError(t, err)
		t.Cleanup(func() { rc.Close() })
		return New(api.srv.URL, WithCache(rc))
	}
	a, b := newClient(), newClient()

	_, err := a.ListRoutes(ctx, false)
	require.NoError(t, err)
	_, err = b.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, api.count("GET /service-routes"), "second client reads the shared entry")

	_, err = b.CreateRoute(ctx, CreateRouteInput{Name: "Users", Path: "/users", TargetURL: "http://users.internal"})
	require.NoError(t, err)

	routes, err := a.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Len(t, routes, 2, "invalidation by one client is seen by the other")
}

func TestStaleTime(t *testing.T) {
	api := newFakeAPI(t)
	c := New(api.srv.URL, WithStaleTime(50*time.Millisecond))
	ctx := context.Background()

	_, err := c.ListRoutes(ctx, false)
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)
	_, err = c.ListRoutes(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, api.count("GET /service-routes"))
}

func TestLogQueryValues(t *testing.T) {
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := LogQuery{ViolationType: "timeout", Search: "orders", Since: since, Limit: 10, Offset: 20}.values()
	assert.Equal(t, "timeout", v.Get("violationType"))
	assert.Equal(t, "orders", v.Get("search"))
	assert.Equal(t, "2026-01-02T03:04:05Z", v.Get("since"))
	assert.Equal(t, "10", v.Get("limit"))
	assert.Equal(t, "20", v.Get("offset"))

	assert.Empty(t, LogQuery{}.values())
}

// Package loadtest drives synthetic traffic at a gateway route and reports
// throughput, status code counts and latency percentiles. Runs are paced by a
// token-bucket limiter shared by a fixed pool of workers and are kept in
// memory by a Manager.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexusgate/nexusgate/internal/metrics"
)

// Limits on a single run.
const (
	MaxRequestsPerSecond = 5000
	MaxConcurrency       = 200
	MaxDurationSeconds   = 3600
)

var (
	// ErrNotFound is returned for an unknown run id.
	ErrNotFound = errors.New("load test not found")
	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid load test config")
	// ErrBusy is returned when the manager already runs its maximum number
	// of concurrent tests.
	ErrBusy = errors.New("too many load tests running")
)

// Config describes one load test.
type Config struct {
	TargetURL         string `json:"targetUrl" validate:"required,http_url"`
	Method            string `json:"method,omitempty"`
	RequestsPerSecond int    `json:"requestsPerSecond" validate:"required,gt=0,lte=5000"`
	DurationSeconds   int    `json:"durationSeconds" validate:"required,gt=0,lte=3600"`
	Concurrency       int    `json:"concurrency" validate:"omitempty,gt=0,lte=200"`
	APIKey            string `json:"apiKey,omitempty"`
}

// Duration returns the configured run length.
func (c Config) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// normalize fills defaults and checks bounds.
func (c Config) normalize() (Config, error) {
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.Concurrency == 0 {
		c.Concurrency = 10
	}
	u, err := url.Parse(c.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return c, fmt.Errorf("%w: targetUrl must be an absolute http(s) URL", ErrInvalidConfig)
	}
	switch {
	case c.RequestsPerSecond <= 0 || c.RequestsPerSecond > MaxRequestsPerSecond:
		return c, fmt.Errorf("%w: requestsPerSecond must be between 1 and %d", ErrInvalidConfig, MaxRequestsPerSecond)
	case c.DurationSeconds <= 0 || c.DurationSeconds > MaxDurationSeconds:
		return c, fmt.Errorf("%w: durationSeconds must be between 1 and %d", ErrInvalidConfig, MaxDurationSeconds)
	case c.Concurrency < 0 || c.Concurrency > MaxConcurrency:
		return c, fmt.Errorf("%w: concurrency must be between 1 and %d", ErrInvalidConfig, MaxConcurrency)
	}
	return c, nil
}

// Results summarizes a run so far. Latencies are in milliseconds. Requests
// that never got an HTTP response are counted under status code 0.
type Results struct {
	TestID             string        `json:"testId,omitempty"`
	TotalRequests      int64         `json:"totalRequests"`
	SuccessfulRequests int64         `json:"successfulRequests"`
	FailedRequests     int64         `json:"failedRequests"`
	StatusCodes        map[int]int64 `json:"statusCodes"`
	AvgLatencyMs       float64       `json:"avgLatency"`
	P50LatencyMs       float64       `json:"p50Latency"`
	P95LatencyMs       float64       `json:"p95Latency"`
	P99LatencyMs       float64       `json:"p99Latency"`
	MaxLatencyMs       float64       `json:"maxLatency"`
	RequestsPerSecond  float64       `json:"requestsPerSecond"`
	ErrorRate          float64       `json:"errorRate"`
	DurationSeconds    float64       `json:"duration"`
}

// recorder accumulates request outcomes from concurrent workers.
type recorder struct {
	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
	success   int64
	failed    int64
}

func newRecorder() *recorder {
	return &recorder{codes: make(map[int]int64)}
}

func (r *recorder) record(code int, elapsed time.Duration) {
	metrics.LoadTestRequestsTotal.WithLabelValues(metrics.StatusClass(code)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code]++
	if code >= 200 && code < 400 {
		r.success++
		r.latencies = append(r.latencies, elapsed)
	} else {
		r.failed++
		if code != 0 {
			r.latencies = append(r.latencies, elapsed)
		}
	}
}

func (r *recorder) attempted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success + r.failed
}

// responded counts requests that got an HTTP response of any status.
func (r *recorder) responded() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.success + r.failed - r.codes[0]
}

// snapshot computes results over everything recorded so far.
func (r *recorder) snapshot(elapsed time.Duration) *Results {
	r.mu.Lock()
	lat := make([]time.Duration, len(r.latencies))
	copy(lat, r.latencies)
	res := &Results{
		SuccessfulRequests: r.success,
		FailedRequests:     r.failed,
		StatusCodes:        make(map[int]int64, len(r.codes)),
	}
	for code, n := range r.codes {
		res.StatusCodes[code] = n
	}
	r.mu.Unlock()

	res.TotalRequests = res.SuccessfulRequests + res.FailedRequests
	res.DurationSeconds = elapsed.Seconds()
	if res.TotalRequests > 0 {
		res.ErrorRate = float64(res.FailedRequests) / float64(res.TotalRequests)
	}
	if elapsed > 0 {
		res.RequestsPerSecond = float64(res.TotalRequests) / elapsed.Seconds()
	}

	if len(lat) > 0 {
		sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
		var sum time.Duration
		for _, d := range lat {
			sum += d
		}
		res.AvgLatencyMs = ms(sum / time.Duration(len(lat)))
		res.P50LatencyMs = ms(percentile(lat, 50))
		res.P95LatencyMs = ms(percentile(lat, 95))
		res.P99LatencyMs = ms(percentile(lat, 99))
		res.MaxLatencyMs = ms(lat[len(lat)-1])
	}
	return res
}

// percentile picks the p-th percentile from sorted latencies.
func percentile(sorted []time.Duration, p int) time.Duration {
	i := len(sorted) * p / 100
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Run executes cfg until its duration elapses or ctx is cancelled, and
// returns the final results. Workers share one limiter so the aggregate rate
// stays at RequestsPerSecond regardless of concurrency.
func Run(ctx context.Context, client *http.Client, cfg Config) (*Results, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	rec := newRecorder()
	start := time.Now()
	run(ctx, client, cfg, rec)
	return rec.snapshot(time.Since(start)), nil
}

func run(ctx context.Context, client *http.Client, cfg Config, rec *recorder) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Duration())
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				code, elapsed := fire(ctx, client, cfg)
				if ctx.Err() != nil && code == 0 {
					// Cut off by the deadline, not a target failure.
					return
				}
				rec.record(code, elapsed)
			}
		}()
	}
	wg.Wait()
}

// fire sends one request and returns its status code, or 0 when no response
// was obtained.
func fire(ctx context.Context, client *http.Client, cfg Config) (int, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.TargetURL, nil)
	if err != nil {
		return 0, 0
	}
	req.Header.Set("User-Agent", "nexusgate-loadtest")
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return 0, elapsed
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, elapsed
}

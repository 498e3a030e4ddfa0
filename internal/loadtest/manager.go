package loadtest

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/nexusgate/internal/metrics"
)

// State is the lifecycle state of a run.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Status reports where a run is. Progress is a percentage of the configured
// duration.
type Status struct {
	TestID    string     `json:"testId"`
	Status    State      `json:"status"`
	Progress  float64    `json:"progress"`
	Config    Config     `json:"config"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

type testRun struct {
	id        string
	cfg       Config
	rec       *recorder
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu      sync.Mutex
	state   State
	endedAt time.Time
}

func (t *testRun) status(now time.Time) *Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &Status{TestID: t.id, Status: t.state, Config: t.cfg, StartedAt: t.startedAt}
	if t.state == StateRunning {
		st.Progress = min(100, 100*now.Sub(t.startedAt).Seconds()/t.cfg.Duration().Seconds())
	} else {
		end := t.endedAt
		st.EndedAt = &end
		st.Progress = 100
		if t.state == StateStopped {
			st.Progress = min(100, 100*end.Sub(t.startedAt).Seconds()/t.cfg.Duration().Seconds())
		}
	}
	return st
}

func (t *testRun) elapsed(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning {
		return t.endedAt.Sub(t.startedAt)
	}
	return now.Sub(t.startedAt)
}

// Manager runs load tests in the background and keeps their results in
// memory. Finished runs beyond the retention cap are dropped oldest first.
type Manager struct {
	client     *http.Client
	logger     *slog.Logger
	maxRunning int
	maxKept    int

	mu    sync.Mutex
	runs  map[string]*testRun
	order []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMaxRunning caps the number of concurrently running tests.
func WithMaxRunning(n int) ManagerOption {
	return func(m *Manager) { m.maxRunning = n }
}

// WithMaxKept caps the number of runs kept in memory.
func WithMaxKept(n int) ManagerOption {
	return func(m *Manager) { m.maxKept = n }
}

// NewManager creates a Manager. A nil client uses one with a 30s timeout.
func NewManager(client *http.Client, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		client:     client,
		logger:     logger,
		maxRunning: 4,
		maxKept:    100,
		runs:       make(map[string]*testRun),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates cfg and launches a run in the background.
func (m *Manager) Start(cfg Config) (*Status, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	running := 0
	for _, t := range m.runs {
		t.mu.Lock()
		if t.state == StateRunning {
			running++
		}
		t.mu.Unlock()
	}
	if running >= m.maxRunning {
		m.mu.Unlock()
		return nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &testRun{
		id:        uuid.Must(uuid.NewV7()).String(),
		cfg:       cfg,
		rec:       newRecorder(),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
		state:     StateRunning,
	}
	m.runs[t.id] = t
	m.order = append(m.order, t.id)
	m.pruneLocked()
	m.mu.Unlock()

	metrics.LoadTestsRunning.Inc()
	m.logger.Info("load test started",
		"id", t.id, "target", cfg.TargetURL, "rps", cfg.RequestsPerSecond,
		"duration", cfg.Duration(), "concurrency", cfg.Concurrency)

	go m.execute(ctx, t)
	return t.status(time.Now()), nil
}

func (m *Manager) execute(ctx context.Context, t *testRun) {
	defer close(t.done)
	defer metrics.LoadTestsRunning.Dec()

	run(ctx, m.client, t.cfg, t.rec)

	t.mu.Lock()
	t.endedAt = time.Now()
	switch {
	case ctx.Err() != nil:
		t.state = StateStopped
	case t.rec.responded() == 0 && t.rec.attempted() > 0:
		t.state = StateFailed
	default:
		t.state = StateCompleted
	}
	state := t.state
	t.mu.Unlock()
	t.cancel()

	m.logger.Info("load test finished", "id", t.id, "status", state)
}

// pruneLocked drops the oldest finished runs above maxKept.
func (m *Manager) pruneLocked() {
	for len(m.order) > m.maxKept {
		dropped := false
		for i, id := range m.order {
			t := m.runs[id]
			t.mu.Lock()
			finished := t.state != StateRunning
			t.mu.Unlock()
			if finished {
				delete(m.runs, id)
				m.order = append(m.order[:i], m.order[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}
}

func (m *Manager) get(id string) (*testRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// Status returns the state of a run.
func (m *Manager) Status(id string) (*Status, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return t.status(time.Now()), nil
}

// Results returns the results of a run so far. They are final once the run
// has left the running state.
func (m *Manager) Results(id string) (*Results, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	res := t.rec.snapshot(t.elapsed(time.Now()))
	res.TestID = t.id
	return res, nil
}

// Stop cancels a run and waits for its workers to exit. Stopping a finished
// run is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) (*Status, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return t.status(time.Now()), nil
}

// Close stops every running test.
func (m *Manager) Close() {
	m.mu.Lock()
	runs := make([]*testRun, 0, len(m.runs))
	for _, t := range m.runs {
		runs = append(runs, t)
	}
	m.mu.Unlock()

	for _, t := range runs {
		t.cancel()
		<-t.done
	}
}

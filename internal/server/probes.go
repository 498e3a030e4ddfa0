package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const readinessTimeout = 3 * time.Second

// pinger is satisfied by backends worth probing. The in-process cache is not
// one of them.
type pinger interface {
	Ping(ctx context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (rd *readiness) probe(ctx context.Context, name string, p pinger) {
	if err := p.Ping(ctx); err != nil {
		rd.Checks[name] = "error: " + err.Error()
		rd.Status = "degraded"
		return
	}
	rd.Checks[name] = "ok"
}

// GET /healthz: the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz: the store and any remote cache answer within the timeout.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	rd := readiness{Status: "ok", Checks: map[string]string{}}
	rd.probe(ctx, "store", s.deps.Store)
	if p, ok := s.deps.Cache.(pinger); ok {
		rd.probe(ctx, "cache", p)
	}

	code := http.StatusOK
	if rd.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeProbe(w, code, rd)
}

func writeProbe(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

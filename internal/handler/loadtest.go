package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexusgate/nexusgate/internal/loadtest"
)

// LoadTestHandler starts and inspects load tests.
type LoadTestHandler struct {
	manager *loadtest.Manager
}

// NewLoadTestHandler creates a new LoadTestHandler.
func NewLoadTestHandler(manager *loadtest.Manager) *LoadTestHandler {
	return &LoadTestHandler{manager: manager}
}

// StartLoadTest launches a run in the background.
// POST /load-test/start
func (h *LoadTestHandler) StartLoadTest(w http.ResponseWriter, r *http.Request) {
	var cfg loadtest.Config
	if !decodeAndValidate(w, r, &cfg) {
		return
	}
	st, err := h.manager.Start(cfg)
	if err != nil {
		writeLoadTestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// LoadTestStatus reports the state of a run.
// GET /load-test/status/{id}
func (h *LoadTestHandler) LoadTestStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeLoadTestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// LoadTestResults reports the results of a run so far.
// GET /load-test/results/{id}
func (h *LoadTestHandler) LoadTestResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Results(chi.URLParam(r, "id"))
	if err != nil {
		writeLoadTestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StopLoadTest cancels a run and waits for it to wind down.
// POST /load-test/stop/{id}
func (h *LoadTestHandler) StopLoadTest(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeLoadTestError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeLoadTestError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, loadtest.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, loadtest.ErrInvalidConfig):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, loadtest.ErrBusy):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, err.Error())
	}
}

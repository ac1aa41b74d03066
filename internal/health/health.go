// Package health serves the gateway's liveness and readiness endpoints.
//
// /healthz reports process liveness and uptime. /readyz evaluates every
// registered [Checker] concurrently and fails when any dependency does; each
// check reports its own status, detail, and timing so an operator can see
// which provider or store is holding readiness back.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns an optional human-readable
// detail for the ready case and an error describing the failure otherwise. It
// must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// CheckResult is the per-check entry in the /readyz response.
type CheckResult struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
}

// response is the JSON body for both endpoints. UptimeSec appears on
// /healthz, Checks on /readyz.
type response struct {
	Status    string                 `json:"status"`
	UptimeSec int64                  `json:"uptimeSec,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now()}
}

// Healthz is the liveness probe: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status:    "ok",
		UptimeSec: int64(time.Since(h.started).Seconds()),
	})
}

// Readyz evaluates all checkers in parallel, each under its own
// [checkTimeout] derived from the request context, and returns 503 when any
// fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]CheckResult, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			detail, err := c.Check(ctx)
			res := CheckResult{
				Status:    "ok",
				Detail:    detail,
				ElapsedMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Detail = err.Error()
			}
			results[i] = res
		}()
	}
	wg.Wait()

	resp := response{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		resp.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			resp.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Package health serves the liveness and readiness probes of a running
// Parley instance.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only when every registered [Checker] passes.
//
// The readiness payload reports each check individually, including a detail
// string the checker chooses — the call checker reports the connection state
// ("connected", "idle", ...), the memory checker its round-trip result — so
// an operator curling /readyz sees why the instance is or is not ready.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// readyTimeout bounds one whole readiness pass. Checks run concurrently, so
// the slowest dependency sets the response time, not the sum of them.
const readyTimeout = 5 * time.Second

// Checker is one named readiness check.
type Checker struct {
	// Name keys the check in the JSON response (e.g. "memory", "call").
	Name string

	// Check probes the dependency. The detail string is surfaced to the
	// caller on success (it may be empty); a non-nil error marks the check
	// failed and its message becomes the detail. Check must respect context
	// cancellation.
	Check func(ctx context.Context) (detail string, err error)
}

// CheckResult is the per-check entry in the readiness payload.
type CheckResult struct {
	Status string `json:"status"` // "ok" or "fail"
	Detail string `json:"detail,omitempty"`
}

// response is the JSON body for both probes.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every checker concurrently under a shared [readyTimeout]
// deadline and answers 200 only when all of them pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			detail, err := c.Check(ctx)
			if err != nil {
				results[i] = CheckResult{Status: "fail", Detail: err.Error()}
			} else {
				results[i] = CheckResult{Status: "ok", Detail: detail}
			}
			return nil
		})
	}
	// Failures are carried in results; the group only joins the goroutines.
	_ = g.Wait()

	res := response{Status: "ok", Checks: make(map[string]CheckResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code, degrading to a plain 500
// if encoding fails.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

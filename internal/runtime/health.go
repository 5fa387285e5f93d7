package runtime

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

const checkTimeout = 5 * time.Second

// Checker probes one dependency for the readiness endpoint.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type health struct {
	ready    *atomic.Bool
	checkers []Checker
}

func (h *health) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResult{Status: "ok"})
}

// readyz reports 200 only once the runtime finished starting and every
// checker passes.
func (h *health) readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	ok := true

	if h.ready != nil && !h.ready.Load() {
		checks["runtime"] = "fail: starting"
		ok = false
	}
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
			continue
		}
		checks[c.Name] = "ok"
	}

	res := healthResult{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

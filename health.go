package tvtap

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// HealthChecker backs the liveness and readiness probes. Liveness follows
// SetAlive; readiness additionally requires every registered check to pass.
type HealthChecker struct {
	alive atomic.Bool

	startTime time.Time

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

// ReadinessCheck returns nil when its component is ready.
type ReadinessCheck func() error

// HealthResponse is the JSON body returned by health endpoints.
type HealthResponse struct {
	Status  string   `json:"status"`
	Uptime  string   `json:"uptime,omitempty"`
	Details []string `json:"details,omitempty"`
}

// NewHealthChecker creates a new HealthChecker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]ReadinessCheck),
	}
}

// SetAlive marks the process as alive.
func (h *HealthChecker) SetAlive(alive bool) {
	h.alive.Store(alive)
}

// AddCheck registers a named readiness check, replacing any check with the
// same name.
func (h *HealthChecker) AddCheck(name string, check ReadinessCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// IsAlive returns true if the process is alive.
func (h *HealthChecker) IsAlive() bool {
	return h.alive.Load()
}

// failures runs the readiness checks and returns "name: error" for each
// failing one, sorted by name.
func (h *HealthChecker) failures() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for name, check := range h.checks {
		if err := check(); err != nil {
			out = append(out, name+": "+err.Error())
		}
	}
	slices.Sort(out)
	return out
}

// IsReady returns true if the process is alive and all checks pass.
func (h *HealthChecker) IsReady() bool {
	return h.IsAlive() && len(h.failures()) == 0
}

// HandleHealthz handles the /healthz liveness probe endpoint.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptimeString()}
	code := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

// HandleReadyz handles the /readyz readiness probe endpoint.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.uptimeString()}
	code := http.StatusOK

	switch failures := h.failures(); {
	case !h.IsAlive():
		resp.Status = "not ready"
		resp.Details = []string{"not started"}
		code = http.StatusServiceUnavailable
	case len(failures) > 0:
		resp.Status = "not ready"
		resp.Details = failures
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, resp)
}

func (h *HealthChecker) uptimeString() string {
	return h.Uptime().Truncate(time.Second).String()
}

func writeHealth(w http.ResponseWriter, code int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

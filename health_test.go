package tvtap

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsAlive() {
		t.Error("expected not alive by default")
	}
	h.SetAlive(true)
	if !h.IsAlive() {
		t.Error("expected alive after SetAlive(true)")
	}
	h.SetAlive(false)
	if h.IsAlive() {
		t.Error("expected not alive after SetAlive(false)")
	}
}

func TestHealthChecker_Readiness(t *testing.T) {
	h := NewHealthChecker()

	if h.IsReady() {
		t.Error("expected not ready before SetAlive")
	}

	h.SetAlive(true)
	if !h.IsReady() {
		t.Error("expected ready with no checks")
	}

	var sinkErr error
	h.AddCheck("sink", func() error { return sinkErr })
	if !h.IsReady() {
		t.Error("expected ready with passing check")
	}

	sinkErr = errors.New("closed")
	if h.IsReady() {
		t.Error("expected not ready when a check fails")
	}

	h.AddCheck("sink", func() error { return nil })
	if !h.IsReady() {
		t.Error("re-registering a check should replace it")
	}
}

func TestHealthChecker_HandleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		alive      bool
		wantCode   int
		wantStatus string
	}{
		{"alive", true, http.StatusOK, "ok"},
		{"not alive", false, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.SetAlive(tt.alive)

			rec := httptest.NewRecorder()
			h.HandleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if resp.Uptime == "" {
				t.Error("uptime missing")
			}
		})
	}
}

func TestHealthChecker_HandleReadyz(t *testing.T) {
	h := NewHealthChecker()
	h.SetAlive(true)
	h.AddCheck("proxy", func() error { return errors.New("not listening") })
	h.AddCheck("admin", func() error { return nil })

	rec := httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "not ready" {
		t.Errorf("status = %q", resp.Status)
	}
	if len(resp.Details) != 1 || resp.Details[0] != "proxy: not listening" {
		t.Errorf("details = %v", resp.Details)
	}

	h.AddCheck("proxy", func() error { return nil })
	rec = httptest.NewRecorder()
	h.HandleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

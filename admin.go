package tvtap

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer serves the operational endpoints of a running tap on a
// listener separate from the proxy:
//
//	GET /healthz      liveness
//	GET /readyz       readiness
//	GET /metrics      Prometheus metrics (when Metrics is set)
//	GET /api/status   active capture settings
//	GET /api/lines/last  most recent horizontal line (when Lines is set)
//	GET /ca.crt       CA certificate for browser trust stores (when CertManager is set)
//
// Nothing here can change the capture settings; they are fixed at startup.
type AdminServer struct {
	// Addr is the admin listen address.
	Addr string

	// Settings are the active capture settings reported by /api/status.
	Settings Settings

	// Health backs /healthz and /readyz.
	Health *HealthChecker

	// Metrics is served on /metrics (optional).
	Metrics *Metrics

	// CertManager is reported in /api/status and serves /ca.crt (optional).
	CertManager *CertManager

	// Lines backs /api/lines/last (optional).
	Lines *LineTracker

	// Logger for admin events.
	Logger *slog.Logger

	router chi.Router
	srv    *http.Server
}

// NewAdminServer creates an AdminServer for the given settings.
func NewAdminServer(addr string, s Settings, health *HealthChecker) *AdminServer {
	if health == nil {
		health = NewHealthChecker()
	}
	return &AdminServer{
		Addr:     addr,
		Settings: s,
		Health:   health,
		Logger:   slog.Default(),
	}
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status                string   `json:"status"`
	Uptime                string   `json:"uptime"`
	HostPattern           string   `json:"host_pattern"`
	WSPattern             string   `json:"ws_pattern"`
	HTTPPattern           string   `json:"http_pattern"`
	HTTPMethods           []string `json:"http_methods"`
	MaxTextLength         int      `json:"max_text_length"`
	DecodeContentEncoding bool     `json:"decode_content_encoding"`
	CertCacheSize         int      `json:"cert_cache_size"`
}

// Handler returns the admin routes.
func (a *AdminServer) Handler() http.Handler {
	if a.router == nil {
		a.buildRouter()
	}
	return a.router
}

func (a *AdminServer) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.Health.HandleHealthz)
	r.Get("/readyz", a.Health.HandleReadyz)
	if a.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	}
	if a.CertManager != nil {
		r.Get("/ca.crt", a.handleCACert)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		if a.Lines != nil {
			r.Get("/lines/last", a.handleLastLine)
		}
	})

	a.router = r
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	f := a.Settings.Filters
	if f == nil {
		f = NewFilters(nil, nil, nil, nil)
	}

	resp := StatusResponse{
		Status:                "ok",
		Uptime:                a.Health.uptimeString(),
		HostPattern:           f.Host.String(),
		WSPattern:             f.Message.String(),
		HTTPPattern:           f.Request.String(),
		HTTPMethods:           f.Methods(),
		MaxTextLength:         a.Settings.MaxTextLength,
		DecodeContentEncoding: a.Settings.DecodeContentEncoding,
	}
	if !a.Health.IsReady() {
		resp.Status = "not ready"
	}
	if a.CertManager != nil {
		resp.CertCacheSize = a.CertManager.CacheSize()
	}

	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleLastLine(w http.ResponseWriter, _ *http.Request) {
	line, ok := a.Lines.Last()
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no horizontal line seen yet"})
		return
	}
	a.writeJSON(w, http.StatusOK, line)
}

func (a *AdminServer) handleCACert(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-x509-ca-cert")
	w.Header().Set("Content-Disposition", `attachment; filename="tvtap-ca.crt"`)
	_, _ = w.Write(a.CertManager.CACertPEM())
}

// ListenAndServe serves the admin routes until ctx is cancelled.
func (a *AdminServer) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return err
	}

	a.srv = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shutdownCtx)
	}()

	a.Logger.Info("admin listening", "addr", l.Addr().String())
	if err := a.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin write error", "error", err)
	}
}

package tvtap

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics() returned nil")
	}
	if m.Registry() == nil {
		t.Fatal("registry should not be nil")
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RecordEmitted(EventStart)
	m.RecordDropped(EventMessage, DropContent)
	m.RecordRequest("GET", "https")
	m.RecordWebSocketMessage(DirIn)
	m.RecordWebhook("sent")
	m.RecordLineEvent(LineAdded)
	m.IncActiveConns()
	m.DecActiveConns()
	m.SetCertCacheSize(1)
	m.RecordCertCacheHit()
	m.RecordCertCacheMiss()
	m.RecordUpstreamError("example.com")
	m.RecordTLSHandshakeError()
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()
	m.RecordEmitted(EventMessage)
	m.RecordEmitted(EventMessage)
	m.RecordDropped(EventMessage, DropContent)
	m.RecordWebSocketMessage(DirOut)
	m.IncActiveConns()
	m.IncActiveConns()
	m.DecActiveConns()
	m.SetCertCacheSize(42)

	if got := testutil.ToFloat64(m.recordsEmitted.WithLabelValues(EventMessage)); got != 2 {
		t.Errorf("records_emitted{message} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.trafficDropped.WithLabelValues(EventMessage, DropContent)); got != 1 {
		t.Errorf("traffic_dropped{message,content} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.wsMessages.WithLabelValues(DirOut)); got != 1 {
		t.Errorf("websocket_messages{out} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activeConns); got != 1 {
		t.Errorf("active_connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.certCacheSize); got != 42 {
		t.Errorf("cert_cache_size = %v, want 42", got)
	}
}

func TestMetrics_InterceptorCounts(t *testing.T) {
	i, _ := newTestInterceptor(t, "", "alert_fired", "")
	m := NewMetrics()
	i.Metrics = m

	i.OnWebSocketMessage(wsFlow(), &Frame{Payload: []byte("alert_fired")})
	i.OnWebSocketMessage(wsFlow(), &Frame{Payload: []byte("heartbeat")})

	if got := testutil.ToFloat64(m.recordsEmitted.WithLabelValues(EventMessage)); got != 1 {
		t.Errorf("emitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.trafficDropped.WithLabelValues(EventMessage, DropContent)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.RecordRequest("GET", "https")
	m.RecordEmitted(EventStart)
	m.RecordDropped(EventStart, DropHost)
	m.RecordWebSocketMessage(DirIn)
	m.RecordWebhook("sent")
	m.RecordLineEvent(LineAdded)
	m.RecordUpstreamError("example.com")

	handler := m.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body := rec.Body.String()

	checks := []string{
		"tvtap_proxy_requests_total",
		"tvtap_records_emitted_total",
		"tvtap_traffic_dropped_total",
		"tvtap_websocket_messages_total",
		"tvtap_webhook_posts_total",
		"tvtap_active_connections",
		"tvtap_cert_cache_size",
		"tvtap_upstream_errors_total",
		"go_goroutines",
	}

	for _, check := range checks {
		if !strings.Contains(body, check) {
			t.Errorf("metrics output missing %q", check)
		}
	}
}

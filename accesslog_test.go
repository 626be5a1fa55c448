package tvtap

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		level string
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "observed request",
			entry: AccessLogEntry{
				Method:     "PUT",
				Host:       "www.tradingview.com",
				Path:       "/charts-storage/user/sources",
				Scheme:     "https",
				StatusCode: 200,
				Duration:   150 * time.Millisecond,
				ClientAddr: "192.168.1.1:54321",
				Observed:   true,
			},
			level: "DEBUG",
			check: func(t *testing.T, m map[string]any) {
				if m["method"] != "PUT" {
					t.Errorf("method = %v, want PUT", m["method"])
				}
				if m["host"] != "www.tradingview.com" {
					t.Errorf("host = %v", m["host"])
				}
				if m["scheme"] != "https" {
					t.Errorf("scheme = %v, want https", m["scheme"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["client"] != "192.168.1.1:54321" {
					t.Errorf("client = %v", m["client"])
				}
				for _, k := range []string{"observed", "websocket", "messages", "error"} {
					if _, ok := m[k]; ok {
						t.Errorf("%s should not be present", k)
					}
				}
			},
		},
		{
			name: "unobserved body",
			entry: AccessLogEntry{
				Method:     "PUT",
				Host:       "upload.example.com",
				Path:       "/big",
				Scheme:     "http",
				StatusCode: 201,
				Observed:   false,
			},
			level: "DEBUG",
			check: func(t *testing.T, m map[string]any) {
				if m["observed"] != false {
					t.Errorf("observed = %v, want false", m["observed"])
				}
			},
		},
		{
			name: "websocket session",
			entry: AccessLogEntry{
				Method:     "GET",
				Host:       "data.tradingview.com",
				Path:       "/socket.io/websocket",
				Scheme:     "https",
				StatusCode: 101,
				Duration:   time.Minute,
				Observed:   true,
				WebSocket:  true,
				Messages:   12,
			},
			level: "DEBUG",
			check: func(t *testing.T, m map[string]any) {
				if m["websocket"] != true {
					t.Errorf("websocket = %v, want true", m["websocket"])
				}
				if m["messages"] != float64(12) {
					t.Errorf("messages = %v, want 12", m["messages"])
				}
			},
		},
		{
			name: "upstream error",
			entry: AccessLogEntry{
				Method:     "GET",
				Host:       "timeout.com",
				Path:       "/slow",
				Scheme:     "https",
				Duration:   30 * time.Second,
				Observed:   true,
				Error:      "upstream timeout",
				ClientAddr: "10.0.0.2:22222",
			},
			level: "WARN",
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "upstream timeout" {
					t.Errorf("error = %v, want upstream timeout", m["error"])
				}
				if _, ok := m["status"]; ok {
					t.Error("status should not be present without a response")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
			al := NewAccessLogger(slog.New(handler))

			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
			}

			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			if m["level"] != tt.level {
				t.Errorf("level = %v, want %s", m["level"], tt.level)
			}

			tt.check(t, m)
		})
	}
}

func TestAccessLogger_NilAndFiltered(t *testing.T) {
	var al *AccessLogger
	al.Log(AccessLogEntry{Method: "GET"})

	var buf bytes.Buffer
	al = NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	al.Log(AccessLogEntry{Method: "GET", Observed: true})
	if buf.Len() != 0 {
		t.Errorf("debug entry written at info level: %s", buf.String())
	}
}

func BenchmarkAccessLogger_Log(b *testing.B) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	al := NewAccessLogger(slog.New(handler))

	entry := AccessLogEntry{
		Method:     "PUT",
		Host:       "www.tradingview.com",
		Path:       "/charts-storage/user/sources",
		Scheme:     "https",
		StatusCode: 200,
		Duration:   150 * time.Millisecond,
		ClientAddr: "192.168.1.1:54321",
		Observed:   true,
	}

	b.ResetTimer()
	for range b.N {
		buf.Reset()
		al.Log(entry)
	}
}

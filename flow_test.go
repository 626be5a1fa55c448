package tvtap

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewFlow(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		host     string
		tls      bool
		wantHost string
		wantPath string
		wantURL  string
	}{
		{
			name:     "proxy form",
			target:   "http://www.tradingview.com/charts?id=1",
			wantHost: "www.tradingview.com",
			wantPath: "/charts?id=1",
			wantURL:  "http://www.tradingview.com/charts?id=1",
		},
		{
			name:     "host case kept",
			target:   "http://WWW.TradingView.com:8080/x",
			wantHost: "WWW.TradingView.com",
			wantPath: "/x",
			wantURL:  "http://WWW.TradingView.com:8080/x",
		},
		{
			name:     "tunnelled origin form",
			target:   "/charts-storage/user/sources?chart=1",
			host:     "www.tradingview.com:443",
			tls:      true,
			wantHost: "www.tradingview.com",
			wantPath: "/charts-storage/user/sources?chart=1",
			wantURL:  "https://www.tradingview.com/charts-storage/user/sources?chart=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, tt.target, nil)
			if tt.host != "" {
				req.Host = tt.host
				req.URL.Host = ""
			}
			if tt.tls {
				req.TLS = &tls.ConnectionState{}
			} else {
				req.TLS = nil
			}

			f := NewFlow(req, []byte("body"))
			if f.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", f.Host, tt.wantHost)
			}
			if f.Path != tt.wantPath {
				t.Errorf("Path = %q, want %q", f.Path, tt.wantPath)
			}
			if f.URL != tt.wantURL {
				t.Errorf("URL = %q, want %q", f.URL, tt.wantURL)
			}
			if f.Method != http.MethodPut || string(f.Body) != "body" || f.WebSocket {
				t.Errorf("unexpected flow %+v", f)
			}
		})
	}
}

func TestInterceptor_HostCasePreserved(t *testing.T) {
	i, out := newTestInterceptor(t, "tradingview", "", "")
	i.OnWebSocketStart(&Flow{Host: "Data.TradingView.com", Path: "/socket.io/websocket", WebSocket: true})

	got := out.all()
	if len(got) != 1 || got[0].Host != "Data.TradingView.com" {
		t.Errorf("records = %+v, want host as sent", got)
	}
}

package tvtap

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// TransportOptions tunes the outbound connections the proxy makes to origin
// servers. The zero value of each field selects its default.
type TransportOptions struct {
	// MaxIdleConns is the total number of idle connections kept. Default 100.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the number of idle connections kept per host.
	// Default 10.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection is kept. Default 90s.
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP connection setup. Default 30s.
	DialTimeout time.Duration

	// TLSHandshakeTimeout bounds the upstream TLS handshake. Default 10s.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request was written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// InsecureSkipVerify disables upstream certificate verification.
	InsecureSkipVerify bool

	// Parent routes all outbound traffic through another proxy (optional).
	Parent *ParentProxy
}

// DefaultTransportOptions returns the proxy's default outbound settings.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// TLSConfig returns the client TLS configuration for origin servers.
// Only HTTP/1.1 is offered because responses are relayed to HTTP/1.1 clients.
func (o TransportOptions) TLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: o.InsecureSkipVerify, //nolint:gosec // opt-in
		NextProtos:         []string{"http/1.1"},
	}
}

// Build creates the outbound [http.Transport].
func (o TransportOptions) Build() *http.Transport {
	d := DefaultTransportOptions()
	if o.MaxIdleConns == 0 {
		o.MaxIdleConns = d.MaxIdleConns
	}
	if o.MaxIdleConnsPerHost == 0 {
		o.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if o.IdleConnTimeout == 0 {
		o.IdleConnTimeout = d.IdleConnTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.TLSHandshakeTimeout == 0 {
		o.TLSHandshakeTimeout = d.TLSHandshakeTimeout
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   o.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       o.TLSConfig(),
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ResponseHeaderTimeout: o.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     false,
	}
	if o.Parent != nil {
		t.Proxy = o.Parent.Proxy
	}
	return t
}

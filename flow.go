package tvtap

import (
	"net"
	"net/http"
)

// Flow is a read-only snapshot of a proxied exchange as seen at callback
// time. Observers must not modify it or keep it after returning.
type Flow struct {
	// Host is the target host name without port.
	Host string

	// Path is the request path including the query string.
	Path string

	// URL is the full request URL.
	URL string

	// Method is the HTTP method. It may be empty.
	Method string

	// Header holds the request headers.
	Header http.Header

	// Body is the raw request body. Nil when absent.
	Body []byte

	// WebSocket is set for flows that were upgraded to a WebSocket session.
	WebSocket bool
}

// Frame is one complete WebSocket message.
type Frame struct {
	// Payload is the unmasked message payload.
	Payload []byte

	// FromClient is true when the client sent the message.
	FromClient bool
}

// Observer receives flow lifecycle callbacks from a proxy engine. All
// methods are called synchronously and may be called concurrently for
// distinct flows. Implementations must never fail the proxied flow.
type Observer interface {
	OnWebSocketStart(f *Flow)
	OnWebSocketMessage(f *Flow, fr *Frame)
	OnWebSocketEnd(f *Flow)
	OnHTTPRequest(f *Flow)
}

// NewFlow snapshots req. The body is supplied separately because the proxy
// has to buffer it and restore req.Body for forwarding.
func NewFlow(req *http.Request, body []byte) *Flow {
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	full := *req.URL
	if full.Host == "" {
		full.Host = req.Host
	}
	if full.Scheme == "" {
		full.Scheme = "http"
		if req.TLS != nil {
			full.Scheme = "https"
		}
	}
	if port := full.Port(); (port == "443" && full.Scheme == "https") || (port == "80" && full.Scheme == "http") {
		full.Host = full.Hostname()
	}

	return &Flow{
		Host:   host,
		Path:   req.URL.RequestURI(),
		URL:    full.String(),
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	}
}

package tvtap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultMaxBodyBytes bounds how much of a request body is buffered for the
// observer.
const DefaultMaxBodyBytes = 10 << 20

// Proxy is an HTTP forward proxy with HTTPS interception. It hands a
// snapshot of every request, and every WebSocket message, to an Observer
// without changing what is forwarded.
type Proxy struct {
	// Addr is the address to listen on (e.g., ":8888")
	Addr string

	// CertManager handles dynamic certificate generation. CONNECT requests
	// are refused when nil.
	CertManager *CertManager

	// Observer receives flow callbacks (optional).
	Observer Observer

	// Logger for proxy events
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil)
	Transport http.RoundTripper

	// UpstreamTLS is the client TLS configuration for WebSocket upstreams
	// (optional). ServerName is filled in per connection.
	UpstreamTLS *tls.Config

	// Parent tunnels WebSocket upstream connections through another proxy
	// (optional). HTTP requests follow Transport's own proxy setting.
	Parent *ParentProxy

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// AccessLog writes a diagnostic entry per exchange (optional)
	AccessLog *AccessLogger

	// MaxBodyBytes bounds request body buffering for observation.
	MaxBodyBytes int64

	// ReadHeaderTimeout applies to requests on the proxy listener.
	ReadHeaderTimeout time.Duration

	// IdleTimeout bounds the wait for the next request inside a CONNECT tunnel.
	IdleTimeout time.Duration

	ready    atomic.Bool
	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a new intercepting proxy.
func NewProxy(addr string, cm *CertManager, obs Observer) *Proxy {
	return &Proxy{
		Addr:              addr,
		CertManager:       cm,
		Observer:          obs,
		Logger:            slog.Default(),
		Transport:         http.DefaultTransport,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return p.Serve(listener)
}

// Serve accepts proxy connections on l.
func (p *Proxy) Serve(l net.Listener) error {
	p.listener = l
	p.srv = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
	}

	p.ready.Store(true)
	defer p.ready.Store(false)

	p.Logger.Info("proxy listening", "addr", l.Addr().String())
	return p.srv.Serve(l)
}

// Ready reports whether the proxy is accepting connections.
func (p *Proxy) Ready() bool {
	return p.ready.Load()
}

// Shutdown gracefully stops the proxy. Hijacked tunnels and WebSocket
// sessions are not tracked and end when their peers disconnect.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.ready.Store(false)
	if p.srv != nil {
		return p.srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		p.handleConnect(w, r)
	case isWebSocketUpgrade(r):
		p.handleWebSocket(w, r)
	default:
		p.handleHTTP(w, r)
	}
}

// handleConnect handles HTTPS CONNECT requests (MITM interception).
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	if p.CertManager == nil {
		http.Error(w, "TLS interception not configured", http.StatusNotImplemented)
		return
	}

	p.Metrics.RecordRequest(r.Method, "https")
	p.Metrics.IncActiveConns()
	defer p.Metrics.DecActiveConns()
	p.Logger.Debug("CONNECT", "host", r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	_ = clientConn.SetDeadline(time.Time{})

	_, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	if err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	tlsConfig := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			// Prefer SNI; fall back to the CONNECT host.
			h := hello.ServerName
			if h == "" {
				h = host
			}
			return p.CertManager.GetCertificateForHost(h)
		},
		NextProtos: []string{"http/1.1"},
	}

	tlsClientConn := tls.Server(clientConn, tlsConfig)
	if err := tlsClientConn.Handshake(); err != nil {
		p.Logger.Debug("TLS handshake with client", "error", err, "host", host)
		p.Metrics.RecordTLSHandshakeError()
		_ = clientConn.Close()
		return
	}

	p.handleTLSConnection(tlsClientConn, r.Host)
}

// handleTLSConnection reads HTTP requests from the decrypted tunnel, shows
// them to the observer and forwards them.
func (p *Proxy) handleTLSConnection(conn *tls.Conn, connectHost string) {
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for {
		if p.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(p.IdleTimeout))
		}

		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				p.Logger.Debug("read request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if req.Host == "" {
			req.Host = connectHost
		}
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}

		if isWebSocketUpgrade(req) {
			p.relayWebSocket(conn, reader, req, true)
			return
		}

		if !p.roundTrip(conn, req) {
			return
		}
	}
}

// roundTrip observes and forwards one tunnelled request, writing the
// response to conn. It reports whether the tunnel can carry more requests.
func (p *Proxy) roundTrip(conn net.Conn, req *http.Request) bool {
	observed := p.observeRequest(req)

	start := time.Now()
	entry := AccessLogEntry{
		Method:     req.Method,
		Host:       req.Host,
		Path:       req.URL.Path,
		Scheme:     req.URL.Scheme,
		ClientAddr: conn.RemoteAddr().String(),
		Observed:   observed,
	}

	resp, err := p.forwardRequest(req)
	if err != nil {
		p.Logger.Debug("forward request", "error", err, "url", req.URL)
		p.Metrics.RecordUpstreamError(req.Host)
		writeErrorResponse(conn, err)
		entry.Duration = time.Since(start)
		entry.Error = err.Error()
		p.AccessLog.Log(entry)
		return true
	}

	// The tunnel speaks HTTP/1.1 whatever the upstream negotiated.
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	err = resp.Write(conn)
	_ = resp.Body.Close()

	entry.StatusCode = resp.StatusCode
	entry.Duration = time.Since(start)
	if err != nil {
		entry.Error = err.Error()
	}
	p.AccessLog.Log(entry)

	if err != nil {
		p.Logger.Debug("write response", "error", err)
		return false
	}
	return !req.Close && !resp.Close
}

// observeRequest buffers the request body, hands a Flow to the observer and
// restores the body for forwarding. Bodies over MaxBodyBytes are forwarded
// without being observed.
func (p *Proxy) observeRequest(req *http.Request) bool {
	if p.Observer == nil {
		return true
	}

	body, ok := p.captureBody(req)
	if !ok {
		p.Logger.Debug("request body not observed", "host", req.Host, "path", req.URL.Path)
		return false
	}

	p.Observer.OnHTTPRequest(NewFlow(req, body))
	return true
}

func (p *Proxy) captureBody(req *http.Request) ([]byte, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, true
	}

	limit := p.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}

	orig := req.Body
	buf, err := io.ReadAll(io.LimitReader(orig, limit+1))
	if err != nil || int64(len(buf)) > limit {
		// Replay what was read, then the rest of the stream.
		req.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), orig), orig}
		return nil, false
	}

	_ = orig.Close()
	req.Body = io.NopCloser(bytes.NewReader(buf))
	if len(buf) == 0 {
		return nil, true
	}
	return buf, true
}

// forwardRequest sends the request to the actual server.
func (p *Proxy) forwardRequest(req *http.Request) (*http.Response, error) {
	outReq := req.Clone(req.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	return p.transport().RoundTrip(outReq)
}

func (p *Proxy) transport() http.RoundTripper {
	if p.Transport != nil {
		return p.Transport
	}
	return http.DefaultTransport
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	p.Metrics.RecordRequest(r.Method, "http")
	p.Logger.Debug("HTTP", "method", r.Method, "url", r.URL)

	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}

	observed := p.observeRequest(r)

	start := time.Now()
	entry := AccessLogEntry{
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		Scheme:     r.URL.Scheme,
		ClientAddr: r.RemoteAddr,
		Observed:   observed,
	}

	resp, err := p.forwardRequest(r)
	if err != nil {
		p.Logger.Debug("forward request", "error", err, "url", r.URL)
		p.Metrics.RecordUpstreamError(r.Host)
		http.Error(w, err.Error(), http.StatusBadGateway)
		entry.Duration = time.Since(start)
		entry.Error = err.Error()
		p.AccessLog.Log(entry)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	entry.StatusCode = resp.StatusCode
	entry.Duration = time.Since(start)
	p.AccessLog.Log(entry)
}

// writeErrorResponse writes a 502 response onto a raw connection.
func writeErrorResponse(w io.Writer, err error) {
	body := fmt.Sprintf("Proxy Error: %v", err)
	resp := &http.Response{
		StatusCode:    http.StatusBadGateway,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	_ = resp.Write(w)
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

package tvtap

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ParentProxy chains outbound traffic through another HTTP proxy, for
// networks where origin servers are only reachable that way. Plain HTTP is
// forwarded by the transport; WebSocket upstreams are reached through a
// CONNECT tunnel opened by DialConnect.
type ParentProxy struct {
	// URL is the parent proxy address (e.g., "http://proxy.corp:3128").
	// Userinfo, if present, is sent as basic auth.
	URL *url.URL

	// TLSConfig for https:// parent proxies (optional).
	TLSConfig *tls.Config

	// DialTimeout bounds connecting to the parent proxy. Defaults to 10 seconds.
	DialTimeout time.Duration
}

// NewParentProxy parses rawURL. Only http and https parents are supported.
func NewParentProxy(rawURL string) (*ParentProxy, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse parent proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported parent proxy scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parent proxy URL %q has no host", rawURL)
	}
	return &ParentProxy{URL: u, DialTimeout: 10 * time.Second}, nil
}

// Proxy is suitable for [http.Transport.Proxy].
func (pp *ParentProxy) Proxy(*http.Request) (*url.URL, error) {
	return pp.URL, nil
}

// addr returns the parent's host:port, defaulting the port by scheme.
func (pp *ParentProxy) addr() string {
	host := pp.URL.Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if pp.URL.Scheme == "https" {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "3128")
}

// DialConnect opens a CONNECT tunnel through the parent proxy to addr.
func (pp *ParentProxy) DialConnect(ctx context.Context, addr string) (net.Conn, error) {
	timeout := pp.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	parent := pp.addr()

	var (
		conn net.Conn
		err  error
	)
	if pp.URL.Scheme == "https" {
		cfg := &tls.Config{}
		if pp.TLSConfig != nil {
			cfg = pp.TLSConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = pp.URL.Hostname()
		}
		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", parent)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", parent)
	}
	if err != nil {
		return nil, fmt.Errorf("dial parent proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := pp.URL.User; u != nil {
		pass, _ := u.Password()
		connectReq.Header.Set("Proxy-Authorization", basicAuth(u.Username(), pass))
	}

	if err := connectReq.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("parent proxy CONNECT returned %d", resp.StatusCode)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes read past the CONNECT response.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

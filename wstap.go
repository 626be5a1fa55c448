package tvtap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
)

// wsCloseGrace is how long the second direction of a WebSocket session may
// keep running after the first has ended.
const wsCloseGrace = 5 * time.Second

func isWebSocketUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// handleWebSocket takes over a plain-HTTP upgrade request.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p.Metrics.RecordRequest(r.Method, "ws")

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	conn, brw, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if r.URL.Host == "" {
		r.URL.Host = r.Host
	}
	if r.URL.Scheme == "" {
		r.URL.Scheme = "http"
	}

	p.relayWebSocket(conn, brw.Reader, r, false)
}

// relayWebSocket completes the handshake with the upstream server and then
// copies frames in both directions, reporting every complete data message to
// the observer. client must not be read from except through clientR.
func (p *Proxy) relayWebSocket(client net.Conn, clientR *bufio.Reader, r *http.Request, secure bool) {
	p.Metrics.IncActiveConns()
	defer p.Metrics.DecActiveConns()

	_ = client.SetDeadline(time.Time{})

	start := time.Now()
	entry := AccessLogEntry{
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.URL.Path,
		Scheme:     r.URL.Scheme,
		ClientAddr: client.RemoteAddr().String(),
		Observed:   true,
		WebSocket:  true,
	}
	defer func() {
		entry.Duration = time.Since(start)
		p.AccessLog.Log(entry)
	}()

	fail := func(err error) {
		p.Logger.Debug("websocket upstream", "error", err, "host", r.Host)
		p.Metrics.RecordUpstreamError(r.Host)
		writeErrorResponse(client, err)
		entry.StatusCode = http.StatusBadGateway
		entry.Error = err.Error()
	}

	upstream, err := p.dialUpstream(r, secure)
	if err != nil {
		fail(err)
		return
	}
	defer func() { _ = upstream.Close() }()

	out := r.Clone(context.Background())
	out.RequestURI = ""
	// Compressed frames could not be observed.
	out.Header.Del("Sec-WebSocket-Extensions")
	out.Header.Del("Proxy-Connection")
	out.Header.Del("Proxy-Authorization")
	out.Body = nil
	out.ContentLength = 0

	if err := out.Write(upstream); err != nil {
		fail(fmt.Errorf("write handshake: %w", err))
		return
	}

	upstreamR := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamR, out)
	if err != nil {
		fail(fmt.Errorf("read handshake: %w", err))
		return
	}
	entry.StatusCode = resp.StatusCode

	if resp.StatusCode != http.StatusSwitchingProtocols {
		err := resp.Write(client)
		_ = resp.Body.Close()
		if err != nil {
			entry.Error = err.Error()
		}
		return
	}

	if err := writeSwitchingProtocols(client, resp.Header); err != nil {
		entry.Error = err.Error()
		return
	}

	flow := NewFlow(r, nil)
	flow.WebSocket = true
	if p.Observer != nil {
		p.Observer.OnWebSocketStart(flow)
	}

	var messages atomic.Int64
	done := make(chan error, 2)
	go func() { done <- p.pumpFrames(upstream, clientR, flow, true, &messages) }()
	go func() { done <- p.pumpFrames(client, upstreamR, flow, false, &messages) }()

	err = <-done
	deadline := time.Now().Add(wsCloseGrace)
	_ = client.SetDeadline(deadline)
	_ = upstream.SetDeadline(deadline)
	<-done

	if err != nil && err != io.EOF && !isClosedConn(err) {
		p.Logger.Debug("websocket relay", "error", err, "host", r.Host)
	}

	entry.Messages = int(messages.Load())
	if p.Observer != nil {
		p.Observer.OnWebSocketEnd(flow)
	}
}

// dialUpstream opens the connection to the WebSocket server named by r.
func (p *Proxy) dialUpstream(r *http.Request, secure bool) (net.Conn, error) {
	target := r.URL.Host
	if target == "" {
		target = r.Host
	}

	port := "80"
	if secure {
		port = "443"
	}
	host, addr := target, target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	} else {
		addr = net.JoinHostPort(target, port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if p.Parent != nil {
		conn, err = p.Parent.DialConnect(ctx, addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil || !secure {
		return conn, err
	}

	cfg := &tls.Config{}
	if p.UpstreamTLS != nil {
		cfg = p.UpstreamTLS.Clone()
	}
	cfg.ServerName = host
	cfg.NextProtos = []string{"http/1.1"}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream TLS handshake: %w", err)
	}
	return tlsConn, nil
}

func writeSwitchingProtocols(w io.Writer, h http.Header) error {
	bw := bufio.NewWriter(w)
	_, _ = bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_ = h.Write(bw)
	_, _ = bw.WriteString("\r\n")
	return bw.Flush()
}

// pumpFrames copies frames from src to dst unchanged. Data messages are
// reassembled from their fragments and passed to the observer when the final
// fragment has been forwarded. Messages larger than MaxBodyBytes are relayed
// without being observed.
func (p *Proxy) pumpFrames(dst net.Conn, src io.Reader, flow *Flow, fromClient bool, messages *atomic.Int64) error {
	limit := p.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	dir := DirIn
	if fromClient {
		dir = DirOut
	}

	var (
		msg     []byte
		observe bool
	)
	for {
		h, err := ws.ReadHeader(src)
		if err != nil {
			return err
		}
		if err := ws.WriteHeader(dst, h); err != nil {
			return err
		}

		if h.OpCode.IsControl() {
			if _, err := io.CopyN(dst, src, h.Length); err != nil {
				return err
			}
			if h.OpCode == ws.OpClose {
				return nil
			}
			continue
		}

		if h.OpCode != ws.OpContinuation {
			msg = nil
			observe = p.Observer != nil
		}

		if observe && int64(len(msg))+h.Length <= limit {
			payload := make([]byte, h.Length)
			if _, err := io.ReadFull(src, payload); err != nil {
				return err
			}
			if _, err := dst.Write(payload); err != nil {
				return err
			}
			if h.Masked {
				ws.Cipher(payload, h.Mask, 0)
			}
			msg = append(msg, payload...)
		} else {
			if observe {
				p.Logger.Debug("websocket message not observed", "host", flow.Host, "dir", dir)
			}
			observe = false
			msg = nil
			if _, err := io.CopyN(dst, src, h.Length); err != nil {
				return err
			}
		}

		if !h.Fin {
			continue
		}
		messages.Add(1)
		p.Metrics.RecordWebSocketMessage(dir)
		if observe {
			p.Observer.OnWebSocketMessage(flow, &Frame{Payload: msg, FromClient: fromClient})
		}
		msg = nil
	}
}

func isClosedConn(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

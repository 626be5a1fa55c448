package tvtap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultWebhookMarker selects the alert messages forwarded by default.
const DefaultWebhookMarker = "@ATR"

// WebhookForwarder is a Listener that POSTs the text of WebSocket message
// records containing Marker to URL as text/plain. Deliveries run on a
// background goroutine fed by a bounded queue; when the queue is full the
// alert is dropped rather than stalling the proxy.
type WebhookForwarder struct {
	// URL receives the alerts.
	URL string

	// Marker must appear in a record's text for it to be forwarded.
	Marker string

	// Client for HTTP requests (uses a client with Timeout if nil).
	Client *http.Client

	// Logger for delivery failures.
	Logger *slog.Logger

	// Metrics counts deliveries (optional).
	Metrics *Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan string
	wg     sync.WaitGroup
}

// NewWebhookForwarder creates a forwarder with a queue of queueSize alerts.
func NewWebhookForwarder(url string, queueSize int) *WebhookForwarder {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &WebhookForwarder{
		URL:    url,
		Marker: DefaultWebhookMarker,
		Client: &http.Client{Timeout: 10 * time.Second},
		Logger: slog.Default(),
		queue:  make(chan string, queueSize),
	}
}

// Start launches the delivery goroutine. It exits when ctx is cancelled or
// Close is called.
func (wf *WebhookForwarder) Start(ctx context.Context) {
	wf.wg.Add(1)
	go func() {
		defer wf.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case text, ok := <-wf.queue:
				if !ok {
					return
				}
				wf.deliver(ctx, text)
			}
		}
	}()
}

// OnRecord implements Listener.
func (wf *WebhookForwarder) OnRecord(r Record) {
	if r.Event != EventMessage || r.Text == nil {
		return
	}
	if !strings.Contains(*r.Text, wf.Marker) {
		return
	}

	wf.mu.RLock()
	defer wf.mu.RUnlock()
	if wf.closed {
		return
	}
	select {
	case wf.queue <- *r.Text:
	default:
		wf.Logger.Warn("webhook queue full, alert dropped", "url", wf.URL)
		wf.Metrics.RecordWebhook("dropped")
	}
}

// Close stops accepting alerts and waits for queued deliveries to finish.
func (wf *WebhookForwarder) Close() {
	wf.mu.Lock()
	if !wf.closed {
		wf.closed = true
		close(wf.queue)
	}
	wf.mu.Unlock()
	wf.wg.Wait()
}

func (wf *WebhookForwarder) deliver(ctx context.Context, text string) {
	if err := wf.post(ctx, text); err != nil {
		wf.Logger.Warn("webhook delivery failed", "url", wf.URL, "error", err)
		wf.Metrics.RecordWebhook("failed")
		return
	}
	wf.Metrics.RecordWebhook("sent")
}

func (wf *WebhookForwarder) post(ctx context.Context, text string) error {
	client := wf.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wf.URL, strings.NewReader(text))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return nil
}

var _ Listener = (*WebhookForwarder)(nil)

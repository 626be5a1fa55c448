// Package tvtap is an intercepting proxy that writes selected WebSocket
// messages and HTTP requests to an append-only stream of JSON lines. It is
// built for following chart alerts and drawing edits made in a browser:
// traffic is forwarded unchanged and only observed on the way through.
//
// # Architecture
//
// A [Proxy] accepts plain HTTP, CONNECT tunnels (terminated with per-host
// certificates from a [CertManager]) and WebSocket upgrades. For every
// request and every complete WebSocket message it calls an [Observer].
// The [Interceptor] is the Observer that decides what is recorded:
//
//   - [Decode] turns raw bytes into [Text] or [Binary].
//   - [Filters] gate traffic by host, content and HTTP method.
//   - [IsRemovalRequest] recognizes chart source removals, which are
//     always recorded.
//   - Accepted traffic becomes a [Record] written to a [Sink].
//
// # Basic Usage
//
//	settings, err := cfg.Settings()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sink, err := tvtap.OpenSink("alerts.jsonl")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sink.Close()
//
//	cm, _, err := tvtap.LoadOrCreateCA("ca.crt", "ca.key", "tvtap")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	proxy := tvtap.NewProxy(":8888", cm, tvtap.NewInterceptor(settings, sink))
//	log.Fatal(proxy.ListenAndServe())
//
// # Record Stream
//
// Each line is one JSON object. Lifecycle records carry event, host and
// path; message records add dir and exactly one of text or bin:
//
//	{"event":"start","host":"data.tradingview.com","path":"/socket.io/websocket"}
//	{"event":"message","dir":"in","host":"data.tradingview.com","path":"/socket.io/websocket","text":"~m~52~m~{\"m\":\"alert_fired\"}"}
//	{"event":"http_request","dir":"out","host":"www.tradingview.com","path":"/charts-storage/user/sources?id=1","method":"PUT","text":"{\"sources\":{\"x\":null}}","line_removal":true,"content_type":"application/json"}
//
// Text is cut to [Settings].MaxTextLength characters after filtering.
// Binary content is base64-encoded.
//
// # Listeners
//
// A [Listener] added to the Sink sees every record after it is written.
// [WebhookForwarder] is a Listener that posts alert text to a URL:
//
//	wf := tvtap.NewWebhookForwarder("https://hooks.example.com/alert", 64)
//	wf.Start(ctx)
//	defer wf.Close()
//	sink.AddListener(wf)
//
// [LineTracker] reads recorded chart saves and reports horizontal lines
// that were drawn or removed:
//
//	lt := tvtap.NewLineTracker()
//	lt.OnAdd = func(l tvtap.HorzLine) { fmt.Println(l.Symbol, l.Price) }
//	sink.AddListener(lt)
//
// # Outbound Connections
//
// [TransportOptions] builds the transport used to reach origin servers.
// Setting Parent chains everything through another proxy:
//
//	parent, err := tvtap.NewParentProxy("http://proxy.corp:3128")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	opts := tvtap.DefaultTransportOptions()
//	opts.Parent = parent
//	proxy.Transport = opts.Build()
//	proxy.Parent = parent
//
// # Metrics and Health
//
// [AdminServer] serves /healthz, /readyz, /metrics, /api/status,
// /api/lines/last and the CA certificate at /ca.crt on a separate
// listener. [Metrics] counts emitted and dropped records, proxied
// requests, WebSocket messages, webhook deliveries and line events.
//
// # Configuration
//
// [LoadConfig] reads YAML with TVTAP_ environment overrides:
//
//	cfg, err := tvtap.LoadConfig("tvtap.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package tvtap

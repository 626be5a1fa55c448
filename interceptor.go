package tvtap

import (
	"context"
	"log/slog"
	"strings"
)

// DefaultMaxTextLength bounds the text field of emitted records.
const DefaultMaxTextLength = 2000

// Settings is the immutable runtime configuration of an Interceptor.
// Build it once at startup, typically with [Config.Settings].
type Settings struct {
	// Filters gates traffic by host, content and method.
	Filters *Filters

	// MaxTextLength is the maximum number of characters kept in the text
	// field. Filtering always sees the full text.
	MaxTextLength int

	// DecodeContentEncoding decompresses request bodies according to their
	// Content-Encoding header before classification.
	DecodeContentEncoding bool
}

// Interceptor turns flow callbacks into records. It holds no per-flow state
// and is safe for concurrent use once constructed.
type Interceptor struct {
	settings Settings
	out      RecordWriter

	// Logger receives diagnostics about dropped traffic and sink errors.
	Logger *slog.Logger

	// Metrics counts emitted and dropped traffic (optional).
	Metrics *Metrics
}

var _ Observer = (*Interceptor)(nil)

// NewInterceptor returns an Interceptor writing accepted records to out.
// A nil Filters allows every host and content with the default methods.
func NewInterceptor(s Settings, out RecordWriter) *Interceptor {
	if s.Filters == nil {
		s.Filters = NewFilters(nil, nil, nil, nil)
	}
	if s.MaxTextLength <= 0 {
		s.MaxTextLength = DefaultMaxTextLength
	}
	return &Interceptor{
		settings: s,
		out:      out,
		Logger:   slog.Default(),
	}
}

// Settings returns a copy of the interceptor's settings.
func (i *Interceptor) Settings() Settings {
	return i.settings
}

// OnWebSocketStart emits a start record for allowed hosts.
func (i *Interceptor) OnWebSocketStart(f *Flow) {
	defer i.absorb(EventStart)
	i.lifecycle(EventStart, f)
}

// OnWebSocketEnd emits an end record for allowed hosts.
func (i *Interceptor) OnWebSocketEnd(f *Flow) {
	defer i.absorb(EventEnd)
	i.lifecycle(EventEnd, f)
}

func (i *Interceptor) lifecycle(event string, f *Flow) {
	if f == nil {
		return
	}
	if !i.settings.Filters.HostAllowed(f.Host) {
		i.drop(event, DropHost, f)
		return
	}
	i.emit(Record{Event: event, Host: f.Host, Path: f.Path})
}

// OnWebSocketMessage emits a message record for fr. Text that does not
// match the message pattern is dropped; binary payloads are always logged.
func (i *Interceptor) OnWebSocketMessage(f *Flow, fr *Frame) {
	defer i.absorb(EventMessage)

	if f == nil || !f.WebSocket {
		return
	}
	if !i.settings.Filters.HostAllowed(f.Host) {
		i.drop(EventMessage, DropHost, f)
		return
	}
	if fr == nil {
		i.drop(EventMessage, DropNoFrame, f)
		return
	}

	p := Decode(fr.Payload)
	if text, ok := p.(Text); ok && !i.settings.Filters.MessageAllowed(string(text)) {
		i.drop(EventMessage, DropContent, f)
		return
	}

	dir := DirIn
	if fr.FromClient {
		dir = DirOut
	}
	r := Record{Event: EventMessage, Dir: dir, Host: f.Host, Path: f.Path}
	r.setContent(p, i.settings.MaxTextLength)
	i.emit(r)
}

// OnHTTPRequest emits an http_request record for intercepted methods whose
// body (or URL, for non-text bodies) matches the request pattern. Chart
// source removals are always emitted.
func (i *Interceptor) OnHTTPRequest(f *Flow) {
	defer i.absorb(EventHTTPRequest)

	if f == nil {
		return
	}
	if !i.settings.Filters.HostAllowed(f.Host) {
		i.drop(EventHTTPRequest, DropHost, f)
		return
	}
	if !i.settings.Filters.MethodAllowed(f.Method) {
		i.drop(EventHTTPRequest, DropMethod, f)
		return
	}

	body := f.Body
	if i.settings.DecodeContentEncoding && f.Header != nil {
		body = DecodeContentEncoding(body, f.Header.Get("Content-Encoding"))
	}
	p := Decode(body)

	var removal bool
	switch v := p.(type) {
	case Text:
		removal = IsRemovalRequest(f.Path, string(v))
		if !removal && !i.settings.Filters.RequestAllowed(string(v)) {
			i.drop(EventHTTPRequest, DropContent, f)
			return
		}
	default:
		if !i.settings.Filters.URLAllowed(f.URL) {
			i.drop(EventHTTPRequest, DropContent, f)
			return
		}
	}

	r := Record{
		Event:       EventHTTPRequest,
		Dir:         DirOut,
		Host:        f.Host,
		Path:        f.Path,
		Method:      strings.ToUpper(f.Method),
		LineRemoval: removal,
	}
	r.setContent(p, i.settings.MaxTextLength)
	if f.Header != nil {
		r.ContentType = f.Header.Get("Content-Type")
	}
	i.emit(r)
}

func (i *Interceptor) emit(r Record) {
	if err := i.out.WriteRecord(r); err != nil {
		i.Logger.Warn("record dropped", "event", r.Event, "host", r.Host, "error", err)
		i.Metrics.RecordDropped(r.Event, DropSink)
		return
	}
	i.Metrics.RecordEmitted(r.Event)
}

func (i *Interceptor) drop(event, reason string, f *Flow) {
	i.Metrics.RecordDropped(event, reason)
	if !i.Logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	i.Logger.LogAttrs(context.Background(), slog.LevelDebug, "traffic skipped",
		slog.String("event", event),
		slog.String("reason", reason),
		slog.String("host", f.Host),
		slog.String("path", f.Path),
	)
}

// absorb keeps a failing callback from reaching the proxy engine.
func (i *Interceptor) absorb(event string) {
	if v := recover(); v != nil {
		i.Logger.Error("observer panic", "event", event, "panic", v)
		i.Metrics.RecordDropped(event, DropPanic)
	}
}

package tvtap

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes one diagnostic entry per proxied request or WebSocket
// session. It is separate from the record stream: entries go to the
// diagnostics logger and are never filtered.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry describes one proxied exchange.
type AccessLogEntry struct {
	Method     string
	Host       string
	Path       string
	Scheme     string
	StatusCode int
	Duration   time.Duration
	ClientAddr string

	// Observed is false when the body was too large to hand to the observer.
	Observed bool

	// WebSocket is set for upgraded sessions; Messages counts relayed data
	// messages in both directions.
	WebSocket bool
	Messages  int

	Error string
}

// NewAccessLogger creates an AccessLogger writing to logger.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes e using slog.LogAttrs to keep the hot path allocation-light.
func (al *AccessLogger) Log(e AccessLogEntry) {
	if al == nil {
		return
	}

	attrs := make([]slog.Attr, 0, 11)
	attrs = append(attrs,
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("scheme", e.Scheme),
		slog.String("client", e.ClientAddr),
		slog.Duration("duration", e.Duration),
	)
	if e.StatusCode != 0 {
		attrs = append(attrs, slog.Int("status", e.StatusCode))
	}
	if !e.Observed {
		attrs = append(attrs, slog.Bool("observed", false))
	}
	if e.WebSocket {
		attrs = append(attrs,
			slog.Bool("websocket", true),
			slog.Int("messages", e.Messages),
		)
	}

	level := slog.LevelDebug
	if e.Error != "" {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("error", e.Error))
	}

	al.logger.LogAttrs(context.Background(), level, "access", attrs...)
}

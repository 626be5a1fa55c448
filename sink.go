package tvtap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// RecordWriter accepts finished records.
type RecordWriter interface {
	WriteRecord(r Record) error
}

// Listener is notified of every record after it has been written.
// OnRecord is called on the emitting goroutine and must not block.
type Listener interface {
	OnRecord(r Record)
}

// ListenerFunc is a function adapter for Listener.
type ListenerFunc func(r Record)

// OnRecord calls f(r).
func (f ListenerFunc) OnRecord(r Record) {
	f(r)
}

type flusher interface {
	Flush() error
}

// Sink is an append-only, line-delimited JSON record writer. Every record
// is written with a single Write call under a mutex, so concurrent emitters
// never interleave bytes within a line. Writers with a Flush method are
// flushed after each record; *os.File is unbuffered and needs no flush.
type Sink struct {
	mu        sync.Mutex
	w         io.Writer
	closer    io.Closer
	listeners []Listener
}

// NewSink returns a Sink writing to w.
func NewSink(w io.Writer) *Sink {
	return &Sink{w: w}
}

// OpenSink opens path for appending, creating it if needed. "-" and
// "stdout" select standard output, which is never closed by the Sink.
func OpenSink(path string) (*Sink, error) {
	switch path {
	case "", "-", "stdout":
		return NewSink(os.Stdout), nil
	case "stderr":
		return NewSink(os.Stderr), nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record output: %w", err)
	}
	return &Sink{w: f, closer: f}, nil
}

// AddListener registers l for all subsequent records.
func (s *Sink) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// WriteRecord encodes r as one JSON line and appends it.
func (s *Sink) WriteRecord(r Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	s.mu.Lock()
	_, err := s.w.Write(buf.Bytes())
	if err == nil {
		if f, ok := s.w.(flusher); ok {
			err = f.Flush()
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	for _, l := range listeners {
		l.OnRecord(r)
	}
	return nil
}

// Close closes the underlying file, if the Sink opened one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}

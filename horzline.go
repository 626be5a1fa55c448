package tvtap

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
)

// HorzLineToolType is the drawing type of a horizontal line in a chart save.
const HorzLineToolType = "LineToolHorzLine"

// Line event kinds.
const (
	LineAdded   = "add"
	LineRemoved = "remove"
)

// HorzLine is a horizontal line saved on a chart.
type HorzLine struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	LineID string  `json:"line_id,omitempty"`
}

// LineTracker is a Listener that turns recorded chart saves into
// horizontal line events. For every entry of the body's "sources" object,
// a LineToolHorzLine source with a symbol and a finite price is reported to
// OnAdd and remembered as the last activity; a null source with a non-empty
// id is reported to OnRemove. Records other than http_request text records
// are ignored, as are bodies that are not JSON.
//
// Callbacks run on the emitting goroutine and must not block.
type LineTracker struct {
	// OnAdd receives each horizontal line found in a save (optional).
	OnAdd func(HorzLine)

	// OnRemove receives the id of each removed source (optional).
	OnRemove func(lineID string)

	// Logger for tracked events.
	Logger *slog.Logger

	// Metrics counts events (optional).
	Metrics *Metrics

	mu   sync.RWMutex
	last *HorzLine
}

// NewLineTracker creates a LineTracker with no callbacks.
func NewLineTracker() *LineTracker {
	return &LineTracker{Logger: slog.Default()}
}

// Last returns the most recently added horizontal line.
func (lt *LineTracker) Last() (HorzLine, bool) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	if lt.last == nil {
		return HorzLine{}, false
	}
	return *lt.last, true
}

// OnRecord implements Listener.
func (lt *LineTracker) OnRecord(r Record) {
	if r.Event != EventHTTPRequest || r.Text == nil {
		return
	}

	sources, ok := chartSources(*r.Text)
	if !ok {
		return
	}

	for _, s := range sources {
		if bytes.Equal(s.raw, jsonNull) {
			if s.id == "" {
				continue
			}
			lt.Logger.Debug("horizontal line removed", "line_id", s.id)
			lt.Metrics.RecordLineEvent(LineRemoved)
			if lt.OnRemove != nil {
				lt.OnRemove(s.id)
			}
			continue
		}

		line, ok := parseHorzLine(s.raw)
		if !ok {
			continue
		}
		line.LineID = s.id

		lt.mu.Lock()
		lt.last = &line
		lt.mu.Unlock()

		lt.Logger.Debug("horizontal line", "symbol", line.Symbol, "price", line.Price, "line_id", line.LineID)
		lt.Metrics.RecordLineEvent(LineAdded)
		if lt.OnAdd != nil {
			lt.OnAdd(line)
		}
	}
}

type chartSource struct {
	id  string
	raw json.RawMessage
}

// chartSources returns the members of the document's "sources" object in
// document order. It fails unless the text is a JSON object whose
// "sources" member is an object.
func chartSources(text string) ([]chartSource, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	if !expectDelim(dec, '{') {
		return nil, false
	}

	var (
		sources []chartSource
		found   bool
	)
	for dec.More() {
		key, ok := nextKey(dec)
		if !ok {
			return nil, false
		}
		if key != "sources" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, false
			}
			continue
		}

		if !expectDelim(dec, '{') {
			return nil, false
		}
		sources = sources[:0]
		for dec.More() {
			id, ok := nextKey(dec)
			if !ok {
				return nil, false
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, false
			}
			sources = append(sources, chartSource{id: id, raw: bytes.TrimSpace(raw)})
		}
		if !expectDelim(dec, '}') {
			return nil, false
		}
		found = true
	}
	return sources, found
}

func expectDelim(dec *json.Decoder, want json.Delim) bool {
	tok, err := dec.Token()
	if err != nil {
		return false
	}
	d, ok := tok.(json.Delim)
	return ok && d == want
}

func nextKey(dec *json.Decoder) (string, bool) {
	tok, err := dec.Token()
	if err != nil {
		return "", false
	}
	key, ok := tok.(string)
	return key, ok
}

type horzLineSource struct {
	Symbol string `json:"symbol"`
	State  *struct {
		Type   string `json:"type"`
		Points []struct {
			Price json.RawMessage `json:"price"`
		} `json:"points"`
	} `json:"state"`
}

func parseHorzLine(raw json.RawMessage) (HorzLine, bool) {
	var src horzLineSource
	if err := json.Unmarshal(raw, &src); err != nil {
		return HorzLine{}, false
	}
	if src.State == nil || src.State.Type != HorzLineToolType || src.Symbol == "" {
		return HorzLine{}, false
	}
	if len(src.State.Points) == 0 {
		return HorzLine{}, false
	}
	price, ok := parsePrice(src.State.Points[0].Price)
	if !ok {
		return HorzLine{}, false
	}
	return HorzLine{Symbol: src.Symbol, Price: price}, true
}

// parsePrice accepts a JSON number or a numeric string. Missing, null and
// non-finite prices are rejected.
func parsePrice(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return 0, false
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(s)
	} else {
		s = string(raw)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

var _ Listener = (*LineTracker)(nil)

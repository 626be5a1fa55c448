package tvtap

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func httpRecord(text string) Record {
	return Record{Event: EventHTTPRequest, Dir: DirOut, Host: "www.tradingview.com", Path: RemovalPathPrefix, Text: &text}
}

func newTestLineTracker() (*LineTracker, *[]HorzLine, *[]string) {
	var added []HorzLine
	var removed []string
	lt := NewLineTracker()
	lt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	lt.OnAdd = func(l HorzLine) { added = append(added, l) }
	lt.OnRemove = func(id string) { removed = append(removed, id) }
	return lt, &added, &removed
}

func TestLineTracker(t *testing.T) {
	tests := []struct {
		name        string
		rec         Record
		wantAdded   []HorzLine
		wantRemoved []string
	}{
		{
			name: "horizontal line with numeric price",
			rec: httpRecord(`{"sources":{"abc":{"symbol":"BINANCE:BTCUSDT","state":{"type":"LineToolHorzLine","points":[{"price":64250.5}]}}}}`),
			wantAdded: []HorzLine{{Symbol: "BINANCE:BTCUSDT", Price: 64250.5, LineID: "abc"}},
		},
		{
			name: "price as string",
			rec: httpRecord(`{"sources":{"x1":{"symbol":"NASDAQ:AAPL","state":{"type":"LineToolHorzLine","points":[{"price":" 191.2 "}]}}}}`),
			wantAdded: []HorzLine{{Symbol: "NASDAQ:AAPL", Price: 191.2, LineID: "x1"}},
		},
		{
			name: "non-finite price",
			rec:  httpRecord(`{"sources":{"a":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[{"price":"Infinity"}]}},"b":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[{"price":"NaN"}]}}}}`),
		},
		{
			name: "missing price",
			rec:  httpRecord(`{"sources":{"a":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[{}]}},"b":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[]}},"c":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[{"price":null}]}}}}`),
		},
		{
			name: "missing symbol",
			rec:  httpRecord(`{"sources":{"a":{"state":{"type":"LineToolHorzLine","points":[{"price":1}]}}}}`),
		},
		{
			name: "other drawing type",
			rec:  httpRecord(`{"sources":{"a":{"symbol":"S","state":{"type":"LineToolTrendLine","points":[{"price":1}]}}}}`),
		},
		{
			name:        "null source is a removal",
			rec:         httpRecord(`{"sources":{"gone":null}}`),
			wantRemoved: []string{"gone"},
		},
		{
			name: "removal with empty id ignored",
			rec:  httpRecord(`{"sources":{"":null}}`),
		},
		{
			name:      "line with empty id has no line id",
			rec:       httpRecord(`{"sources":{"":{"symbol":"S","state":{"type":"LineToolHorzLine","points":[{"price":2}]}}}}`),
			wantAdded: []HorzLine{{Symbol: "S", Price: 2}},
		},
		{
			name:        "mixed save in document order",
			rec:         httpRecord(`{"name":"chart","sources":{"z":{"symbol":"A","state":{"type":"LineToolHorzLine","points":[{"price":3}]}},"old":null,"a":{"symbol":"B","state":{"type":"LineToolHorzLine","points":[{"price":4}]}}}}`),
			wantAdded:   []HorzLine{{Symbol: "A", Price: 3, LineID: "z"}, {Symbol: "B", Price: 4, LineID: "a"}},
			wantRemoved: []string{"old"},
		},
		{
			name: "sources not an object",
			rec:  httpRecord(`{"sources":[null]}`),
		},
		{
			name: "not json",
			rec:  httpRecord(`LineToolHorzLine`),
		},
		{
			name: "truncated json",
			rec:  httpRecord(`{"sources":{"gone":null,"a":{"symbol":"S","sta`),
		},
		{
			name: "websocket message record",
			rec: func() Record {
				r := httpRecord(`{"sources":{"gone":null}}`)
				r.Event = EventMessage
				return r
			}(),
		},
		{
			name: "binary http record",
			rec: func() Record {
				bin := "AAEC"
				return Record{Event: EventHTTPRequest, Dir: DirOut, Bin: &bin}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lt, added, removed := newTestLineTracker()
			lt.OnRecord(tt.rec)

			if !slices.Equal(*added, tt.wantAdded) {
				t.Errorf("added = %+v, want %+v", *added, tt.wantAdded)
			}
			if !slices.Equal(*removed, tt.wantRemoved) {
				t.Errorf("removed = %v, want %v", *removed, tt.wantRemoved)
			}
		})
	}
}

func TestLineTracker_Last(t *testing.T) {
	lt, _, _ := newTestLineTracker()
	if _, ok := lt.Last(); ok {
		t.Fatal("Last() reported activity before any save")
	}

	lt.OnRecord(httpRecord(`{"sources":{"a":{"symbol":"A","state":{"type":"LineToolHorzLine","points":[{"price":1}]}},"b":{"symbol":"B","state":{"type":"LineToolHorzLine","points":[{"price":2}]}}}}`))
	lt.OnRecord(httpRecord(`{"sources":{"b":null}}`))

	last, ok := lt.Last()
	if !ok || last != (HorzLine{Symbol: "B", Price: 2, LineID: "b"}) {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
}

func TestLineTracker_NoCallbacks(t *testing.T) {
	lt := NewLineTracker()
	lt.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMetrics()
	lt.Metrics = m

	lt.OnRecord(httpRecord(`{"sources":{"a":{"symbol":"A","state":{"type":"LineToolHorzLine","points":[{"price":1}]}},"b":null}}`))

	if got := testutil.ToFloat64(m.lineEvents.WithLabelValues(LineAdded)); got != 1 {
		t.Errorf("horzline_events{add} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lineEvents.WithLabelValues(LineRemoved)); got != 1 {
		t.Errorf("horzline_events{remove} = %v, want 1", got)
	}
}

func TestLineTracker_AsSinkListener(t *testing.T) {
	lt, added, removed := newTestLineTracker()

	var buf bytes.Buffer
	sink := NewSink(&buf)
	sink.AddListener(lt)

	i := NewInterceptor(Settings{Filters: NewFilters(nil, nil, mustCompilePattern(t, "LineToolHorzline"), nil)}, sink)
	i.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	i.OnHTTPRequest(&Flow{
		Host:   "www.tradingview.com",
		Path:   "/charts-storage/user/sources?chart=1",
		Method: http.MethodPut,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"sources":{"l1":{"symbol":"FX:EURUSD","state":{"type":"LineToolHorzLine","points":[{"price":1.0842}]}}}}`),
	})
	i.OnHTTPRequest(&Flow{
		Host:   "www.tradingview.com",
		Path:   "/charts-storage/user/sources?chart=1",
		Method: http.MethodPut,
		Body:   []byte(`{"sources":{"l1":null}}`),
	})

	if want := []HorzLine{{Symbol: "FX:EURUSD", Price: 1.0842, LineID: "l1"}}; !slices.Equal(*added, want) {
		t.Errorf("added = %+v, want %+v", *added, want)
	}
	if want := []string{"l1"}; !slices.Equal(*removed, want) {
		t.Errorf("removed = %v, want %v", *removed, want)
	}
}

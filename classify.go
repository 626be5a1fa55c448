package tvtap

import (
	"bytes"
	"encoding/json"
	"strings"
)

// RemovalPathPrefix is the chart storage endpoint whose PUT bodies carry
// drawing sources keyed by id.
const RemovalPathPrefix = "/charts-storage/user/sources"

var jsonNull = []byte("null")

// IsRemovalRequest reports whether a chart-storage request deletes at least
// one drawing source. The body must be a JSON object whose "sources" member
// is itself an object; a source mapped to null is being removed.
//
// Malformed JSON is not an error here, it is simply not a removal.
func IsRemovalRequest(path, text string) bool {
	if text == "" || !strings.HasPrefix(path, RemovalPathPrefix) {
		return false
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return false
	}

	raw, ok := doc["sources"]
	if !ok {
		return false
	}

	var sources map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sources); err != nil || sources == nil {
		return false
	}

	for _, v := range sources {
		if bytes.Equal(bytes.TrimSpace(v), jsonNull) {
			return true
		}
	}
	return false
}

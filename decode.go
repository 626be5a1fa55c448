package tvtap

import (
	"encoding/base64"
	"unicode/utf8"
)

// Payload is the decoded form of a raw traffic body. It is either [Text]
// or [Binary], never both; a nil Payload means there was nothing to decode.
type Payload interface {
	payload()
}

// Text is a payload that decoded cleanly as UTF-8.
type Text string

// Binary is a payload that is not valid UTF-8.
type Binary []byte

func (Text) payload()   {}
func (Binary) payload() {}

// Base64 returns the standard base64 encoding of the raw bytes.
func (b Binary) Base64() string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode classifies raw bytes as Text or Binary using strict UTF-8
// validation. Empty or nil input yields nil.
func Decode(b []byte) Payload {
	if len(b) == 0 {
		return nil
	}
	if utf8.Valid(b) {
		return Text(b)
	}
	return Binary(b)
}

// truncate returns the first n characters of s. Characters are runes, not
// bytes, so multi-byte text is never cut mid-sequence.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

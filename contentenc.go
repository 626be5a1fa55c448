package tvtap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding tokens understood by DecodeContentEncoding.
const (
	EncodingGzip     = "gzip"
	EncodingXGzip    = "x-gzip"
	EncodingDeflate  = "deflate"
	EncodingBrotli   = "br"
	EncodingZstd     = "zstd"
	EncodingIdentity = "identity"
)

// maxDecodedBody caps decompressed output so a small body cannot expand
// without bound.
const maxDecodedBody = 32 << 20

// DecodeContentEncoding reverses the encodings listed in a Content-Encoding
// header. Encodings are undone last-applied first. If any step fails, or an
// encoding is unknown, the raw body is returned unchanged.
func DecodeContentEncoding(body []byte, contentEncoding string) []byte {
	if len(body) == 0 || contentEncoding == "" {
		return body
	}

	encodings := strings.Split(contentEncoding, ",")
	out := body
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encodings[i]))
		decoded, err := DecompressBytes(out, enc)
		if err != nil {
			return body
		}
		out = decoded
	}
	return out
}

// DecompressBytes decodes data compressed with a single encoding.
func DecompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "", EncodingIdentity:
		return data, nil
	case EncodingGzip, EncodingXGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return readCapped(r)
	case EncodingDeflate:
		return inflate(data)
	case EncodingBrotli:
		return readCapped(brotli.NewReader(bytes.NewReader(data)))
	case EncodingZstd:
		d, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer d.Close()
		return readCapped(d)
	default:
		return nil, fmt.Errorf("unknown content encoding %q", encoding)
	}
}

// inflate handles both zlib-wrapped and raw deflate streams; clients send
// either under the "deflate" token.
func inflate(data []byte) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		defer func() { _ = r.Close() }()
		if out, err := readCapped(r); err == nil {
			return out, nil
		}
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	return readCapped(r)
}

func readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBody+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxDecodedBody {
		return nil, errDecodedTooLarge
	}
	return out, nil
}

var errDecodedTooLarge = errors.New("decoded body exceeds limit")

package core

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// minCompressibleSize is the smallest body worth encoding; tiny payloads
// grow under any codec.
const minCompressibleSize = 512

// negotiateEncoding picks the strongest content encoding the client
// advertises: brotli, then gzip, then deflate. "" means identity.
func negotiateEncoding(acceptEncoding string) string {
	accepts := func(name string) bool {
		for _, entry := range strings.Split(acceptEncoding, ",") {
			token, _, _ := strings.Cut(strings.TrimSpace(entry), ";")
			if strings.EqualFold(token, name) {
				return true
			}
		}
		return false
	}
	switch {
	case accepts("br"):
		return "br"
	case accepts("gzip"):
		return "gzip"
	case accepts("deflate"):
		return "deflate"
	}
	return ""
}

// encodeBody compresses data with the named encoding.
func encodeBody(encoding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var writer io.WriteCloser
	switch encoding {
	case "br":
		writer = brotli.NewWriter(&buf)
	case "gzip":
		writer = gzip.NewWriter(&buf)
	case "deflate":
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("deflate init: %w", err)
		}
		writer = fw
	default:
		return nil, fmt.Errorf("unsupported encoding %q: %w", encoding, ErrBadRequest)
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("%s write: %w", encoding, err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("%s close: %w", encoding, err)
	}
	return buf.Bytes(), nil
}

// compressibleType reports whether a content type benefits from encoding.
// Already-compressed media formats do not.
func compressibleType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/javascript", "application/xml",
		"application/wasm", "image/svg+xml":
		return true
	}
	return false
}

// maybeEncodeResponse applies content-encoding negotiation to a file
// response in place. Small, incompressible, or failed encodes leave the
// body untouched.
func maybeEncodeResponse(response *SchemeResponse, acceptEncoding, contentType string) {
	if len(response.Body()) < minCompressibleSize || !compressibleType(contentType) {
		return
	}
	encoding := negotiateEncoding(acceptEncoding)
	if encoding == "" {
		return
	}
	encoded, err := encodeBody(encoding, response.Body())
	if err != nil || len(encoded) >= len(response.Body()) {
		return
	}
	response.body = encoded
	response.Headers.Set("content-encoding", encoding)
	response.Headers.Set("vary", "accept-encoding")
}

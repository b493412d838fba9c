package core

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
)

// rand64 returns a cryptographically random, non-zero 64-bit id.
func rand64() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic("core: crypto/rand unavailable: " + err.Error())
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}

// toProperCase uppercases the first byte of s, leaving the rest untouched.
func toProperCase(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}

// shouldEscape reports whether encodeURIComponent escapes c. The unreserved
// set matches the JavaScript function: alphanumerics plus -_.!~*'().
func shouldEscape(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return false
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return false
	}
	return true
}

const upperhex = "0123456789ABCDEF"

// encodeURIComponent percent-encodes s the way the render process's
// decodeURIComponent expects (spaces become %20, not +).
func encodeURIComponent(s string) string {
	var n int
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xF])
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// decodeURIComponent reverses encodeURIComponent. Malformed escapes are
// passed through verbatim rather than failing the whole value.
func decodeURIComponent(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// splitFields splits s on sep, trimming whitespace and dropping empties.
func splitFields(s string, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

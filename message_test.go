package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestMessageCodec_RoundTrip(t *testing.T) {
	options := map[string]string{
		"route":   "fs.read",
		"seq":     "12",
		"value":   "a b&c=d",
		"unicode": "héllo wörld",
	}
	payload := []byte{0x00, 0x01, 0xFE, 0xFF, 'x'}

	encoded, err := encodeMessage(options, payload)
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}

	decoded, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("payload = %v, want %v", decoded.Payload, payload)
	}
	if len(decoded.Options) != len(options) {
		t.Fatalf("options count = %d, want %d", len(decoded.Options), len(options))
	}
	for key, want := range options {
		if got := decoded.Get(key); got != want {
			t.Errorf("option %q = %q, want %q", key, got, want)
		}
	}
}

func TestMessageCodec_EmptyOptions(t *testing.T) {
	encoded, err := encodeMessage(nil, []byte("data"))
	if err != nil {
		t.Fatalf("encodeMessage: %v", err)
	}
	if encoded[0] != 0 || encoded[1] != 0 {
		t.Errorf("options length = %v, want 0", encoded[:2])
	}
	decoded, err := decodeMessage(encoded)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if string(decoded.Payload) != "data" {
		t.Errorf("payload = %q", decoded.Payload)
	}
}

func TestMessageCodec_TooShort(t *testing.T) {
	if _, err := decodeMessage([]byte{0x01}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("decodeMessage(short) error = %v, want ErrBadRequest", err)
	}
}

func TestMessageCodec_LengthOverrunsBuffer(t *testing.T) {
	if _, err := decodeMessage([]byte{0xFF, 0xFF, 'a'}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("decodeMessage(overrun) error = %v, want ErrBadRequest", err)
	}
}

func TestMessageCodec_OversizedOptions(t *testing.T) {
	options := map[string]string{"big": strings.Repeat("x", 0x10000)}
	if _, err := encodeMessage(options, nil); !errors.Is(err, ErrBadRequest) {
		t.Errorf("encodeMessage(oversized) error = %v, want ErrBadRequest", err)
	}
}

func TestEncodedMessage_Pluck(t *testing.T) {
	m := EncodedMessage{Options: map[string]string{"route": "ping", "seq": "1"}}

	if got := m.Pluck("route"); got != "ping" {
		t.Errorf("Pluck(route) = %q, want %q", got, "ping")
	}
	if m.Has("route") {
		t.Error("route survived Pluck")
	}
	if got := m.Pluck("route"); got != "" {
		t.Errorf("second Pluck(route) = %q, want empty", got)
	}
	if got := m.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
}

func TestEncodeURIComponent(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a b", "a%20b"},
		{"a&b=c", "a%26b%3Dc"},
		{"-_.!~*'()", "-_.!~*'()"},
		{"100%", "100%25"},
	}
	for _, tc := range cases {
		if got := encodeURIComponent(tc.in); got != tc.want {
			t.Errorf("encodeURIComponent(%q) = %q, want %q", tc.in, got, tc.want)
		}
		if back := decodeURIComponent(encodeURIComponent(tc.in)); back != tc.in {
			t.Errorf("decode(encode(%q)) = %q", tc.in, back)
		}
	}
}

func TestDecodeURIComponent_MalformedPassthrough(t *testing.T) {
	if got := decodeURIComponent("50%"); got != "50%" {
		t.Errorf("decodeURIComponent(50%%) = %q, want passthrough", got)
	}
	if got := decodeURIComponent("%zz"); got != "%zz" {
		t.Errorf("decodeURIComponent(%%zz) = %q, want passthrough", got)
	}
}

package core

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// EncodedMessage is one application message on the conduit: a small options
// map followed by an opaque payload.
//
// Wire form:
//
//	u16 optionsLength (big-endian)
//	optionsBytes[optionsLength]   UTF-8 "KEY=VALUE&KEY=VALUE" urlencoded pairs
//	payloadBytes[rest]
type EncodedMessage struct {
	Options map[string]string
	Payload []byte
}

// Get returns the value for key, or "" when absent.
func (m *EncodedMessage) Get(key string) string {
	return m.Options[key]
}

// Has reports whether key is present.
func (m *EncodedMessage) Has(key string) bool {
	_, ok := m.Options[key]
	return ok
}

// Pluck removes key and returns its value, or "" when absent.
func (m *EncodedMessage) Pluck(key string) string {
	value, ok := m.Options[key]
	if ok {
		delete(m.Options, key)
	}
	return value
}

// decodeMessage parses the options map and payload out of a binary conduit
// message.
func decodeMessage(data []byte) (EncodedMessage, error) {
	if len(data) < 2 {
		return EncodedMessage{}, fmt.Errorf("message shorter than options length: %w", ErrBadRequest)
	}
	optionsLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+optionsLen {
		return EncodedMessage{}, fmt.Errorf("options length %d exceeds message: %w", optionsLen, ErrBadRequest)
	}

	options := make(map[string]string)
	raw := string(data[2 : 2+optionsLen])
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		options[key] = decodeURIComponent(value)
	}

	return EncodedMessage{Options: options, Payload: data[2+optionsLen:]}, nil
}

// encodeMessage performs the inverse of decodeMessage. Keys are emitted in
// sorted order so output is deterministic.
func encodeMessage(options map[string]string, payload []byte) ([]byte, error) {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(encodeURIComponent(options[key]))
	}
	serialized := b.String()
	if len(serialized) > 0xFFFF {
		return nil, fmt.Errorf("options serialization is %d bytes: %w", len(serialized), ErrBadRequest)
	}

	out := make([]byte, 2+len(serialized)+len(payload))
	binary.BigEndian.PutUint16(out[:2], uint16(len(serialized)))
	copy(out[2:], serialized)
	copy(out[2+len(serialized):], payload)
	return out, nil
}

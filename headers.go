package core

import (
	"fmt"
	"strings"
)

// Header is a single name/value pair. Names are stored lowercased; lookups
// are case-insensitive.
type Header struct {
	Name  string
	Value string
}

// Headers is a case-insensitive, insertion-ordered header container. The
// zero value is ready to use. Setting an existing name replaces its value in
// place; new names append.
type Headers struct {
	entries []Header
}

// NewHeaders parses a newline-separated "Name: value" block. Lines without a
// colon are ignored.
func NewHeaders(source string) Headers {
	var h Headers
	for _, line := range strings.Split(source, "\n") {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}

// HeadersFromEntries builds a Headers from ordered pairs.
func HeadersFromEntries(entries []Header) Headers {
	var h Headers
	for _, entry := range entries {
		h.Set(entry.Name, entry.Value)
	}
	return h
}

// Set replaces the value of name if present, otherwise appends.
func (h *Headers) Set(name, value string) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	for i := range h.entries {
		if h.entries[i].Name == normalized {
			h.entries[i].Value = value
			return
		}
	}
	h.entries = append(h.entries, Header{Name: normalized, Value: value})
}

// Has reports whether name is present.
func (h *Headers) Has(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range h.entries {
		if h.entries[i].Name == normalized {
			return true
		}
	}
	return false
}

// Get returns the header for name, or an empty Header when absent.
func (h *Headers) Get(name string) Header {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range h.entries {
		if h.entries[i].Name == normalized {
			return h.entries[i]
		}
	}
	return Header{}
}

// Value returns the value for name, or "" when absent.
func (h *Headers) Value(name string) string {
	return h.Get(name).Value
}

// At returns a mutable reference to the header for name. Unlike Entry it
// fails when the header does not exist.
func (h *Headers) At(name string) (*Header, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range h.entries {
		if h.entries[i].Name == normalized {
			return &h.entries[i], nil
		}
	}
	return nil, fmt.Errorf("header %q: %w", name, ErrNotFound)
}

// Entry returns a mutable reference to the header for name, inserting an
// empty header first when absent.
func (h *Headers) Entry(name string) *Header {
	if entry, err := h.At(name); err == nil {
		return entry
	}
	h.Set(name, "")
	return &h.entries[len(h.entries)-1]
}

// Erase removes name. It reports whether a header was removed.
func (h *Headers) Erase(name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i := range h.entries {
		if h.entries[i].Name == normalized {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every entry. It reports whether anything was removed.
func (h *Headers) Clear() bool {
	if len(h.entries) == 0 {
		return false
	}
	h.entries = nil
	return true
}

// Len returns the number of entries.
func (h *Headers) Len() int {
	return len(h.entries)
}

// Entries returns the ordered pairs. The slice aliases internal storage.
func (h *Headers) Entries() []Header {
	return h.entries
}

// Str serializes entries as "Proper-Case-Name: value" lines joined by \n.
func (h *Headers) Str() string {
	var b strings.Builder
	for i, entry := range h.entries {
		parts := strings.Split(entry.Name, "-")
		for j, part := range parts {
			parts[j] = toProperCase(part)
		}
		b.WriteString(strings.Join(parts, "-"))
		b.WriteString(": ")
		b.WriteString(entry.Value)
		if i < len(h.entries)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// JSON returns the entries as a map with lowercased names. Later duplicates
// cannot occur; Set replaces in place.
func (h *Headers) JSON() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, entry := range h.entries {
		out[entry.Name] = entry.Value
	}
	return out
}
